package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"arrival-agent/internal/config"
	"arrival-agent/internal/position"
	"arrival-agent/internal/snapshot"
	"arrival-agent/internal/transport"
)

const (
	chargerLat = 30.2672
	chargerLng = -97.7431
	// ~1km north of the charger
	merchantLat = 30.2762
	merchantLng = -97.7431
)

func testConfig() config.Config {
	return config.Config{
		IntentRadiusM:         150,
		DwellRadiusM:          30,
		DwellDurationS:        120,
		UnlockRadiusM:         75,
		GracePeriodS:          900,
		HardTimeoutS:          7200,
		AccuracyThresholdM:    50,
		StationarySpeedMps:    1.5,
		AnomalyDisplacementKm: 50,
	}
}

type fakeSender struct {
	mu     sync.Mutex
	events []transport.Event
	fail   bool
}

func (f *fakeSender) Send(ctx context.Context, ev transport.Event) (transport.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return transport.Ack{}, errors.New("network down")
	}
	f.events = append(f.events, ev)
	return transport.Ack{Status: transport.StatusOK, EventID: ev.EventID}, nil
}

func (f *fakeSender) sent() []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSender) names() []string {
	var names []string
	for _, ev := range f.sent() {
		names = append(names, ev.Name)
	}
	return names
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes []StateChange
}

func (f *fakeNotifier) StateChanged(change StateChange) {
	f.mu.Lock()
	f.changes = append(f.changes, change)
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []StateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StateChange, len(f.changes))
	copy(out, f.changes)
	return out
}

// testClock is a settable clock shared with the engine under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type harness struct {
	engine   *Engine
	store    *snapshot.MemoryStore
	sender   *fakeSender
	source   *position.ChannelSource
	notifier *fakeNotifier
	clock    *testClock
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	h := &harness{
		store:    snapshot.NewMemoryStore(),
		sender:   &fakeSender{},
		source:   position.NewChannelSource(),
		notifier: &fakeNotifier{},
		clock:    newTestClock(),
	}
	h.engine = NewEngine(cfg, h.store, h.sender, h.source, nil, h.notifier)
	h.engine.now = h.clock.now
	seq := 0
	h.engine.newID = func() string {
		seq++
		return fmt.Sprintf("evt-%03d", seq)
	}
	return h
}

// fix publishes a fix to the source's last-known slot and feeds it to the
// engine directly, keeping tests deterministic.
func (h *harness) fix(lat, lng, speed float64) {
	f := position.Fix{Lat: lat, Lng: lng, AccuracyM: 10, SpeedMps: speed, RecordedAt: h.clock.now()}
	h.source.Publish(f)
	// drain the subscription so direct handling stays the only delivery path
	h.engine.HandleFix(f)
}

// distinctNames dedupes delivered events by id and orders them by the
// harness's sequential event ids, recovering the queue order regardless of
// delivery interleaving.
func distinctNames(events []transport.Event) []string {
	byID := map[string]string{}
	ids := []string{}
	for _, ev := range events {
		if _, seen := byID[ev.EventID]; !seen {
			byID[ev.EventID] = ev.Name
			ids = append(ids, ev.EventID)
		}
	}
	sort.Strings(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = byID[id]
	}
	return names
}

// waitFor polls until cond holds or the deadline passes; async deliveries
// settle within it.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

// anchor drives the engine from Idle to Anchored at the charger.
func (h *harness) anchor(t *testing.T) {
	t.Helper()
	if err := h.engine.SetChargerTarget("chg-1", chargerLat, chargerLng); err != nil {
		t.Fatalf("set charger: %v", err)
	}
	h.fix(chargerLat, chargerLng, 0.3)
	h.clock.advance(60 * time.Second)
	h.fix(chargerLat, chargerLng, 0.3)
	h.clock.advance(60 * time.Second)
	h.fix(chargerLat, chargerLng, 0.3)
	if got := h.engine.Status().State; got != StateAnchored {
		t.Fatalf("expected anchored, got %s", got)
	}
}

// activate takes an anchored harness into an active session.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	if err := h.engine.ConfirmActivation("sess-1", "mer-1", merchantLat, merchantLng); err != nil {
		t.Fatalf("confirm activation: %v", err)
	}
}
