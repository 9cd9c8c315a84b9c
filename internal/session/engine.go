package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"arrival-agent/internal/config"
	"arrival-agent/internal/dwell"
	"arrival-agent/internal/journal"
	"arrival-agent/internal/position"
	"arrival-agent/internal/region"
	"arrival-agent/internal/shared/geo"
	"arrival-agent/internal/snapshot"
	"arrival-agent/internal/transport"

	"github.com/google/uuid"
)

type ChargerTarget struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type MerchantTarget struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type ActiveSession struct {
	SessionID  string    `json:"session_id"`
	ChargerID  string    `json:"charger_id"`
	MerchantID string    `json:"merchant_id"`
	StartedAt  time.Time `json:"started_at"`
}

// StateChange is pushed to the UI layer on every transition.
type StateChange struct {
	From    State          `json:"from"`
	To      State          `json:"to"`
	Event   string         `json:"event"`
	Session *ActiveSession `json:"session,omitempty"`
	At      time.Time      `json:"at"`
}

type Notifier interface {
	StateChanged(change StateChange)
}

// Engine is the authoritative arrival state machine. Position callbacks,
// region callbacks, timer fires and UI commands all serialize through one
// mutex; the region monitor is only ever touched while it is held, so the
// monitor's callbacks run in locked context.
type Engine struct {
	cfg      config.Config
	store    snapshot.Store
	sender   transport.Sender
	source   position.Source
	journal  *journal.Journal
	notifier Notifier

	mu       sync.Mutex
	regions  *region.Monitor
	detector *dwell.Detector

	state    State
	charger  *ChargerTarget
	merchant *MerchantTarget
	session  *ActiveSession
	pending  *snapshot.PendingEvent

	graceDeadline *time.Time
	hardDeadline  *time.Time
	graceTimer    *time.Timer
	hardTimer     *time.Timer

	now   func() time.Time
	newID func() string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(cfg config.Config, store snapshot.Store, sender transport.Sender, source position.Source, jrnl *journal.Journal, notifier Notifier) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		source:   source,
		journal:  jrnl,
		notifier: notifier,
		detector: dwell.New(cfg.DwellDuration(), cfg.StationarySpeedMps),
		state:    StateIdle,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	e.regions = region.NewMonitor(e.regionEntered, e.regionExited)
	return e
}

// Start restores any persisted snapshot, reconciles it, and begins consuming
// the position stream.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.restoreLocked(ctx)
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	fixes := e.source.Subscribe()
	go func() {
		defer close(e.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case fix := <-fixes:
				e.HandleFix(fix)
			}
		}
	}()
	return nil
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()
}

// Status returns an immutable view of the engine's current state.
type Status struct {
	State               State           `json:"state"`
	Charger             *ChargerTarget  `json:"charger,omitempty"`
	Merchant            *MerchantTarget `json:"merchant,omitempty"`
	Session             *ActiveSession  `json:"session,omitempty"`
	GraceDeadline       *time.Time      `json:"grace_deadline,omitempty"`
	HardTimeoutDeadline *time.Time      `json:"hard_timeout_deadline,omitempty"`
	PendingEventID      string          `json:"pending_event_id,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{State: e.state}
	if e.charger != nil {
		c := *e.charger
		st.Charger = &c
	}
	if e.merchant != nil {
		m := *e.merchant
		st.Merchant = &m
	}
	if e.session != nil {
		s := *e.session
		st.Session = &s
	}
	if e.graceDeadline != nil {
		d := *e.graceDeadline
		st.GraceDeadline = &d
	}
	if e.hardDeadline != nil {
		d := *e.hardDeadline
		st.HardTimeoutDeadline = &d
	}
	if e.pending != nil {
		st.PendingEventID = e.pending.EventID
	}
	return st
}

// SetChargerTarget replaces the monitored charger. The previous charger's
// region is removed before the new one is registered so the region cap is
// never exceeded. If the current position is already inside the new region,
// the Idle → NearCharger transition happens synchronously.
func (e *Engine) SetChargerTarget(id string, lat, lng float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.HasSession() {
		return &RejectionError{Reason: RejectSessionActive}
	}
	if e.state == StateEnded {
		// a finished lifecycle starts over with a fresh target
		e.state = StateIdle
	}

	prevID := ""
	if e.charger != nil {
		prevID = e.charger.ID
	}
	e.charger = &ChargerTarget{ID: id, Lat: lat, Lng: lng}
	if prevID != "" {
		e.regions.RemoveRegion(prevID)
	}

	// retargeting re-bases the pre-session machine on the new charger
	if e.state != StateIdle {
		e.state = StateIdle
		e.source.SetMode(position.ModeCoarse)
	}
	e.detector.Reset()

	e.emitLocked(EventChargerTargeted, map[string]string{"charger_id": id})

	var cur *position.Fix
	if fix, ok := e.source.Last(); ok {
		cur = &fix
	}
	// may synthesize an enter callback and transition to NearCharger
	e.regions.AddChargerRegion(id, lat, lng, e.cfg.IntentRadiusM, cur)
	return nil
}

// ConfirmActivation starts the session. It is only legal while Anchored;
// any other state yields a structured rejection and an activation_rejected
// event, with no state mutation.
func (e *Engine) ConfirmActivation(sessionID, merchantID string, lat, lng float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.charger == nil {
		e.emitLocked(EventActivationRejected, map[string]string{"reason": string(RejectNoChargerTarget)})
		return &RejectionError{Reason: RejectNoChargerTarget}
	}
	if e.state != StateAnchored {
		e.emitLocked(EventActivationRejected, map[string]string{
			"reason": string(RejectNotAnchored),
			"state":  string(e.state),
		})
		return &RejectionError{Reason: RejectNotAnchored}
	}

	e.session = &ActiveSession{
		SessionID:  sessionID,
		ChargerID:  e.charger.ID,
		MerchantID: merchantID,
		StartedAt:  e.now(),
	}
	e.merchant = &MerchantTarget{ID: merchantID, Lat: lat, Lng: lng}

	// swap the charger region for the merchant region, remove-then-add
	e.regions.RemoveRegion(e.charger.ID)
	var cur *position.Fix
	if fix, ok := e.source.Last(); ok {
		cur = &fix
	}
	e.regions.AddDestinationRegion(merchantID, lat, lng, e.cfg.UnlockRadiusM, cur)

	e.startHardTimeoutLocked(e.cfg.HardTimeout())
	e.transitionLocked(StateActive, EventActivationConfirmed, nil)
	return nil
}

// ConfirmMerchantVisit verifies arrival and ends the session.
func (e *Engine) ConfirmMerchantVisit(sessionID, code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateAtMerchant {
		return &RejectionError{Reason: RejectNotAtMerchant}
	}
	if e.session == nil || e.session.SessionID != sessionID {
		return &RejectionError{Reason: RejectWrongSession}
	}
	e.endLocked(EventVisitVerified, map[string]string{"code": code})
	return nil
}

// RequestEnd ends the lifecycle from any non-terminal state.
func (e *Engine) RequestEnd() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return &RejectionError{Reason: RejectSessionEnded}
	}
	e.endLocked(EventSessionEndRequested, nil)
	return nil
}

// HandleFix feeds one position fix through the machine. Fixes with worse
// horizontal accuracy than the configured threshold are dropped.
func (e *Engine) HandleFix(fix position.Fix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleFixLocked(fix)
}

func (e *Engine) handleFixLocked(fix position.Fix) {
	if e.cfg.AccuracyThresholdM > 0 && fix.AccuracyM > e.cfg.AccuracyThresholdM {
		return
	}

	e.regions.Observe(fix)

	switch e.state {
	case StateNearCharger, StateAnchored:
		if e.charger == nil {
			return
		}
		distM := geo.DistanceM(fix.Lat, fix.Lng, e.charger.Lat, e.charger.Lng)
		within := distM <= e.cfg.DwellRadiusM
		at := fix.RecordedAt
		if at.IsZero() {
			at = e.now()
		}
		e.detector.Observe(at, within, fix.SpeedMps)

		if e.state == StateNearCharger && e.detector.Anchored(e.now()) {
			e.transitionLocked(StateAnchored, EventDwellComplete, nil)
		} else if e.state == StateAnchored && !within {
			e.detector.Reset()
			e.transitionLocked(StateNearCharger, EventChargerLost, nil)
		}

	case StateActive:
		if e.charger == nil {
			return
		}
		distM := geo.DistanceM(fix.Lat, fix.Lng, e.charger.Lat, e.charger.Lng)
		if distM > e.cfg.IntentRadiusM {
			e.startGraceLocked(e.cfg.GracePeriod())
			e.transitionLocked(StateInTransit, EventDepartedCharger, map[string]string{
				"distance_m": fmt.Sprintf("%.0f", distM),
			})
		}
	}
}

// regionEntered runs in locked context: the monitor is only invoked while
// the engine mutex is held.
func (e *Engine) regionEntered(r region.Region) {
	switch r.Kind {
	case region.KindCharger:
		if e.state == StateIdle {
			e.source.SetMode(position.ModeHighAccuracy)
			e.transitionLocked(StateNearCharger, EventEnteredChargerZone, nil)
		}
	case region.KindMerchant:
		if e.state == StateInTransit {
			e.cancelGraceLocked()
			e.transitionLocked(StateAtMerchant, EventEnteredMerchantZone, nil)
		}
	}
}

func (e *Engine) regionExited(r region.Region) {
	if r.Kind != region.KindCharger {
		return
	}
	if e.state == StateAnchored {
		e.detector.Reset()
		e.transitionLocked(StateNearCharger, EventChargerLost, nil)
	}
	if e.state == StateNearCharger {
		e.source.SetMode(position.ModeCoarse)
		e.detector.Reset()
		e.transitionLocked(StateIdle, EventExitedChargerZone, nil)
	}
}

// transitionLocked moves to a new state, queues the wire event, notifies the
// UI layer and journals the transition.
func (e *Engine) transitionLocked(to State, kind EventKind, meta map[string]string) {
	from := e.state
	e.state = to

	ev := e.buildPendingLocked(kind, meta)
	e.queueLocked(ev)
	e.notifyLocked(from, to, kind)
	e.journalAsync(ev.EventID, ev.SessionID, from, to, kind)
}

// emitLocked queues a wire event without changing state (charger_targeted,
// activation_rejected, session_restored).
func (e *Engine) emitLocked(kind EventKind, meta map[string]string) {
	ev := e.buildPendingLocked(kind, meta)
	e.queueLocked(ev)
	e.journalAsync(ev.EventID, ev.SessionID, e.state, e.state, kind)
}

func (e *Engine) buildPendingLocked(kind EventKind, meta map[string]string) *snapshot.PendingEvent {
	ev := &snapshot.PendingEvent{
		EventID:         e.newID(),
		Name:            kind.WireName(),
		RequiresSession: kind.RequiresSession(),
		OccurredAt:      e.now(),
		Metadata:        meta,
	}
	if e.session != nil {
		ev.SessionID = e.session.SessionID
	}
	if e.charger != nil {
		ev.ChargerID = e.charger.ID
	}
	return ev
}

// queueLocked persists the snapshot with the pending event attached before
// any delivery attempt, then hands the event to the transport without
// blocking. A still-unacknowledged predecessor gets one more delivery
// attempt; the idempotency key makes the duplicate harmless.
func (e *Engine) queueLocked(ev *snapshot.PendingEvent) {
	if prev := e.pending; prev != nil && prev.EventID != ev.EventID {
		go e.deliver(*prev)
	}
	e.pending = ev
	e.persistLocked()
	go e.deliver(*ev)
}

// deliver sends one event and clears the pending slot iff it still holds the
// same event. Failures leave the slot intact for the next retry.
func (e *Engine) deliver(ev snapshot.PendingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.sender.Send(ctx, toTransportEvent(ev)); err != nil {
		log.Printf("event %s (%s) delivery failed, kept pending: %v", ev.EventID, ev.Name, err)
		return
	}

	e.mu.Lock()
	if e.pending != nil && e.pending.EventID == ev.EventID {
		e.pending = nil
		e.persistLocked()
	}
	e.mu.Unlock()
}

func toTransportEvent(ev snapshot.PendingEvent) transport.Event {
	return transport.Event{
		EventID:         ev.EventID,
		Name:            ev.Name,
		RequiresSession: ev.RequiresSession,
		SessionID:       ev.SessionID,
		ChargerID:       ev.ChargerID,
		OccurredAt:      ev.OccurredAt,
		Metadata:        ev.Metadata,
	}
}

// endLocked is the single terminal path: cancels timers, clears session
// state and regions, and queues the closing event when one is owed.
func (e *Engine) endLocked(kind EventKind, meta map[string]string) {
	from := e.state
	sid := ""
	if e.session != nil {
		sid = e.session.SessionID
	}
	chargerID := ""
	if e.charger != nil {
		chargerID = e.charger.ID
	}

	e.stopTimersLocked()
	e.graceDeadline = nil
	e.hardDeadline = nil
	e.state = StateEnded
	e.session = nil
	e.merchant = nil
	e.regions.ClearAll()
	e.detector.Reset()
	e.source.SetMode(position.ModeCoarse)

	if sid == "" && kind.RequiresSession() {
		// pre-session end: nothing the server needs to hear, but the
		// transition is still audited
		e.persistLocked()
		e.journalAsync(e.newID(), "", from, StateEnded, kind)
	} else {
		ev := &snapshot.PendingEvent{
			EventID:         e.newID(),
			Name:            kind.WireName(),
			RequiresSession: kind.RequiresSession(),
			SessionID:       sid,
			ChargerID:       chargerID,
			OccurredAt:      e.now(),
			Metadata:        meta,
		}
		e.queueLocked(ev)
		e.journalAsync(ev.EventID, sid, from, StateEnded, kind)
	}
	e.notifyLocked(from, StateEnded, kind)
}

func (e *Engine) notifyLocked(from, to State, kind EventKind) {
	if e.notifier == nil {
		return
	}
	change := StateChange{From: from, To: to, Event: kind.WireName(), At: e.now()}
	if e.session != nil {
		s := *e.session
		change.Session = &s
	}
	e.notifier.StateChanged(change)
}

func (e *Engine) journalAsync(eventID, sessionID string, from, to State, kind EventKind) {
	entry := journal.Entry{
		EventID:    eventID,
		SessionID:  sessionID,
		FromState:  string(from),
		ToState:    string(to),
		Event:      kind.WireName(),
		OccurredAt: e.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.journal.Append(ctx, entry); err != nil {
			log.Printf("journal append failed: %v", err)
		}
	}()
}

// persistLocked writes the snapshot synchronously. A write failure is logged
// and the engine continues on best-effort in-memory state.
func (e *Engine) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Save(ctx, e.snapshotLocked()); err != nil {
		log.Printf("snapshot save failed, continuing in memory: %v", err)
	}
}

func (e *Engine) snapshotLocked() *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		State:   string(e.state),
		SavedAt: e.now(),
	}
	if e.charger != nil {
		snap.Charger = &snapshot.Target{ID: e.charger.ID, Lat: e.charger.Lat, Lng: e.charger.Lng}
	}
	if e.merchant != nil {
		snap.Merchant = &snapshot.Target{ID: e.merchant.ID, Lat: e.merchant.Lat, Lng: e.merchant.Lng}
	}
	if e.session != nil {
		snap.Session = &snapshot.ActiveSession{
			SessionID:  e.session.SessionID,
			ChargerID:  e.session.ChargerID,
			MerchantID: e.session.MerchantID,
			StartedAt:  e.session.StartedAt,
		}
	}
	if e.graceDeadline != nil {
		d := *e.graceDeadline
		snap.GraceDeadline = &d
	}
	if e.hardDeadline != nil {
		d := *e.hardDeadline
		snap.HardTimeoutDeadline = &d
	}
	if e.pending != nil {
		p := *e.pending
		snap.Pending = &p
	}
	return snap
}

func (e *Engine) startGraceLocked(d time.Duration) {
	deadline := e.now().Add(d)
	e.graceDeadline = &deadline
	e.graceTimer = time.AfterFunc(d, e.onGraceExpired)
}

func (e *Engine) startHardTimeoutLocked(d time.Duration) {
	deadline := e.now().Add(d)
	e.hardDeadline = &deadline
	e.hardTimer = time.AfterFunc(d, e.onHardTimeout)
}

func (e *Engine) cancelGraceLocked() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.graceDeadline = nil
}

func (e *Engine) stopTimersLocked() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.hardTimer != nil {
		e.hardTimer.Stop()
		e.hardTimer = nil
	}
}

func (e *Engine) onGraceExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateInTransit && e.graceDeadline != nil {
		e.endLocked(EventGracePeriodExpired, nil)
	}
}

func (e *Engine) onHardTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.HasSession() && e.hardDeadline != nil {
		e.endLocked(EventHardTimeoutExpired, nil)
	}
}
