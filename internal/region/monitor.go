package region

import (
	"sync"

	"arrival-agent/internal/position"
	"arrival-agent/internal/shared/geo"
)

type Kind string

const (
	KindCharger  Kind = "charger"
	KindMerchant Kind = "merchant"
)

// Region is one monitored circular geofence.
type Region struct {
	ID      string
	Kind    Kind
	Lat     float64
	Lng     float64
	RadiusM float64
}

// MaxRegions bounds the number of concurrently monitored regions: one
// charger plus one merchant.
const MaxRegions = 2

// Monitor evaluates position fixes against a bounded set of regions and
// reports boundary crossings. Callbacks fire outside the monitor's lock, so
// handlers may call back into Add/Remove.
type Monitor struct {
	mu      sync.Mutex
	cap     int
	regions map[string]Region
	inside  map[string]bool
	onEnter func(Region)
	onExit  func(Region)
}

func NewMonitor(onEnter, onExit func(Region)) *Monitor {
	return &Monitor{
		cap:     MaxRegions,
		regions: map[string]Region{},
		inside:  map[string]bool{},
		onEnter: onEnter,
		onExit:  onExit,
	}
}

// AddChargerRegion registers a charger geofence. If cur is non-nil and
// already inside the radius, an enter callback is synthesized immediately so
// no motion is needed to notice it.
func (m *Monitor) AddChargerRegion(id string, lat, lng, radiusM float64, cur *position.Fix) {
	m.add(Region{ID: id, Kind: KindCharger, Lat: lat, Lng: lng, RadiusM: radiusM}, cur)
}

func (m *Monitor) AddDestinationRegion(id string, lat, lng, radiusM float64, cur *position.Fix) {
	m.add(Region{ID: id, Kind: KindMerchant, Lat: lat, Lng: lng, RadiusM: radiusM}, cur)
}

func (m *Monitor) add(r Region, cur *position.Fix) {
	var synthesized *Region

	m.mu.Lock()
	if _, exists := m.regions[r.ID]; !exists && len(m.regions) >= m.cap {
		// evict an arbitrary region; callers must not rely on the order
		for id := range m.regions {
			delete(m.regions, id)
			delete(m.inside, id)
			break
		}
	}
	m.regions[r.ID] = r
	m.inside[r.ID] = false
	if cur != nil && geo.DistanceM(cur.Lat, cur.Lng, r.Lat, r.Lng) <= r.RadiusM {
		m.inside[r.ID] = true
		synthesized = &r
	}
	m.mu.Unlock()

	if synthesized != nil && m.onEnter != nil {
		m.onEnter(*synthesized)
	}
}

func (m *Monitor) RemoveRegion(id string) {
	m.mu.Lock()
	delete(m.regions, id)
	delete(m.inside, id)
	m.mu.Unlock()
}

func (m *Monitor) ClearAll() {
	m.mu.Lock()
	m.regions = map[string]Region{}
	m.inside = map[string]bool{}
	m.mu.Unlock()
}

func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// Observe checks the fix against every region and fires enter/exit callbacks
// for boundary crossings.
func (m *Monitor) Observe(fix position.Fix) {
	var entered, exited []Region

	m.mu.Lock()
	for id, r := range m.regions {
		within := geo.DistanceM(fix.Lat, fix.Lng, r.Lat, r.Lng) <= r.RadiusM
		switch {
		case within && !m.inside[id]:
			m.inside[id] = true
			entered = append(entered, r)
		case !within && m.inside[id]:
			m.inside[id] = false
			exited = append(exited, r)
		}
	}
	m.mu.Unlock()

	if m.onEnter != nil {
		for _, r := range entered {
			m.onEnter(r)
		}
	}
	if m.onExit != nil {
		for _, r := range exited {
			m.onExit(r)
		}
	}
}
