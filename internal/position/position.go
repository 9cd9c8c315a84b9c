package position

import "time"

// Fix is a single position report from the platform location layer.
// SpeedMps < 0 means the platform could not determine speed.
type Fix struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	SpeedMps   float64   `json:"speed_mps"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Mode selects the sampling cadence requested from the platform layer.
type Mode string

const (
	ModeCoarse       Mode = "coarse"
	ModeHighAccuracy Mode = "high_accuracy"
)

// Source is a subscribable stream of fixes. Implementations wrap whatever
// the platform provides; the engine never sees a concrete location framework.
type Source interface {
	Subscribe() <-chan Fix
	SetMode(Mode)
	Last() (Fix, bool)
}

// staleAfter is how old the last fix may be before the location capability
// is reported as stale.
const staleAfter = 60 * time.Second

// Capability is the queryable health of the location layer. The agent cannot
// read OS permission state directly; fix freshness is the observable proxy.
type Capability struct {
	Mode    Mode    `json:"mode"`
	HasFix  bool    `json:"has_fix"`
	FixAgeS float64 `json:"fix_age_s,omitempty"`
	Stale   bool    `json:"stale"`
}

// CapabilityOf derives the capability report from a source at a point in
// time. No fix at all counts as stale.
func CapabilityOf(src *ChannelSource, now time.Time) Capability {
	report := Capability{Mode: src.Mode(), Stale: true}
	fix, ok := src.Last()
	if !ok {
		return report
	}
	report.HasFix = true
	age := now.Sub(fix.RecordedAt)
	report.FixAgeS = age.Seconds()
	report.Stale = age > staleAfter
	return report
}
