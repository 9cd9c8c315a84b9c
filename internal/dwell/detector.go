package dwell

import "time"

// windowDuration bounds the rolling sample window.
const windowDuration = 5 * time.Minute

type sample struct {
	at         time.Time
	within     bool
	stationary bool
}

// Detector decides whether the client has been stationary and within the
// charger's dwell radius for a continuous duration. State is derived purely
// from live samples; nothing is persisted, so a restart restarts the dwell.
type Detector struct {
	dwellDuration time.Duration
	speedMps      float64

	samples    []sample
	dwellStart time.Time
}

// New returns a detector requiring dwellDuration of continuous stationary
// presence. Speeds at or below speedMps count as stationary; negative speeds
// mean the platform could not measure and are assumed stationary.
func New(dwellDuration time.Duration, speedMps float64) *Detector {
	return &Detector{dwellDuration: dwellDuration, speedMps: speedMps}
}

// Observe records a sample. within reports whether the position was inside
// the dwell radius at time at.
func (d *Detector) Observe(at time.Time, within bool, speedMps float64) {
	stationary := speedMps < 0 || speedMps <= d.speedMps

	d.samples = append(d.samples, sample{at: at, within: within, stationary: stationary})
	d.trim(at)

	if within && stationary {
		if d.dwellStart.IsZero() {
			d.dwellStart = at
		}
		return
	}
	// either condition failing clears the dwell instantly
	d.dwellStart = time.Time{}
}

// Anchored reports whether the continuous dwell has lasted long enough.
func (d *Detector) Anchored(now time.Time) bool {
	if d.dwellStart.IsZero() {
		return false
	}
	return now.Sub(d.dwellStart) >= d.dwellDuration
}

// DwellStart returns the start of the current dwell, zero if none.
func (d *Detector) DwellStart() time.Time {
	return d.dwellStart
}

// Reset drops all samples and the current dwell.
func (d *Detector) Reset() {
	d.samples = nil
	d.dwellStart = time.Time{}
}

// SampleCount reports the live window size, for diagnostics.
func (d *Detector) SampleCount() int {
	return len(d.samples)
}

func (d *Detector) trim(now time.Time) {
	cutoff := now.Add(-windowDuration)
	i := 0
	for i < len(d.samples) && d.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.samples = d.samples[i:]
	}
}
