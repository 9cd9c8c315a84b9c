package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"arrival-agent/internal/journal"
	"arrival-agent/internal/position"
	"arrival-agent/internal/shared/geo"
	"arrival-agent/internal/snapshot"
)

var knownStates = map[State]bool{
	StateIdle:        true,
	StateNearCharger: true,
	StateAnchored:    true,
	StateActive:      true,
	StateInTransit:   true,
	StateAtMerchant:  true,
	StateEnded:       true,
}

// restoreLocked recovers persisted state after a process death. Ordering is
// load, retry the unacknowledged event, fire elapsed deadlines, spatial
// sanity checks, rebuild regions, recreate timers, and only then announce
// the restore. An earlier event must never be overtaken by session_restored,
// so if the retry failed the announcement is skipped entirely: queueing it
// would evict the unacknowledged event from the persisted slot.
func (e *Engine) restoreLocked(ctx context.Context) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		log.Printf("snapshot load failed, starting fresh: %v", err)
		return
	}
	if snap == nil {
		return
	}

	e.applySnapshotLocked(snap)

	if e.pending != nil {
		e.retryPendingLocked(ctx)
	}

	now := e.now()
	if e.hardDeadline != nil && e.state.HasSession() && !now.Before(*e.hardDeadline) {
		e.endLocked(EventHardTimeoutExpired, nil)
		return
	}
	if e.graceDeadline != nil && e.state == StateInTransit && !now.Before(*e.graceDeadline) {
		e.endLocked(EventGracePeriodExpired, nil)
		return
	}

	if e.state.Terminal() {
		return
	}

	if ended := e.reconcilePositionLocked(ctx); ended {
		return
	}

	e.rebuildRegionsLocked()
	e.recreateTimersLocked(now)

	switch e.state {
	case StateNearCharger, StateAnchored, StateActive:
		e.source.SetMode(position.ModeHighAccuracy)
	}

	if e.session != nil && e.state.HasSession() && e.pending == nil {
		e.emitLocked(EventSessionRestored, map[string]string{"state": string(e.state)})
		e.notifyLocked(e.state, e.state, EventSessionRestored)
	}
}

// applySnapshotLocked loads persisted fields verbatim, with no side effects.
func (e *Engine) applySnapshotLocked(snap *snapshot.Snapshot) {
	state := State(snap.State)
	if !knownStates[state] {
		log.Printf("snapshot holds unknown state %q, starting fresh", snap.State)
		return
	}
	e.state = state

	if snap.Charger != nil {
		e.charger = &ChargerTarget{ID: snap.Charger.ID, Lat: snap.Charger.Lat, Lng: snap.Charger.Lng}
	}
	if snap.Merchant != nil {
		e.merchant = &MerchantTarget{ID: snap.Merchant.ID, Lat: snap.Merchant.Lat, Lng: snap.Merchant.Lng}
	}
	if snap.Session != nil {
		e.session = &ActiveSession{
			SessionID:  snap.Session.SessionID,
			ChargerID:  snap.Session.ChargerID,
			MerchantID: snap.Session.MerchantID,
			StartedAt:  snap.Session.StartedAt,
		}
	}
	if snap.GraceDeadline != nil {
		d := *snap.GraceDeadline
		e.graceDeadline = &d
	}
	if snap.HardTimeoutDeadline != nil {
		d := *snap.HardTimeoutDeadline
		e.hardDeadline = &d
	}
	if snap.Pending != nil {
		p := *snap.Pending
		e.pending = &p
	}
}

// retryPendingLocked synchronously retries the unacknowledged event. A
// failure keeps it pending; the next transition or restart tries again.
func (e *Engine) retryPendingLocked(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ev := *e.pending
	if _, err := e.sender.Send(sendCtx, toTransportEvent(ev)); err != nil {
		log.Printf("pending event %s (%s) retry failed, kept for later: %v", ev.EventID, ev.Name, err)
		return
	}
	e.pending = nil
	e.persistLocked()
}

// reconcilePositionLocked runs the state-specific spatial sanity checks.
// An implausible displacement from the charger is treated as a data anomaly:
// it is journaled as a diagnostic and the session force-ends through the
// canonical grace_period_expired transition.
func (e *Engine) reconcilePositionLocked(ctx context.Context) (ended bool) {
	fix, ok := e.source.Last()
	if !ok || e.charger == nil {
		return false
	}

	km := geo.HaversineKm(fix.Lat, fix.Lng, e.charger.Lat, e.charger.Lng)
	if e.cfg.AnomalyDisplacementKm > 0 && km > e.cfg.AnomalyDisplacementKm {
		detail := fmt.Sprintf("charger %s is %.1fkm from last fix", e.charger.ID, km)
		log.Printf("displacement anomaly on restore: %s", detail)

		sid := ""
		if e.session != nil {
			sid = e.session.SessionID
		}
		diagCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.journal.AppendDiagnostic(diagCtx, journal.Diagnostic{
			Code:      "displacement_anomaly",
			Detail:    detail,
			SessionID: sid,
		}); err != nil {
			log.Printf("diagnostic append failed: %v", err)
		}

		if e.state.HasSession() {
			e.endLocked(EventGracePeriodExpired, map[string]string{
				"anomaly":         "displacement",
				"displacement_km": fmt.Sprintf("%.1f", km),
			})
		} else {
			// pre-session: drop the stale target and regroup
			e.state = StateIdle
			e.charger = nil
			e.detector.Reset()
			e.persistLocked()
		}
		return true
	}

	// a driver restored mid-transit may already be at the merchant
	if e.state == StateInTransit && e.merchant != nil {
		if geo.DistanceM(fix.Lat, fix.Lng, e.merchant.Lat, e.merchant.Lng) <= e.cfg.UnlockRadiusM {
			e.cancelGraceLocked()
			e.transitionLocked(StateAtMerchant, EventEnteredMerchantZone, nil)
		}
	}
	return false
}

// rebuildRegionsLocked derives regions purely from the reconciled state; a
// persisted region list would trust registrations the platform may have
// already torn down.
func (e *Engine) rebuildRegionsLocked() {
	var cur *position.Fix
	if fix, ok := e.source.Last(); ok {
		cur = &fix
	}

	switch {
	case e.state == StateIdle, e.state == StateNearCharger, e.state == StateAnchored:
		if e.charger != nil {
			e.regions.AddChargerRegion(e.charger.ID, e.charger.Lat, e.charger.Lng, e.cfg.IntentRadiusM, cur)
		}
	case e.state.HasSession():
		if e.merchant != nil {
			e.regions.AddDestinationRegion(e.merchant.ID, e.merchant.Lat, e.merchant.Lng, e.cfg.UnlockRadiusM, cur)
		}
	}
}

func (e *Engine) recreateTimersLocked(now time.Time) {
	if e.graceDeadline != nil && e.state == StateInTransit {
		e.graceTimer = time.AfterFunc(e.graceDeadline.Sub(now), e.onGraceExpired)
	}
	if e.hardDeadline != nil && e.state.HasSession() {
		e.hardTimer = time.AfterFunc(e.hardDeadline.Sub(now), e.onHardTimeout)
	}
}
