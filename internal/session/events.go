package session

// State is the engine's single authoritative mode. Exactly one state is
// active at any time and transitions are the only way to change it.
type State string

const (
	StateIdle        State = "idle"
	StateNearCharger State = "near_charger"
	StateAnchored    State = "anchored"
	StateActive      State = "session_active"
	StateInTransit   State = "in_transit"
	StateAtMerchant  State = "at_merchant"
	StateEnded       State = "ended"
)

// Terminal reports whether the state accepts no further transitions within
// the current lifecycle.
func (s State) Terminal() bool { return s == StateEnded }

// HasSession reports whether an active session record must exist.
func (s State) HasSession() bool {
	return s == StateActive || s == StateInTransit || s == StateAtMerchant
}

// EventKind enumerates every semantic event the engine can emit. Kinds from
// EventActivationConfirmed onward are session-scoped and carry a session id
// on the wire.
type EventKind int

const (
	EventChargerTargeted EventKind = iota
	EventEnteredChargerZone
	EventExitedChargerZone
	EventDwellComplete
	EventChargerLost
	EventActivationRejected
	EventActivationConfirmed
	EventDepartedCharger
	EventEnteredMerchantZone
	EventVisitVerified
	EventGracePeriodExpired
	EventHardTimeoutExpired
	EventSessionEndRequested
	EventSessionRestored
)

// AllEventKinds lists every kind once, for exhaustiveness checks.
var AllEventKinds = []EventKind{
	EventChargerTargeted,
	EventEnteredChargerZone,
	EventExitedChargerZone,
	EventDwellComplete,
	EventChargerLost,
	EventActivationRejected,
	EventActivationConfirmed,
	EventDepartedCharger,
	EventEnteredMerchantZone,
	EventVisitVerified,
	EventGracePeriodExpired,
	EventHardTimeoutExpired,
	EventSessionEndRequested,
	EventSessionRestored,
}

// WireName maps a kind to its wire event name. Each kind maps to exactly one
// name and no two kinds collide.
func (k EventKind) WireName() string {
	switch k {
	case EventChargerTargeted:
		return "charger_targeted"
	case EventEnteredChargerZone:
		return "entered_charger_zone"
	case EventExitedChargerZone:
		return "exited_charger_zone"
	case EventDwellComplete:
		return "dwell_complete"
	case EventChargerLost:
		return "charger_lost"
	case EventActivationRejected:
		return "activation_rejected"
	case EventActivationConfirmed:
		return "activation_confirmed"
	case EventDepartedCharger:
		return "departed_charger"
	case EventEnteredMerchantZone:
		return "entered_merchant_zone"
	case EventVisitVerified:
		return "visit_verified"
	case EventGracePeriodExpired:
		return "grace_period_expired"
	case EventHardTimeoutExpired:
		return "hard_timeout_expired"
	case EventSessionEndRequested:
		return "session_end_requested"
	case EventSessionRestored:
		return "session_restored"
	}
	return "unknown"
}

// RequiresSession reports whether the event is session-scoped.
func (k EventKind) RequiresSession() bool {
	return k >= EventActivationConfirmed
}

// RejectReason is the structured code returned when a command violates a
// precondition. The engine's state is never mutated on a rejection.
type RejectReason string

const (
	RejectNotAnchored     RejectReason = "NOT_ANCHORED"
	RejectNoChargerTarget RejectReason = "NO_CHARGER_TARGET"
	RejectNotAtMerchant   RejectReason = "NOT_AT_MERCHANT"
	RejectWrongSession    RejectReason = "WRONG_SESSION"
	RejectSessionActive   RejectReason = "SESSION_ACTIVE"
	RejectSessionEnded    RejectReason = "SESSION_ENDED"
)

// RejectionError carries a reject reason across the command surface.
type RejectionError struct {
	Reason RejectReason
}

func (e *RejectionError) Error() string {
	return "rejected: " + string(e.Reason)
}

// Rejection extracts a reject reason from err, if it is one.
func Rejection(err error) (RejectReason, bool) {
	if re, ok := err.(*RejectionError); ok {
		return re.Reason, true
	}
	return "", false
}
