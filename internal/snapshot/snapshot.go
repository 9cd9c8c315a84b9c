package snapshot

import (
	"context"
	"time"
)

// Target is a monitored location: the charger anchor or the merchant
// destination.
type Target struct {
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

// PendingEvent is the most recently triggered, not-yet-acknowledged outbound
// event. At most one exists at a time; it is cleared only once the transport
// confirms delivery.
type PendingEvent struct {
	EventID         string            `json:"event_id"`
	Name            string            `json:"name"`
	RequiresSession bool              `json:"requires_session"`
	SessionID       string            `json:"session_id,omitempty"`
	ChargerID       string            `json:"charger_id,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Snapshot is the engine's entire recoverable state. Monitored regions are
// deliberately absent: they are derived state rebuilt on restore, since the
// platform's region registrations may not survive a process death either.
type Snapshot struct {
	State               string         `json:"state"`
	Charger             *Target        `json:"charger,omitempty"`
	Merchant            *Target        `json:"merchant,omitempty"`
	Session             *ActiveSession `json:"session,omitempty"`
	GraceDeadline       *time.Time     `json:"grace_deadline,omitempty"`
	HardTimeoutDeadline *time.Time     `json:"hard_timeout_deadline,omitempty"`
	Pending             *PendingEvent  `json:"pending,omitempty"`
	SavedAt             time.Time      `json:"saved_at"`
}

// Store persists the snapshot. Load returns (nil, nil) when no snapshot has
// been written yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Clear(ctx context.Context) error
}
