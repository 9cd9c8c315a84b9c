package journal

import (
	"context"
	"time"

	"arrival-agent/internal/db"
)

// Entry is one audited state transition.
type Entry struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Diagnostic records a non-canonical anomaly observation, e.g. an implausible
// displacement detected during restore.
type Diagnostic struct {
	Code       string
	Detail     string
	SessionID  string
	OccurredAt time.Time
}

// Journal appends transitions and diagnostics to the audit tables the fleet
// tooling scrapes. A nil database disables it; appends are best-effort and
// must never gate a transition.
type Journal struct {
	db db.Querier
}

func New(q db.Querier) *Journal {
	return &Journal{db: q}
}

func (j *Journal) Append(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return nil
	}
	_, err := j.db.Exec(ctx, `
		INSERT INTO arrival_transitions (event_id, session_id, from_state, to_state, event, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.EventID, e.SessionID, e.FromState, e.ToState, e.Event, e.OccurredAt)
	return err
}

func (j *Journal) AppendDiagnostic(ctx context.Context, d Diagnostic) error {
	if j == nil || j.db == nil {
		return nil
	}
	if d.OccurredAt.IsZero() {
		d.OccurredAt = time.Now()
	}
	_, err := j.db.Exec(ctx, `
		INSERT INTO arrival_diagnostics (code, detail, session_id, occurred_at)
		VALUES ($1,$2,$3,$4)
	`, d.Code, d.Detail, d.SessionID, d.OccurredAt)
	return err
}

// Recent returns the latest transitions for a session, newest first.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	rows, err := j.db.Query(ctx, `
		SELECT event_id, session_id, from_state, to_state, event, occurred_at
		FROM arrival_transitions
		WHERE session_id=$1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.FromState, &e.ToState, &e.Event, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
