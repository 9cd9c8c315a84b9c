package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Status string

const (
	StatusOK               Status = "ok"
	StatusAlreadyProcessed Status = "already_processed"
)

// Ack is the receiver's response. Both statuses are success: an
// already_processed ack means an earlier attempt landed and the retry was
// deduplicated by the idempotency key.
type Ack struct {
	Status  Status `json:"status"`
	EventID string `json:"event_id"`
}

func (a Ack) Delivered() bool {
	return a.Status == StatusOK || a.Status == StatusAlreadyProcessed
}

// Event is one discrete outbound event. EventID doubles as the idempotency
// key.
type Event struct {
	EventID         string
	Name            string
	RequiresSession bool
	SessionID       string
	ChargerID       string
	OccurredAt      time.Time
	Metadata        map[string]string
}

// Sender delivers events to the remote service.
type Sender interface {
	Send(ctx context.Context, ev Event) (Ack, error)
}

type sessionPayload struct {
	EventID        string            `json:"event_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	SessionID      string            `json:"session_id"`
	Event          string            `json:"event"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Timestamp      time.Time         `json:"timestamp"`
	Source         string            `json:"source"`
	AppState       string            `json:"app_state"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type presessionPayload struct {
	EventID        string            `json:"event_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	AnchorID       string            `json:"anchor_id,omitempty"`
	Event          string            `json:"event"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Timestamp      time.Time         `json:"timestamp"`
	Source         string            `json:"source"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Client posts events over HTTP with a small bounded retry. occurred_at is
// when the transition happened; timestamp is stamped per attempt at send
// time. The two are never conflated.
type Client struct {
	baseURL  string
	source   string
	appState string
	http     *http.Client
	attempts int
	backoff  time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithAttempts(n int) Option {
	return func(c *Client) { c.attempts = n }
}

func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

func WithAppState(state string) Option {
	return func(c *Client) { c.appState = state }
}

func NewClient(baseURL, source string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		source:   source,
		appState: "active",
		http:     &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Send(ctx context.Context, ev Event) (Ack, error) {
	url := c.baseURL + "/v1/arrival/events/presession"
	if ev.RequiresSession {
		url = c.baseURL + "/v1/arrival/events/session"
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Ack{}, ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		ack, retryable, err := c.post(ctx, url, ev)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return Ack{}, lastErr
}

func (c *Client) post(ctx context.Context, url string, ev Event) (Ack, bool, error) {
	body, err := c.encode(ev)
	if err != nil {
		return Ack{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.EventID)

	resp, err := c.http.Do(req)
	if err != nil {
		return Ack{}, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Ack{}, true, fmt.Errorf("transport: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Ack{}, false, fmt.Errorf("transport: rejected with %d", resp.StatusCode)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Ack{}, true, fmt.Errorf("transport: decode ack: %w", err)
	}
	if !ack.Delivered() {
		return Ack{}, false, fmt.Errorf("transport: unexpected status %q", ack.Status)
	}
	return ack, false, nil
}

func (c *Client) encode(ev Event) ([]byte, error) {
	now := time.Now()
	if ev.RequiresSession {
		return json.Marshal(sessionPayload{
			EventID:        ev.EventID,
			IdempotencyKey: ev.EventID,
			SessionID:      ev.SessionID,
			Event:          ev.Name,
			OccurredAt:     ev.OccurredAt,
			Timestamp:      now,
			Source:         c.source,
			AppState:       c.appState,
			Metadata:       ev.Metadata,
		})
	}
	return json.Marshal(presessionPayload{
		EventID:        ev.EventID,
		IdempotencyKey: ev.EventID,
		AnchorID:       ev.ChargerID,
		Event:          ev.Name,
		OccurredAt:     ev.OccurredAt,
		Timestamp:      now,
		Source:         c.source,
		Metadata:       ev.Metadata,
	})
}
