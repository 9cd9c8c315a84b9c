package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
)

func TestAppend(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	j := New(mock)

	occurred := time.Now()
	mock.ExpectExec(`INSERT INTO arrival_transitions`).
		WithArgs("evt-1", "sess-1", "session_active", "in_transit", "departed_charger", occurred).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = j.Append(context.Background(), Entry{
		EventID:    "evt-1",
		SessionID:  "sess-1",
		FromState:  "session_active",
		ToState:    "in_transit",
		Event:      "departed_charger",
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendDiagnostic(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	j := New(mock)

	mock.ExpectExec(`INSERT INTO arrival_diagnostics`).
		WithArgs("displacement_anomaly", "charger 62.3km away", "sess-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = j.AppendDiagnostic(context.Background(), Diagnostic{
		Code:      "displacement_anomaly",
		Detail:    "charger 62.3km away",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("append diagnostic: %v", err)
	}
}

func TestRecent(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	j := New(mock)

	now := time.Now()
	mock.ExpectQuery(`SELECT event_id, session_id, from_state, to_state, event, occurred_at`).
		WithArgs("sess-1", 10).
		WillReturnRows(pgxmock.NewRows([]string{"event_id", "session_id", "from_state", "to_state", "event", "occurred_at"}).
			AddRow("evt-2", "sess-1", "in_transit", "at_merchant", "entered_merchant_zone", now).
			AddRow("evt-1", "sess-1", "session_active", "in_transit", "departed_charger", now.Add(-time.Minute)))

	entries, err := j.Recent(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].Event != "entered_merchant_zone" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestNilJournalIsNoOp(t *testing.T) {
	var j *Journal
	if err := j.Append(context.Background(), Entry{}); err != nil {
		t.Fatalf("nil journal append: %v", err)
	}

	j = New(nil)
	if err := j.AppendDiagnostic(context.Background(), Diagnostic{}); err != nil {
		t.Fatalf("nil db append: %v", err)
	}
	if entries, err := j.Recent(context.Background(), "sess-1", 5); err != nil || entries != nil {
		t.Fatalf("nil db recent: %v %v", entries, err)
	}
}

func TestAppendPropagatesError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO arrival_transitions`).
		WillReturnError(errors.New("disk full"))

	j := New(mock)
	if err := j.Append(context.Background(), Entry{OccurredAt: time.Now()}); err == nil {
		t.Fatalf("expected error")
	}
}
