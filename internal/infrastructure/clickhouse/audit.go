package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"poolrelay/internal/application"
)

// Event is one append-only entry in the relay audit trail. Expired records
// leave no receipt behind; the trail of nonces, hashes and attempts is what
// external reconciliation works from.
type Event struct {
	RefID    string
	Stage    string
	Outcome  string
	TxHash   string
	Nonce    uint64
	Attempt  uint32
	Detail   string
	Occurred time.Time
}

type AuditTrail struct {
	db   *sql.DB
	conn clickhouse.Conn
}

func NewAuditTrail(dsn string) (*AuditTrail, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("clickhouse dsn is required")
	}
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, err
	}
	db := clickhouse.OpenDB(options)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &AuditTrail{db: db, conn: conn}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS relay_events (
		ref_id String,
		stage String,
		outcome String,
		tx_hash String,
		nonce UInt64,
		attempt UInt32,
		detail String,
		occurred DateTime64(3)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(occurred)
	ORDER BY (ref_id, occurred)`)
	return err
}

func (a *AuditTrail) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	batch, err := a.conn.PrepareBatch(ctx, `INSERT INTO relay_events (ref_id, stage, outcome, tx_hash, nonce, attempt, detail, occurred)`)
	if err != nil {
		return err
	}
	for _, event := range events {
		occurred := event.Occurred
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}
		if err := batch.Append(
			event.RefID,
			event.Stage,
			event.Outcome,
			strings.ToLower(event.TxHash),
			event.Nonce,
			event.Attempt,
			event.Detail,
			occurred,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

// Record is the fire-and-forget form used by the pipeline: an unreachable
// audit store must not fail a settlement, so errors are logged and dropped.
func (a *AuditTrail) Record(ctx context.Context, event application.AuditEvent) {
	err := a.Append(ctx, Event{
		RefID:    event.RefID,
		Stage:    event.Stage,
		Outcome:  event.Outcome,
		TxHash:   event.TxHash,
		Nonce:    event.Nonce,
		Attempt:  uint32(event.Attempt),
		Detail:   event.Detail,
		Occurred: event.Occurred,
	})
	if err != nil {
		slog.Error("audit append failed",
			slog.String("ref_id", event.RefID), slog.String("stage", event.Stage), slog.String("error", err.Error()))
	}
}

// Events returns the trail for one reference id, oldest first.
func (a *AuditTrail) Events(ctx context.Context, refID string, limit int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `SELECT ref_id, stage, outcome, tx_hash, nonce, attempt, detail, occurred
		FROM relay_events
		WHERE ref_id = ?
		ORDER BY occurred ASC
		LIMIT ?`, refID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.RefID, &event.Stage, &event.Outcome, &event.TxHash,
			&event.Nonce, &event.Attempt, &event.Detail, &event.Occurred); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Trail is the application-facing read: the event history of one record.
func (a *AuditTrail) Trail(ctx context.Context, refID string, limit int) ([]application.AuditEvent, error) {
	events, err := a.Events(ctx, refID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]application.AuditEvent, 0, len(events))
	for _, event := range events {
		out = append(out, application.AuditEvent{
			RefID:    event.RefID,
			Stage:    event.Stage,
			Outcome:  event.Outcome,
			TxHash:   event.TxHash,
			Nonce:    event.Nonce,
			Attempt:  int(event.Attempt),
			Detail:   event.Detail,
			Occurred: event.Occurred,
		})
	}
	return out, nil
}

func (a *AuditTrail) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.db.PingContext(ctx)
}
