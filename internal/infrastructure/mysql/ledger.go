package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"poolrelay/internal/application"
	"poolrelay/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Ledger struct {
	db *sql.DB
}

func NewLedger(dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS relay_transactions (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			ref_id VARCHAR(64) NOT NULL,
			idempotency_key VARCHAR(64) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			sender VARCHAR(42) NOT NULL,
			recipient VARCHAR(42) NOT NULL,
			amount DECIMAL(65,0) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			tx_hash VARCHAR(66) NOT NULL DEFAULT '',
			error_detail TEXT NULL,
			block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
			gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
			created_at DATETIME(3) NOT NULL,
			confirmed_at DATETIME(3) NULL,
			PRIMARY KEY (id),
			UNIQUE KEY relay_ref_unique (ref_id),
			UNIQUE KEY relay_idem_unique (idempotency_key),
			KEY relay_sender_idx (sender, created_at),
			KEY relay_recipient_idx (recipient, created_at),
			KEY relay_status_idx (status, created_at)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const recordColumns = `id, ref_id, idempotency_key, kind, sender, recipient, amount, status, tx_hash, error_detail, block_number, gas_used, created_at, confirmed_at`

func (l *Ledger) Begin(ctx context.Context, tx domain.RelayTransaction) (domain.RelayTransaction, bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.Begin",
		attribute.String("ref.id", tx.RefID),
		attribute.String("kind", string(tx.Kind)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	result, err := l.db.ExecContext(ctx, `INSERT IGNORE INTO relay_transactions
		(ref_id, idempotency_key, kind, sender, recipient, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		tx.RefID, tx.IdempotencyKey, string(tx.Kind),
		strings.ToLower(tx.Sender), strings.ToLower(tx.Recipient), tx.Amount, createdAt)
	if err != nil {
		return domain.RelayTransaction{}, false, recordSpanErr(span, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return domain.RelayTransaction{}, false, recordSpanErr(span, err)
	}

	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM relay_transactions WHERE idempotency_key = ?`, tx.IdempotencyKey)
	record, err := scanRecord(row)
	if err != nil {
		return domain.RelayTransaction{}, false, recordSpanErr(span, err)
	}
	return record, inserted > 0, nil
}

func (l *Ledger) GetByRef(ctx context.Context, refID string) (domain.RelayTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM relay_transactions WHERE ref_id = ?`, refID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RelayTransaction{}, application.ErrNotFound
	}
	return record, err
}

func (l *Ledger) AttachHash(ctx context.Context, refID, txHash string) error {
	ctx, span := startDBSpan(ctx, "mysql.AttachHash",
		attribute.String("ref.id", refID),
		attribute.String("tx.hash", txHash),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	txHash = strings.ToLower(txHash)
	result, err := l.db.ExecContext(ctx,
		`UPDATE relay_transactions SET tx_hash = ? WHERE ref_id = ? AND tx_hash = ''`,
		txHash, refID)
	if err != nil {
		return recordSpanErr(span, err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return recordSpanErr(span, err)
	}
	if updated > 0 {
		return nil
	}

	existing, err := l.GetByRef(ctx, refID)
	if err != nil {
		return recordSpanErr(span, err)
	}
	if existing.TxHash == txHash {
		return nil
	}
	return application.ErrHashAlreadyAttached
}

func (l *Ledger) Finalize(ctx context.Context, refID string, status domain.Status, detail string, blockNumber, gasUsed uint64) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	ctx, span := startDBSpan(ctx, "mysql.Finalize",
		attribute.String("ref.id", refID),
		attribute.String("status", string(status)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// The status guard makes duplicate finalize calls a no-op.
	_, err := l.db.ExecContext(ctx, `UPDATE relay_transactions
		SET status = ?, error_detail = ?, block_number = ?, gas_used = ?, confirmed_at = ?
		WHERE ref_id = ? AND status = 'pending'`,
		string(status), nullableString(detail), blockNumber, gasUsed, time.Now().UTC(), refID)
	if err != nil {
		return recordSpanErr(span, err)
	}
	return nil
}

func (l *Ledger) MarkExpired(ctx context.Context, refID, detail string) error {
	return l.Finalize(ctx, refID, domain.StatusExpired, detail, 0, 0)
}

func (l *Ledger) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := startDBSpan(ctx, "mysql.ExpireStale")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	deadline := time.Now().UTC().Add(-olderThan)
	result, err := l.db.ExecContext(ctx, `UPDATE relay_transactions
		SET status = 'expired', error_detail = 'confirmation deadline exceeded', confirmed_at = ?
		WHERE status = 'pending' AND created_at < ?`,
		time.Now().UTC(), deadline)
	if err != nil {
		return 0, recordSpanErr(span, err)
	}
	expired, err := result.RowsAffected()
	if err != nil {
		return 0, recordSpanErr(span, err)
	}
	span.SetAttributes(attribute.Int64("expired.count", expired))
	return expired, nil
}

func (l *Ledger) History(ctx context.Context, owner string, limit int) ([]domain.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	owner = strings.ToLower(owner)
	rows, err := l.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM relay_transactions
		WHERE sender = ? OR recipient = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, owner, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []domain.Summary
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, record.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.db.PingContext(ctx)
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.RelayTransaction, error) {
	var record domain.RelayTransaction
	var kind, status string
	var detail sql.NullString
	var confirmedAt sql.NullTime
	if err := row.Scan(&record.ID, &record.RefID, &record.IdempotencyKey, &kind,
		&record.Sender, &record.Recipient, &record.Amount, &status, &record.TxHash,
		&detail, &record.BlockNumber, &record.GasUsed, &record.CreatedAt, &confirmedAt); err != nil {
		return domain.RelayTransaction{}, err
	}
	record.Kind = domain.Kind(kind)
	record.Status = domain.Status(status)
	if detail.Valid {
		record.ErrorDetail = detail.String
	}
	if confirmedAt.Valid {
		confirmed := confirmedAt.Time
		record.ConfirmedAt = &confirmed
	}
	return record, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("poolrelay/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func recordSpanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
