package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"poolrelay/internal/application"
	"poolrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// Ledger is the embedded variant of the relay ledger, used for single-node
// deployments and tests. Semantics match the mysql implementation.
type Ledger struct {
	db *sql.DB
}

func NewLedger(dbPath string) (*Ledger, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Concurrent writers race on a single sqlite handle.
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS relay_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ref_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			amount TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			tx_hash TEXT NOT NULL DEFAULT '',
			error_detail TEXT NULL,
			block_number INTEGER NOT NULL DEFAULT 0,
			gas_used INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			confirmed_at INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS relay_sender_idx ON relay_transactions (sender, created_at)`,
		`CREATE INDEX IF NOT EXISTS relay_recipient_idx ON relay_transactions (recipient, created_at)`,
		`CREATE INDEX IF NOT EXISTS relay_status_idx ON relay_transactions (status, created_at)`,
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
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	result, err := l.db.ExecContext(ctx, `INSERT INTO relay_transactions
		(ref_id, idempotency_key, kind, sender, recipient, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		tx.RefID, tx.IdempotencyKey, string(tx.Kind),
		strings.ToLower(tx.Sender), strings.ToLower(tx.Recipient), tx.Amount, createdAt.UnixMilli())
	if err != nil {
		return domain.RelayTransaction{}, false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return domain.RelayTransaction{}, false, err
	}

	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM relay_transactions WHERE idempotency_key = ?`, tx.IdempotencyKey)
	record, err := scanRecord(row)
	if err != nil {
		return domain.RelayTransaction{}, false, err
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
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	txHash = strings.ToLower(txHash)
	result, err := l.db.ExecContext(ctx,
		`UPDATE relay_transactions SET tx_hash = ? WHERE ref_id = ? AND tx_hash = ''`,
		txHash, refID)
	if err != nil {
		return err
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}

	existing, err := l.GetByRef(ctx, refID)
	if err != nil {
		return err
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
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `UPDATE relay_transactions
		SET status = ?, error_detail = ?, block_number = ?, gas_used = ?, confirmed_at = ?
		WHERE ref_id = ? AND status = 'pending'`,
		string(status), nullableString(detail), blockNumber, gasUsed, time.Now().UTC().UnixMilli(), refID)
	return err
}

func (l *Ledger) MarkExpired(ctx context.Context, refID, detail string) error {
	return l.Finalize(ctx, refID, domain.StatusExpired, detail, 0, 0)
}

func (l *Ledger) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	deadline := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.ExecContext(ctx, `UPDATE relay_transactions
		SET status = 'expired', error_detail = 'confirmation deadline exceeded', confirmed_at = ?
		WHERE status = 'pending' AND created_at < ?`,
		time.Now().UTC().UnixMilli(), deadline)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
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
	var createdAt int64
	var confirmedAt sql.NullInt64
	if err := row.Scan(&record.ID, &record.RefID, &record.IdempotencyKey, &kind,
		&record.Sender, &record.Recipient, &record.Amount, &status, &record.TxHash,
		&detail, &record.BlockNumber, &record.GasUsed, &createdAt, &confirmedAt); err != nil {
		return domain.RelayTransaction{}, err
	}
	record.Kind = domain.Kind(kind)
	record.Status = domain.Status(status)
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	if detail.Valid {
		record.ErrorDetail = detail.String
	}
	if confirmedAt.Valid {
		confirmed := time.UnixMilli(confirmedAt.Int64).UTC()
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
