package application

import (
	"context"
	"errors"
	"time"

	"poolrelay/internal/domain"
)

var (
	// ErrNotFound means no ledger record exists for the given key.
	ErrNotFound = errors.New("relay transaction not found")
	// ErrHashAlreadyAttached guards the write-once transaction hash: a hash
	// is immutable once broadcast and must never be silently overwritten.
	ErrHashAlreadyAttached = errors.New("transaction hash already attached")
)

// Ledger is the durable record of logical transactions and the single source
// of truth for "has this operation already happened". Implementations must
// make Begin an atomic insert-if-absent-else-return on the idempotency key
// and make terminal transitions idempotent.
type Ledger interface {
	// Begin creates a pending record, or returns the existing record for the
	// same idempotency key. The bool reports whether a new record was created.
	Begin(ctx context.Context, tx domain.RelayTransaction) (domain.RelayTransaction, bool, error)
	GetByRef(ctx context.Context, refID string) (domain.RelayTransaction, error)
	// AttachHash records the broadcast hash exactly once per record.
	AttachHash(ctx context.Context, refID, txHash string) error
	// Finalize transitions pending to a terminal status. A no-op when the
	// record is already terminal, which makes duplicate confirm delivery safe.
	Finalize(ctx context.Context, refID string, status domain.Status, detail string, blockNumber, gasUsed uint64) error
	// MarkExpired is the watchdog transition for exhausted retry budgets.
	MarkExpired(ctx context.Context, refID, detail string) error
	// ExpireStale sweeps pending records older than the deadline. Catches
	// ambiguous submissions that never obtained a hash.
	ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error)
	History(ctx context.Context, owner string, limit int) ([]domain.Summary, error)
	Ping(ctx context.Context) error
}
