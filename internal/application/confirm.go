package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"poolrelay/internal/domain"
)

// ErrStillPending means the chain has no receipt for the hash yet. The poller
// reports it as transient so the queue re-delivers the job after backoff.
var ErrStillPending = errors.New("no receipt yet")

// ReceiptSource reads transaction receipts from the chain.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash string) (domain.Receipt, bool, error)
}

// Poller settles broadcast transactions against chain truth. A receipt with
// status 1 confirms the record, a revert fails it, no receipt keeps it
// pending. Finalize is monotonic in the ledger, so checking the same hash
// from two workers at once cannot double-settle.
type Poller struct {
	chain  ReceiptSource
	ledger Ledger
	logger *slog.Logger
}

func NewPoller(chain ReceiptSource, ledger Ledger, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{chain: chain, ledger: ledger, logger: logger}
}

// Check looks up the receipt for a record and finalizes the ledger when the
// chain has settled it. Returns the resulting status, or a transient error
// when the outcome is not known yet.
func (p *Poller) Check(ctx context.Context, refID, txHash string) (domain.Status, error) {
	receipt, found, err := p.chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		return domain.StatusPending, Transient(fmt.Errorf("fetch receipt %s: %w", txHash, err))
	}
	if !found {
		return domain.StatusPending, Transient(fmt.Errorf("%s: %w", txHash, ErrStillPending))
	}

	status := domain.StatusConfirmed
	detail := ""
	if !receipt.Succeeded() {
		status = domain.StatusFailed
		detail = "reverted on chain"
	}
	if err := p.ledger.Finalize(ctx, refID, status, detail, receipt.BlockNumber, receipt.GasUsed); err != nil {
		return domain.StatusPending, Transient(fmt.Errorf("finalize %s: %w", refID, err))
	}
	p.logger.Info("transaction settled",
		slog.String("ref_id", refID),
		slog.String("tx_hash", txHash),
		slog.String("status", string(status)),
		slog.Uint64("block", receipt.BlockNumber))
	return status, nil
}

// Expire marks a record whose confirmation budget ran out. The transaction
// may still land on chain afterwards; an operator resync reconciles that.
func (p *Poller) Expire(ctx context.Context, refID, detail string) error {
	return p.ledger.MarkExpired(ctx, refID, detail)
}
