package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"poolrelay/internal/domain"
	"poolrelay/internal/streaming"
)

// DedupGuard is the queue-admission lease around a broadcast. Admit wins at
// most once per key within the lease window; Release clears the lease after
// a definite pre-broadcast failure so the retry can run.
type DedupGuard interface {
	Admit(ctx context.Context, idempotencyKey string) (bool, error)
	Release(ctx context.Context, idempotencyKey string) error
}

// SubmitHandler consumes submit jobs. The ledger record decides everything:
// a terminal record is a finished duplicate delivery, a record with a hash is
// a crash-recovery replay that only needs its confirm job, and a bare pending
// record gets broadcast.
type SubmitHandler struct {
	ledger Ledger
	exec   *Executor
	dedup  DedupGuard
	jobs   Enqueuer
	audit  AuditSink
	logger *slog.Logger
}

func NewSubmitHandler(ledger Ledger, exec *Executor, dedup DedupGuard, jobs Enqueuer, audit AuditSink, logger *slog.Logger) *SubmitHandler {
	if audit == nil {
		audit = NoopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitHandler{ledger: ledger, exec: exec, dedup: dedup, jobs: jobs, audit: audit, logger: logger}
}

func (h *SubmitHandler) Handle(ctx context.Context, job streaming.Job) error {
	record, err := h.ledger.GetByRef(ctx, job.RefID)
	if errors.Is(err, ErrNotFound) {
		h.logger.Warn("submit job references unknown record", slog.String("ref_id", job.RefID))
		return nil
	}
	if err != nil {
		return Transient(fmt.Errorf("load record %s: %w", job.RefID, err))
	}
	if record.Status.Terminal() {
		return nil
	}
	if record.TxHash != "" {
		// Broadcast already happened; a crash ate the confirm job.
		return h.enqueueConfirm(ctx, record.RefID, record.TxHash)
	}

	if h.dedup != nil {
		admitted, err := h.dedup.Admit(ctx, record.IdempotencyKey)
		if err != nil {
			return Transient(fmt.Errorf("dedup admit %s: %w", job.RefID, err))
		}
		if !admitted {
			// Another delivery holds the broadcast lease. By the time this
			// retries, either the hash is attached or the lease expired.
			return Transient(fmt.Errorf("broadcast lease for %s held elsewhere", job.RefID))
		}
	}

	amount, ok := new(big.Int).SetString(record.Amount, 10)
	if !ok {
		h.release(ctx, record.IdempotencyKey)
		return h.fail(ctx, record, fmt.Sprintf("unparseable ledger amount %q", record.Amount))
	}

	var sub Submission
	var subErr error
	switch record.Kind {
	case domain.KindWithdraw:
		sub, subErr = h.exec.SubmitWithdraw(ctx, record.Sender, record.Recipient, amount)
	default:
		sub, subErr = h.exec.SubmitTransfer(ctx, record.Sender, record.Recipient, amount)
	}

	switch {
	case subErr == nil:
		// Broadcast done.
	case errors.Is(subErr, ErrAmbiguousSubmit):
		// The node may hold the transaction; the lease stays, the nonce stays,
		// and the poller settles or the watchdog expires the record.
		h.logger.Warn("ambiguous broadcast, deferring to confirmation",
			slog.String("ref_id", record.RefID), slog.String("tx_hash", sub.TxHash))
		h.audit.Record(ctx, AuditEvent{
			RefID: record.RefID, Stage: StageSubmit, Outcome: "ambiguous",
			TxHash: sub.TxHash, Nonce: sub.Nonce, Detail: subErr.Error(),
		})
		if err := h.ledger.AttachHash(ctx, record.RefID, sub.TxHash); err != nil {
			h.logger.Error("attach hash after ambiguous broadcast",
				slog.String("ref_id", record.RefID), slog.String("error", err.Error()))
		}
		return h.enqueueConfirm(ctx, record.RefID, sub.TxHash)
	case IsTransient(subErr):
		// Nonce already reclaimed inside the executor; clear the lease so the
		// retried delivery can admit again.
		h.release(ctx, record.IdempotencyKey)
		return subErr
	default:
		h.release(ctx, record.IdempotencyKey)
		if err := h.fail(ctx, record, subErr.Error()); err != nil {
			return err
		}
		return subErr
	}

	if err := h.ledger.AttachHash(ctx, record.RefID, sub.TxHash); err != nil {
		// Write-once violated means a concurrent broadcast slipped past the
		// lease. Keep the first hash, surface loudly.
		h.logger.Error("hash attach conflict",
			slog.String("ref_id", record.RefID), slog.String("tx_hash", sub.TxHash), slog.String("error", err.Error()))
	}
	h.audit.Record(ctx, AuditEvent{
		RefID: record.RefID, Stage: StageSubmit, Outcome: "broadcast",
		TxHash: sub.TxHash, Nonce: sub.Nonce,
	})
	h.logger.Info("transaction broadcast",
		slog.String("ref_id", record.RefID), slog.String("tx_hash", sub.TxHash), slog.Uint64("nonce", sub.Nonce))
	return h.enqueueConfirm(ctx, record.RefID, sub.TxHash)
}

// Exhaust fires when submit retries run out. A record without a hash never
// reached the chain and is failed so the caller sees a terminal answer
// instead of a silent stall. A record that already carries a hash was
// broadcast; its fate belongs to the confirmation stage, never to a failed
// verdict here.
func (h *SubmitHandler) Exhaust(ctx context.Context, job streaming.Job, lastErr error) {
	record, err := h.ledger.GetByRef(ctx, job.RefID)
	if err != nil {
		h.logger.Error("exhausted submit job lookup failed",
			slog.String("ref_id", job.RefID), slog.String("error", err.Error()))
		return
	}
	if record.Status.Terminal() {
		return
	}
	if record.TxHash != "" {
		// Retries exhausted after broadcast, most likely on the confirm
		// enqueue. Re-enqueue best effort; the stale-pending watchdog covers
		// the record if this fails too.
		h.logger.Warn("submit retries exhausted after broadcast, deferring to confirmation",
			slog.String("ref_id", record.RefID), slog.String("tx_hash", record.TxHash))
		if err := h.enqueueConfirm(ctx, record.RefID, record.TxHash); err != nil {
			h.logger.Error("confirm enqueue on exhausted submit failed",
				slog.String("ref_id", record.RefID), slog.String("error", err.Error()))
		}
		return
	}
	detail := "submission retries exhausted"
	if lastErr != nil {
		detail += ": " + lastErr.Error()
	}
	if err := h.fail(ctx, record, detail); err != nil {
		h.logger.Error("exhausted submit finalize failed",
			slog.String("ref_id", job.RefID), slog.String("error", err.Error()))
	}
}

func (h *SubmitHandler) fail(ctx context.Context, record domain.RelayTransaction, detail string) error {
	if err := h.ledger.Finalize(ctx, record.RefID, domain.StatusFailed, detail, 0, 0); err != nil {
		return Transient(fmt.Errorf("finalize %s: %w", record.RefID, err))
	}
	h.audit.Record(ctx, AuditEvent{RefID: record.RefID, Stage: StageSubmit, Outcome: "failed", Detail: detail})
	if err := h.jobs.Enqueue(ctx, notifyJobs(record, domain.StatusFailed, detail)...); err != nil {
		h.logger.Error("notify enqueue failed", slog.String("ref_id", record.RefID), slog.String("error", err.Error()))
	}
	return nil
}

func (h *SubmitHandler) release(ctx context.Context, idempotencyKey string) {
	if h.dedup == nil {
		return
	}
	if err := h.dedup.Release(ctx, idempotencyKey); err != nil {
		h.logger.Error("dedup release failed", slog.String("error", err.Error()))
	}
}

func (h *SubmitHandler) enqueueConfirm(ctx context.Context, refID, txHash string) error {
	err := h.jobs.Enqueue(ctx, streaming.Job{Type: streaming.JobTypeConfirm, RefID: refID, TxHash: txHash})
	if err != nil {
		// The hash is durable; replaying this delivery re-enqueues without
		// broadcasting again.
		return Transient(fmt.Errorf("enqueue confirm %s: %w", refID, err))
	}
	return nil
}

// ConfirmHandler consumes confirm jobs and fans out notifications once the
// chain settles the transaction.
type ConfirmHandler struct {
	ledger Ledger
	poller *Poller
	jobs   Enqueuer
	audit  AuditSink
	logger *slog.Logger
}

func NewConfirmHandler(ledger Ledger, poller *Poller, jobs Enqueuer, audit AuditSink, logger *slog.Logger) *ConfirmHandler {
	if audit == nil {
		audit = NoopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmHandler{ledger: ledger, poller: poller, jobs: jobs, audit: audit, logger: logger}
}

func (h *ConfirmHandler) Handle(ctx context.Context, job streaming.Job) error {
	record, err := h.ledger.GetByRef(ctx, job.RefID)
	if errors.Is(err, ErrNotFound) {
		h.logger.Warn("confirm job references unknown record", slog.String("ref_id", job.RefID))
		return nil
	}
	if err != nil {
		return Transient(fmt.Errorf("load record %s: %w", job.RefID, err))
	}
	if record.Status.Terminal() {
		return nil
	}

	status, err := h.poller.Check(ctx, job.RefID, job.TxHash)
	if err != nil {
		return err
	}
	detail := ""
	if status == domain.StatusFailed {
		detail = "reverted on chain"
	}
	h.audit.Record(ctx, AuditEvent{
		RefID: job.RefID, Stage: StageConfirm, Outcome: string(status),
		TxHash: job.TxHash, Attempt: job.Attempt, Detail: detail,
	})
	if err := h.jobs.Enqueue(ctx, notifyJobs(record, status, detail)...); err != nil {
		// The settlement is durable; a lost notification is recoverable via
		// the history endpoint.
		h.logger.Error("notify enqueue failed", slog.String("ref_id", job.RefID), slog.String("error", err.Error()))
	}
	return nil
}

// Exhaust expires a record whose confirmation budget ran out. The broadcast
// may still land later; expiry is an answer for the caller, not chain truth.
func (h *ConfirmHandler) Exhaust(ctx context.Context, job streaming.Job, lastErr error) {
	detail := "confirmation window elapsed"
	if err := h.poller.Expire(ctx, job.RefID, detail); err != nil {
		h.logger.Error("expire failed", slog.String("ref_id", job.RefID), slog.String("error", err.Error()))
		return
	}
	h.audit.Record(ctx, AuditEvent{
		RefID: job.RefID, Stage: StageWatch, Outcome: string(domain.StatusExpired),
		TxHash: job.TxHash, Attempt: job.Attempt, Detail: detail,
	})
	record, err := h.ledger.GetByRef(ctx, job.RefID)
	if err != nil {
		return
	}
	if err := h.jobs.Enqueue(ctx, notifyJobs(record, domain.StatusExpired, detail)...); err != nil {
		h.logger.Error("notify enqueue failed", slog.String("ref_id", job.RefID), slog.String("error", err.Error()))
	}
}

// notifyJobs renders the outcome fanout: the sender always hears back, the
// counterparty of a successful transfer does too.
func notifyJobs(record domain.RelayTransaction, status domain.Status, detail string) []streaming.Job {
	base := streaming.Job{
		Type:   streaming.JobTypeNotify,
		RefID:  record.RefID,
		Kind:   record.Kind,
		Amount: record.Amount,
		Status: status,
		Detail: detail,
	}
	sender := base
	sender.Recipient = record.Sender
	jobs := []streaming.Job{sender}
	if status == domain.StatusConfirmed && record.Recipient != record.Sender && record.Kind != domain.KindWithdraw {
		counterparty := base
		counterparty.Recipient = record.Recipient
		jobs = append(jobs, counterparty)
	}
	return jobs
}
