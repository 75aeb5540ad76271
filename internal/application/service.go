package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"poolrelay/internal/domain"
	"poolrelay/internal/streaming"
)

// Enqueuer hands jobs to the pipeline topics.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...streaming.Job) error
}

// Resyncer force-aligns the nonce counter with chain truth.
type Resyncer interface {
	Resync(ctx context.Context, chainNonce uint64) error
	Current(ctx context.Context) (uint64, error)
}

// NonceReader reads the relayer's on-chain transaction count.
type NonceReader interface {
	TransactionCount(ctx context.Context, address string) (uint64, error)
}

type ServiceConfig struct {
	// IdempotencyBucket is the time window within which two byte-identical
	// requests collapse into one submission.
	IdempotencyBucket time.Duration
}

// Service is the caller-facing intake: it records the intent durably, then
// hands the work to the pipeline. Nothing here touches the chain on the
// write path.
type Service struct {
	ledger Ledger
	jobs   Enqueuer
	chain  ChainReader
	bucket time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewService(ledger Ledger, jobs Enqueuer, chain ChainReader, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.IdempotencyBucket <= 0 {
		cfg.IdempotencyBucket = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: ledger,
		jobs:   jobs,
		chain:  chain,
		bucket: cfg.IdempotencyBucket,
		now:    time.Now,
		logger: logger,
	}
}

type TransferRequest struct {
	Sender    string
	Recipient string
	Amount    string
	RefID     string
}

type RequestResult struct {
	Record    domain.Summary
	Duplicate bool
}

func (s *Service) RequestTransfer(ctx context.Context, req TransferRequest) (RequestResult, error) {
	return s.admit(ctx, domain.KindTransfer, req)
}

// RequestWithdraw moves pool funds of the sender out to an external address.
// Same admission path as a transfer, different pool method downstream.
func (s *Service) RequestWithdraw(ctx context.Context, req TransferRequest) (RequestResult, error) {
	return s.admit(ctx, domain.KindWithdraw, req)
}

func (s *Service) admit(ctx context.Context, kind domain.Kind, req TransferRequest) (RequestResult, error) {
	sender := strings.ToLower(strings.TrimSpace(req.Sender))
	recipient := strings.ToLower(strings.TrimSpace(req.Recipient))
	if sender == "" || recipient == "" {
		return RequestResult{}, errors.New("sender and recipient are required")
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return RequestResult{}, fmt.Errorf("invalid amount: %q", req.Amount)
	}

	refID := req.RefID
	if refID == "" {
		refID = newRefID()
	}
	record, created, err := s.ledger.Begin(ctx, domain.RelayTransaction{
		RefID:          refID,
		IdempotencyKey: IdempotencyKey(kind, sender, recipient, amount.String(), s.now(), s.bucket),
		Kind:           kind,
		Sender:         sender,
		Recipient:      recipient,
		Amount:         amount.String(),
		Status:         domain.StatusPending,
	})
	if err != nil {
		return RequestResult{}, fmt.Errorf("begin %s: %w", kind, err)
	}
	if !created {
		s.logger.Info("duplicate request collapsed",
			slog.String("ref_id", record.RefID), slog.String("kind", string(kind)))
		return RequestResult{Record: record.Summary(), Duplicate: true}, nil
	}

	if err := s.jobs.Enqueue(ctx, streaming.Job{Type: streaming.JobTypeSubmit, RefID: refID}); err != nil {
		// The record exists but no job does; without this transition a retry
		// of the same request would collapse into a record nobody works on.
		if ferr := s.ledger.Finalize(ctx, refID, domain.StatusFailed, "enqueue failed: "+err.Error(), 0, 0); ferr != nil {
			s.logger.Error("failed to finalize unenqueued record",
				slog.String("ref_id", refID), slog.String("error", ferr.Error()))
		}
		return RequestResult{}, fmt.Errorf("enqueue submit: %w", err)
	}
	return RequestResult{Record: record.Summary()}, nil
}

// Balance reports both sides of an account: the internal pool balance and the
// native chain balance of the address.
type Balance struct {
	Owner   string `json:"owner"`
	Pool    string `json:"pool_balance"`
	Native  string `json:"native_balance"`
	FetchAt string `json:"fetched_at"`
}

func (s *Service) GetBalance(ctx context.Context, owner string) (Balance, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	pool, err := s.chain.PoolBalance(ctx, owner)
	if err != nil {
		return Balance{}, fmt.Errorf("pool balance: %w", err)
	}
	native, err := s.chain.NativeBalance(ctx, owner)
	if err != nil {
		return Balance{}, fmt.Errorf("native balance: %w", err)
	}
	return Balance{
		Owner:   owner,
		Pool:    pool.String(),
		Native:  native.String(),
		FetchAt: s.now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) GetHistory(ctx context.Context, owner string, limit int) ([]domain.Summary, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.ledger.History(ctx, owner, limit)
}

func (s *Service) GetTransaction(ctx context.Context, refID string) (domain.Summary, error) {
	record, err := s.ledger.GetByRef(ctx, refID)
	if err != nil {
		return domain.Summary{}, err
	}
	return record.Summary(), nil
}

// ResyncNonce snaps the sequencer to the relayer's on-chain transaction
// count. Operator-triggered; running it while submissions are in flight can
// reissue nonces, which is exactly what the operator is asking for.
func ResyncNonce(ctx context.Context, chain NonceReader, nonces Resyncer, relayer string) (uint64, error) {
	chainNonce, err := chain.TransactionCount(ctx, relayer)
	if err != nil {
		return 0, fmt.Errorf("read chain nonce: %w", err)
	}
	if err := nonces.Resync(ctx, chainNonce); err != nil {
		return 0, err
	}
	return chainNonce, nil
}

// IdempotencyKey derives the dedup identity of a request: same parties, same
// amount, same kind, same time bucket means the same logical operation.
func IdempotencyKey(kind domain.Kind, sender, recipient, amount string, at time.Time, bucket time.Duration) string {
	window := at.UnixNano() / int64(bucket)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d", kind, sender, recipient, amount, window))
	return hex.EncodeToString(sum[:])
}

func newRefID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process is in no state to serve.
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
