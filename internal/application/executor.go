package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
)

// NonceSource hands out the relayer's transaction sequence numbers.
type NonceSource interface {
	Allocate(ctx context.Context) (uint64, error)
	Reclaim(ctx context.Context, seq uint64) error
}

// PoolBinding packs calldata for the pool contract and signs with the
// relayer key.
type PoolBinding interface {
	RelayerAddress() string
	TransferCall(from, to string, amount *big.Int) (ContractCall, error)
	WithdrawCall(owner, destination string, amount *big.Int) (ContractCall, error)
	SignTransaction(nonce uint64, gasPrice *big.Int, gasLimit uint64, calldata string) (rawTx, txHash string, err error)
}

// Executor drives a single submission: allocate a nonce, price and sign the
// transaction, broadcast it. It holds no per-transaction state, so any number
// of workers can share one instance; nonce ordering is enforced by the
// sequencer, not here.
type Executor struct {
	nonces NonceSource
	gas    *GasPricer
	chain  ChainGateway
	pool   PoolBinding
	logger *slog.Logger
}

func NewExecutor(nonces NonceSource, gas *GasPricer, chain ChainGateway, pool PoolBinding, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{nonces: nonces, gas: gas, chain: chain, pool: pool, logger: logger}
}

// Submission reports what the executor broadcast for a ledger record.
type Submission struct {
	TxHash string
	Nonce  uint64
}

func (e *Executor) SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (Submission, error) {
	call, err := e.pool.TransferCall(from, to, amount)
	if err != nil {
		return Submission{}, err
	}
	return e.submit(ctx, call)
}

func (e *Executor) SubmitWithdraw(ctx context.Context, owner, destination string, amount *big.Int) (Submission, error) {
	call, err := e.pool.WithdrawCall(owner, destination, amount)
	if err != nil {
		return Submission{}, err
	}
	return e.submit(ctx, call)
}

// submit performs the broadcast sequence. Every failure before the raw
// transaction leaves the process puts the nonce back; an ambiguous broadcast
// failure must not, because the node may already hold the transaction.
func (e *Executor) submit(ctx context.Context, call ContractCall) (Submission, error) {
	nonce, err := e.nonces.Allocate(ctx)
	if err != nil {
		return Submission{}, Transient(fmt.Errorf("allocate nonce: %w", err))
	}

	gasPrice, err := e.gas.CurrentPrice(ctx)
	if err != nil {
		e.reclaim(ctx, nonce)
		return Submission{}, Transient(fmt.Errorf("price gas: %w", err))
	}

	estimated, err := e.chain.EstimateGas(ctx, call)
	if err != nil {
		e.reclaim(ctx, nonce)
		if isAmbiguous(err) {
			// Network trouble, not a revert. Safe to retry the whole
			// submission with a fresh nonce.
			return Submission{}, Transient(fmt.Errorf("estimate gas: %w", err))
		}
		return Submission{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := e.gas.WithBuffer(estimated)

	rawTx, txHash, err := e.pool.SignTransaction(nonce, gasPrice, gasLimit, call.Data)
	if err != nil {
		e.reclaim(ctx, nonce)
		return Submission{}, fmt.Errorf("sign transaction: %w", err)
	}

	nodeHash, err := e.chain.SendRawTransaction(ctx, rawTx)
	if err != nil {
		if isAmbiguous(err) {
			return Submission{TxHash: txHash, Nonce: nonce}, fmt.Errorf("broadcast %s: %w: %w", txHash, ErrAmbiguousSubmit, err)
		}
		e.reclaim(ctx, nonce)
		return Submission{}, fmt.Errorf("broadcast: %w", err)
	}
	if nodeHash != "" && nodeHash != txHash {
		e.logger.Warn("node reported unexpected transaction hash",
			slog.String("local", txHash), slog.String("node", nodeHash))
	}
	return Submission{TxHash: txHash, Nonce: nonce}, nil
}

// reclaim puts an unused nonce back. A refusal means another worker already
// allocated past this value, so decrementing would hand out a duplicate.
// Refusal is logged and accepted, never retried; a resulting hole in the
// sequence is an operator resync matter.
func (e *Executor) reclaim(ctx context.Context, nonce uint64) {
	err := e.nonces.Reclaim(ctx, nonce)
	if err == nil {
		return
	}
	if errors.Is(err, ErrReclaimRefused) {
		e.logger.Info("nonce reclaim refused, newer allocation exists", slog.Uint64("nonce", nonce))
		return
	}
	e.logger.Error("nonce reclaim failed", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
}
