package application

import (
	"context"
	"errors"
	"math/big"
)

// ContractCall describes a call against the pool contract, used for gas
// estimation and read-only queries.
type ContractCall struct {
	From  string
	To    string
	Value *big.Int
	Data  string
}

// ChainGateway is the slice of the ledger node surface the executor needs.
// EstimateGas failures propagate as submission failures; SendRawTransaction
// is at-least-once from the caller's perspective and may fail ambiguously.
type ChainGateway interface {
	EstimateGas(ctx context.Context, call ContractCall) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
}

// ChainReader serves the caller-facing balance queries.
type ChainReader interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	PoolBalance(ctx context.Context, owner string) (*big.Int, error)
}

// ambiguous matches transport errors where the request may have reached the
// node despite the failed response.
type ambiguous interface {
	Ambiguous() bool
}

func isAmbiguous(err error) bool {
	var a ambiguous
	return errors.As(err, &a) && a.Ambiguous()
}
