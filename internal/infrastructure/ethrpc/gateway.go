package ethrpc

import (
	"context"
	"math/big"

	"poolrelay/internal/application"
	"poolrelay/internal/domain"
)

// Gateway bundles the rpc client and the pool binding behind the interfaces
// the application layer consumes.
type Gateway struct {
	client *Client
	pool   *Pool
}

func NewGateway(client *Client, pool *Pool) *Gateway {
	return &Gateway{client: client, pool: pool}
}

func (g *Gateway) RelayerAddress() string {
	return g.pool.RelayerAddress()
}

func (g *Gateway) TransferCall(from, to string, amount *big.Int) (application.ContractCall, error) {
	msg, err := g.pool.TransferCall(from, to, amount)
	return application.ContractCall(msg), err
}

func (g *Gateway) WithdrawCall(owner, destination string, amount *big.Int) (application.ContractCall, error) {
	msg, err := g.pool.WithdrawCall(owner, destination, amount)
	return application.ContractCall(msg), err
}

func (g *Gateway) SignTransaction(nonce uint64, gasPrice *big.Int, gasLimit uint64, calldata string) (string, string, error) {
	return g.pool.SignTransaction(nonce, gasPrice, gasLimit, calldata)
}

func (g *Gateway) EstimateGas(ctx context.Context, call application.ContractCall) (uint64, error) {
	return g.client.EstimateGas(ctx, CallMsg(call))
}

func (g *Gateway) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	return g.client.SendRawTransaction(ctx, rawTx)
}

func (g *Gateway) TransactionReceipt(ctx context.Context, txHash string) (domain.Receipt, bool, error) {
	return g.client.TransactionReceipt(ctx, txHash)
}

func (g *Gateway) GasPrice(ctx context.Context) (*big.Int, error) {
	return g.client.GasPrice(ctx)
}

func (g *Gateway) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return g.client.Balance(ctx, address)
}

// PoolBalance reads the internal pool balance of an owner via eth_call.
func (g *Gateway) PoolBalance(ctx context.Context, owner string) (*big.Int, error) {
	msg, err := g.pool.BalanceCall(owner)
	if err != nil {
		return nil, err
	}
	result, err := g.client.CallContract(ctx, msg)
	if err != nil {
		return nil, err
	}
	return DecodeUint256(result)
}
