package application

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

type stubNonces struct {
	next      uint64
	allocErr  error
	reclaimed []uint64
	refuse    bool
}

func (s *stubNonces) Allocate(ctx context.Context) (uint64, error) {
	if s.allocErr != nil {
		return 0, s.allocErr
	}
	n := s.next
	s.next++
	return n, nil
}

func (s *stubNonces) Reclaim(ctx context.Context, seq uint64) error {
	if s.refuse {
		return ErrReclaimRefused
	}
	s.reclaimed = append(s.reclaimed, seq)
	s.next = seq
	return nil
}

type stubPool struct {
	signErr error
}

func (s *stubPool) RelayerAddress() string { return "0xre1ay" }

func (s *stubPool) TransferCall(from, to string, amount *big.Int) (ContractCall, error) {
	if amount == nil || amount.Sign() <= 0 {
		return ContractCall{}, errors.New("amount must be positive")
	}
	return ContractCall{From: s.RelayerAddress(), To: "0xpool", Data: "0xdeadbeef"}, nil
}

func (s *stubPool) WithdrawCall(owner, destination string, amount *big.Int) (ContractCall, error) {
	return s.TransferCall(owner, destination, amount)
}

func (s *stubPool) SignTransaction(nonce uint64, gasPrice *big.Int, gasLimit uint64, calldata string) (string, string, error) {
	if s.signErr != nil {
		return "", "", s.signErr
	}
	return "0xraw", "0xhash", nil
}

type ambiguousStubErr struct{ msg string }

func (e *ambiguousStubErr) Error() string   { return e.msg }
func (e *ambiguousStubErr) Ambiguous() bool { return true }

type stubChain struct {
	estimate    uint64
	estimateErr error
	sendErr     error
	sent        []string
	priceErr    error
	price       *big.Int
}

func (s *stubChain) EstimateGas(ctx context.Context, call ContractCall) (uint64, error) {
	if s.estimateErr != nil {
		return 0, s.estimateErr
	}
	return s.estimate, nil
}

func (s *stubChain) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, rawTx)
	return "0xhash", nil
}

func (s *stubChain) GasPrice(ctx context.Context) (*big.Int, error) {
	if s.priceErr != nil {
		return nil, s.priceErr
	}
	if s.price == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return s.price, nil
}

func newTestExecutor(t *testing.T, nonces *stubNonces, chain *stubChain, pool *stubPool) *Executor {
	t.Helper()
	gas, err := NewGasPricer(chain, GasPricerConfig{})
	if err != nil {
		t.Fatalf("gas pricer: %v", err)
	}
	return NewExecutor(nonces, gas, chain, pool, nil)
}

func TestSubmitTransferBroadcastsWithAllocatedNonce(t *testing.T) {
	nonces := &stubNonces{next: 7}
	chain := &stubChain{estimate: 50_000}
	exec := newTestExecutor(t, nonces, chain, &stubPool{})

	sub, err := exec.SubmitTransfer(context.Background(), "0xaaa", "0xbbb", big.NewInt(100))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if sub.Nonce != 7 {
		t.Errorf("expected nonce 7, got %d", sub.Nonce)
	}
	if sub.TxHash != "0xhash" {
		t.Errorf("expected hash 0xhash, got %s", sub.TxHash)
	}
	if len(chain.sent) != 1 {
		t.Errorf("expected one broadcast, got %d", len(chain.sent))
	}
	if len(nonces.reclaimed) != 0 {
		t.Errorf("expected no reclaims, got %v", nonces.reclaimed)
	}
}

func TestSubmitReclaimsNonceWhenEstimationFails(t *testing.T) {
	nonces := &stubNonces{next: 7}
	chain := &stubChain{estimateErr: errors.New("execution reverted")}
	exec := newTestExecutor(t, nonces, chain, &stubPool{})

	_, err := exec.SubmitTransfer(context.Background(), "0xaaa", "0xbbb", big.NewInt(100))
	if err == nil {
		t.Fatal("expected estimation failure")
	}
	if IsTransient(err) {
		t.Error("a revert during estimation must be terminal, not retryable")
	}
	if len(nonces.reclaimed) != 1 || nonces.reclaimed[0] != 7 {
		t.Errorf("expected nonce 7 reclaimed, got %v", nonces.reclaimed)
	}
	if len(chain.sent) != 0 {
		t.Error("nothing should have been broadcast")
	}
}

func TestSubmitRetryableWhenEstimationNetworkFails(t *testing.T) {
	nonces := &stubNonces{next: 3}
	chain := &stubChain{estimateErr: &ambiguousStubErr{msg: "connection reset"}}
	exec := newTestExecutor(t, nonces, chain, &stubPool{})

	_, err := exec.SubmitTransfer(context.Background(), "0xaaa", "0xbbb", big.NewInt(100))
	if !IsTransient(err) {
		t.Fatalf("network failure during estimation must be retryable, got %v", err)
	}
	if len(nonces.reclaimed) != 1 || nonces.reclaimed[0] != 3 {
		t.Errorf("expected nonce 3 reclaimed before retry, got %v", nonces.reclaimed)
	}
}

func TestSubmitDoesNotReclaimAfterAmbiguousBroadcast(t *testing.T) {
	nonces := &stubNonces{next: 9}
	chain := &stubChain{estimate: 21_000, sendErr: &ambiguousStubErr{msg: "timeout awaiting response"}}
	exec := newTestExecutor(t, nonces, chain, &stubPool{})

	sub, err := exec.SubmitTransfer(context.Background(), "0xaaa", "0xbbb", big.NewInt(100))
	if !errors.Is(err, ErrAmbiguousSubmit) {
		t.Fatalf("expected ambiguous submit error, got %v", err)
	}
	if IsTransient(err) {
		t.Error("an ambiguous broadcast must not be retried")
	}
	if sub.TxHash != "0xhash" || sub.Nonce != 9 {
		t.Errorf("ambiguous result must carry hash and nonce, got %+v", sub)
	}
	if len(nonces.reclaimed) != 0 {
		t.Errorf("nonce must stay allocated after ambiguous broadcast, got reclaims %v", nonces.reclaimed)
	}
	if nonces.next != 10 {
		t.Errorf("expected counter at 10, got %d", nonces.next)
	}
}

func TestSubmitReclaimsNonceWhenNodeRejectsBroadcast(t *testing.T) {
	nonces := &stubNonces{next: 4}
	chain := &stubChain{estimate: 21_000, sendErr: errors.New("rpc error -32000: insufficient funds")}
	exec := newTestExecutor(t, nonces, chain, &stubPool{})

	_, err := exec.SubmitTransfer(context.Background(), "0xaaa", "0xbbb", big.NewInt(100))
	if err == nil || errors.Is(err, ErrAmbiguousSubmit) {
		t.Fatalf("expected definite broadcast rejection, got %v", err)
	}
	if len(nonces.reclaimed) != 1 || nonces.reclaimed[0] != 4 {
		t.Errorf("expected nonce 4 reclaimed, got %v", nonces.reclaimed)
	}
}

func TestSubmitRejectsInvalidAmountBeforeAllocating(t *testing.T) {
	nonces := &stubNonces{next: 5}
	chain := &stubChain{estimate: 21_000}
	exec := newTestExecutor(t, nonces, chain, &stubPool{})

	_, err := exec.SubmitTransfer(context.Background(), "0xaaa", "0xbbb", big.NewInt(0))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if nonces.next != 5 {
		t.Errorf("no nonce should be consumed by a rejected request, counter moved to %d", nonces.next)
	}
}
