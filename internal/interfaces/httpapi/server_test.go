package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"poolrelay/internal/application"
	"poolrelay/internal/infrastructure/sqlite"
	"poolrelay/internal/streaming"
)

type stubQueue struct {
	jobs []streaming.Job
}

func (q *stubQueue) Enqueue(ctx context.Context, jobs ...streaming.Job) error {
	q.jobs = append(q.jobs, jobs...)
	return nil
}

type stubChain struct {
	gasErr error
}

func (s *stubChain) GasPrice(ctx context.Context) (*big.Int, error) {
	if s.gasErr != nil {
		return nil, s.gasErr
	}
	return big.NewInt(1_000_000_000), nil
}

func (s *stubChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(9000), nil
}

func (s *stubChain) PoolBalance(ctx context.Context, owner string) (*big.Int, error) {
	return big.NewInt(500), nil
}

func (s *stubChain) TransactionCount(ctx context.Context, address string) (uint64, error) {
	return 42, nil
}

type stubResyncer struct {
	set []uint64
}

func (s *stubResyncer) Resync(ctx context.Context, chainNonce uint64) error {
	s.set = append(s.set, chainNonce)
	return nil
}

func (s *stubResyncer) Current(ctx context.Context) (uint64, error) {
	if len(s.set) == 0 {
		return 0, nil
	}
	return s.set[len(s.set)-1], nil
}

type fixture struct {
	server   *Server
	ledger   *sqlite.Ledger
	queue    *stubQueue
	chain    *stubChain
	resyncer *stubResyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger, err := sqlite.NewLedger(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	queue := &stubQueue{}
	chain := &stubChain{}
	resyncer := &stubResyncer{}
	service := application.NewService(ledger, queue, chain, application.ServiceConfig{}, nil)

	server, err := NewServer(ServerDeps{
		Service:     service,
		Ledger:      ledger,
		Chain:       chain,
		Nonces:      resyncer,
		NonceReader: chain,
		Relayer:     "0xre1ay",
		Metrics:     NewMetrics(),
		Build:       BuildInfo{Version: "test"},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{server: server, ledger: ledger, queue: queue, chain: chain, resyncer: resyncer}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	recorder := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestTransferEndpointAcceptsThenCollapses(t *testing.T) {
	f := newFixture(t)
	body := `{"sender":"0xaaa","recipient":"0xbbb","amount":"250"}`

	first := f.do(t, http.MethodPost, "/transfers", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", first.Code, first.Body.String())
	}
	var firstResp struct {
		Status      string `json:"status"`
		Transaction struct {
			RefID string `json:"ref_id"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &firstResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if firstResp.Status != "accepted" || firstResp.Transaction.RefID == "" {
		t.Fatalf("unexpected first response: %+v", firstResp)
	}

	second := f.do(t, http.MethodPost, "/transfers", body)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), `"duplicate"`) {
		t.Errorf("expected duplicate outcome, got %s", second.Body.String())
	}
	if len(f.queue.jobs) != 1 {
		t.Errorf("expected one submit job, got %d", len(f.queue.jobs))
	}
}

func TestTransferEndpointRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/transfers", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET must be rejected, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/transfers", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body must be rejected, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/transfers", `{"sender":"0xaaa","recipient":"0xbbb","amount":"-1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative amount must be rejected, got %d", rec.Code)
	}
}

func TestWithdrawalEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/withdrawals", `{"sender":"0xaaa","recipient":"0xccc","amount":"90"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"withdraw"`) {
		t.Errorf("expected withdraw kind in response, got %s", rec.Body.String())
	}
}

func TestTransactionLookup(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/transfers", `{"sender":"0xaaa","recipient":"0xbbb","amount":"250","ref_id":"ref-lookup"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("seed transfer failed: %d", rec.Code)
	}

	found := f.do(t, http.MethodGet, "/transactions/ref-lookup", "")
	if found.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", found.Code)
	}
	if !strings.Contains(found.Body.String(), `"pending"`) {
		t.Errorf("expected pending record, got %s", found.Body.String())
	}

	if missing := f.do(t, http.MethodGet, "/transactions/nope", ""); missing.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/balance?owner=0xAbC", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var balance application.Balance
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Pool != "500" || balance.Native != "9000" || balance.Owner != "0xabc" {
		t.Errorf("unexpected balance %+v", balance)
	}

	if rec := f.do(t, http.MethodGet, "/balance", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing owner must be rejected, got %d", rec.Code)
	}
}

func TestReadyReflectsDependencies(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	f.chain.gasErr = errors.New("node down")
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with rpc down, got %d", rec.Code)
	}
}

func TestResyncEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/resync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.resyncer.set) != 1 || f.resyncer.set[0] != 42 {
		t.Errorf("expected resync to chain nonce 42, got %v", f.resyncer.set)
	}
	if rec := f.do(t, http.MethodGet, "/resync", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET resync must be rejected, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.server.MetricsObserver().JobDone("submit")
	if rec := f.do(t, http.MethodPost, "/transfers", `{"sender":"0xaaa","recipient":"0xbbb","amount":"1"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("seed transfer failed: %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "poolrelay_requests_total 1") {
		t.Errorf("expected request counter, got:\n%s", body)
	}
	if !strings.Contains(body, `poolrelay_jobs_done_total{stage="submit"} 1`) {
		t.Errorf("expected submit stage counter, got:\n%s", body)
	}
}

func TestVersionEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/version", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"test"`) {
		t.Errorf("unexpected version response %d: %s", rec.Code, rec.Body.String())
	}
}
