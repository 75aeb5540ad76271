package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"poolrelay/internal/application"
)

// ChainProbe verifies the rpc node answers.
type ChainProbe interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type Server struct {
	service *application.Service
	ledger  application.Ledger
	chain   ChainProbe
	nonces  application.Resyncer
	chainNR application.NonceReader
	relayer string
	audit   application.AuditReader
	metrics *Metrics
	build   BuildInfo
}

type ServerDeps struct {
	Service     *application.Service
	Ledger      application.Ledger
	Chain       ChainProbe
	Nonces      application.Resyncer
	NonceReader application.NonceReader
	Relayer     string
	Audit       application.AuditReader
	Metrics     *Metrics
	Build       BuildInfo
}

func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Service == nil || deps.Ledger == nil || deps.Chain == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	return &Server{
		service: deps.Service,
		ledger:  deps.Ledger,
		chain:   deps.Chain,
		nonces:  deps.Nonces,
		chainNR: deps.NonceReader,
		relayer: deps.Relayer,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		build:   deps.Build,
	}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/transfers", s.handleTransfers)
	mux.HandleFunc("/withdrawals", s.handleWithdrawals)
	mux.HandleFunc("/balance", s.handleBalance)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/transactions/", s.handleTransaction)
	mux.HandleFunc("/resync", s.handleResync)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/version", s.handleVersion)
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.ledger.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "ledger not ready")
		return
	}
	if _, err := s.chain.GasPrice(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "rpc not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type transferPayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	RefID     string `json:"ref_id"`
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	s.handleIntake(w, r, s.service.RequestTransfer)
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	s.handleIntake(w, r, s.service.RequestWithdraw)
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request, admit func(context.Context, application.TransferRequest) (application.RequestResult, error)) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload transferPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	s.metrics.IncRequest()

	result, err := admit(r.Context(), application.TransferRequest{
		Sender:    payload.Sender,
		Recipient: payload.Recipient,
		Amount:    payload.Amount,
		RefID:     payload.RefID,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusAccepted
	outcome := "accepted"
	if result.Duplicate {
		s.metrics.IncDuplicate()
		status = http.StatusOK
		outcome = "duplicate"
	}
	respondJSON(w, status, map[string]any{
		"status":      outcome,
		"transaction": result.Record,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		respondError(w, http.StatusBadRequest, "owner is required")
		return
	}
	balance, err := s.service.GetBalance(r.Context(), owner)
	if err != nil {
		respondError(w, http.StatusBadGateway, "balance query failed")
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		respondError(w, http.StatusBadRequest, "owner is required")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := s.service.GetHistory(r.Context(), owner, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/transactions/")
	refID, sub, _ := strings.Cut(rest, "/")
	if refID == "" {
		respondError(w, http.StatusBadRequest, "ref id is required")
		return
	}
	switch sub {
	case "":
		record, err := s.service.GetTransaction(r.Context(), refID)
		if errors.Is(err, application.ErrNotFound) {
			respondError(w, http.StatusNotFound, "transaction not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		respondJSON(w, http.StatusOK, record)
	case "events":
		if s.audit == nil {
			respondError(w, http.StatusNotFound, "audit trail not configured")
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		events, err := s.audit.Trail(r.Context(), refID, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "audit query failed")
			return
		}
		respondJSON(w, http.StatusOK, events)
	default:
		respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.nonces == nil || s.chainNR == nil {
		respondError(w, http.StatusNotFound, "resync not available on this process")
		return
	}
	previous, err := s.nonces.Current(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "counter read failed")
		return
	}
	nonce, err := application.ResyncNonce(r.Context(), s.chainNR, s.nonces, s.relayer)
	if err != nil {
		respondError(w, http.StatusBadGateway, "resync failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"nonce":    nonce,
		"previous": previous,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snap := s.metrics.Snapshot()

	fmt.Fprintf(w, "poolrelay_uptime_seconds %.0f\n", time.Since(snap.StartTime).Seconds())
	fmt.Fprintf(w, "poolrelay_requests_total %d\n", snap.Requests)
	fmt.Fprintf(w, "poolrelay_duplicate_requests_total %d\n", snap.Duplicates)
	for _, stage := range []string{"submit", "confirm", "notify"} {
		counters, ok := snap.Stages[stage]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "poolrelay_jobs_done_total{stage=%q} %d\n", stage, counters.Done)
		fmt.Fprintf(w, "poolrelay_jobs_retried_total{stage=%q} %d\n", stage, counters.Retried)
		fmt.Fprintf(w, "poolrelay_jobs_failed_total{stage=%q} %d\n", stage, counters.Failed)
		fmt.Fprintf(w, "poolrelay_jobs_exhausted_total{stage=%q} %d\n", stage, counters.Exhausted)
		fmt.Fprintf(w, "poolrelay_fetch_errors_total{stage=%q} %d\n", stage, counters.FetchErrs)
		fmt.Fprintf(w, "poolrelay_decode_errors_total{stage=%q} %d\n", stage, counters.BadJobs)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.build)
}

func parseLimit(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, errors.New("invalid limit")
		}
		return value, nil
	}
	return 100, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
