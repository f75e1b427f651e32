// Package api exposes the control plane over HTTP: nonce queries and
// resets, transaction build/submit, record lookup, metrics and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaykit/txmgr/txm"
)

const serviceVersion = "2.0.0"

type ServerConfig struct {
	Listen    string
	AuthToken string
}

type Server struct {
	cfg     ServerConfig
	lggr    *zap.SugaredLogger
	manager *txm.Txm
}

func NewServer(cfg ServerConfig, lggr *zap.SugaredLogger, manager *txm.Txm) *Server {
	return &Server{cfg: cfg, lggr: lggr.Named("API"), manager: manager}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /nonce/{chainID}/{address}", s.withAuth(s.handleGetNonce))
	mux.HandleFunc("POST /nonce/{chainID}/{address}/reset", s.withAuth(s.handleResetNonce))
	mux.HandleFunc("POST /transaction/build/{chainID}", s.withAuth(s.handleBuild))
	mux.HandleFunc("POST /transaction/submit/{chainID}", s.withAuth(s.handleSubmit))
	mux.HandleFunc("GET /transaction/{txID}", s.withAuth(s.handleGetTransaction))
	mux.HandleFunc("GET /metrics", s.withAuth(s.handleMetrics))
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.lggr.Infow("control plane listening", "addr", s.cfg.Listen)
	return server.ListenAndServe()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":             "transaction-manager",
		"version":             serviceVersion,
		"status":              "healthy",
		"pendingTransactions": s.manager.InflightCount(),
		"trackedNonces":       s.manager.TrackedAccounts(),
		"historySize":         s.manager.HistoryCount(),
	})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	chainID, addr, ok := s.chainAndAddress(w, r)
	if !ok {
		return
	}

	snap, err := s.manager.Ledger().Snapshot(chainID, addr)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":    chainID,
		"chainName":  txm.ChainName(chainID),
		"address":    addr.Hex(),
		"nonce":      snap.Next,
		"pending":    snap.Pending,
		"confirmed":  snap.Confirmed,
		"lastSynced": snap.LastSynced,
	})
}

func (s *Server) handleResetNonce(w http.ResponseWriter, r *http.Request) {
	chainID, addr, ok := s.chainAndAddress(w, r)
	if !ok {
		return
	}

	nonce, err := s.manager.Ledger().Reset(r.Context(), chainID, addr)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"chainId":   chainID,
		"chainName": txm.ChainName(chainID),
		"address":   addr.Hex(),
		"nonce":     nonce,
	})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}

	var req txm.BuildRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := s.manager.Builder().Build(r.Context(), chainID, req)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": tx,
	})
}

type submitRequest struct {
	KeyRef      string            `json:"keyRef"`
	Transaction *txm.UnsignedTx   `json:"transaction"`
	Options     txm.SubmitOptions `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Transaction != nil && req.Transaction.ChainID == 0 {
		req.Transaction.ChainID = chainID
	}
	if req.Transaction != nil && req.Transaction.ChainID != chainID {
		writeError(w, http.StatusBadRequest, "transaction chain id does not match path")
		return
	}

	rec, err := s.manager.Submit(r.Context(), req.KeyRef, req.Transaction, req.Options)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"txState": rec,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("txID")
	rec, err := s.manager.Transaction(r.Context(), txID)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Metrics().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"totalSubmitted":      snap.TotalSubmitted,
		"totalConfirmed":      snap.TotalConfirmed,
		"totalFailed":         snap.TotalFailed,
		"totalTimedOut":       snap.TotalTimedOut,
		"avgConfirmationTime": snap.AvgConfirmTime.String(),
		"uptime":              time.Since(snap.StartTime).String(),
		"pendingCount":        s.manager.InflightCount(),
		"trackedNonces":       s.manager.TrackedAccounts(),
		"historySize":         s.manager.HistoryCount(),
	})
}

func (s *Server) chainID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	chainID, err := strconv.ParseUint(r.PathValue("chainID"), 10, 64)
	if err != nil || chainID == 0 {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return 0, false
	}
	return chainID, true
}

func (s *Server) chainAndAddress(w http.ResponseWriter, r *http.Request) (uint64, common.Address, bool) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return 0, common.Address{}, false
	}
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return 0, common.Address{}, false
	}
	return chainID, common.HexToAddress(raw), true
}

func (s *Server) writeErrorFor(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.lggr.Errorw("request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var invalid *txm.InvalidRequestError
	var provider *txm.ProviderError
	switch {
	case errors.Is(err, txm.ErrTooManyPending):
		return http.StatusTooManyRequests
	case errors.Is(err, txm.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &provider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(r *http.Request, dst any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
