// Package server exposes the transport façade over the core services: memory
// lifecycle, the transaction protocol, attribution reads, compliance, and the
// portfolio dashboard.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kioku/internal/attribution"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/compliance"
	"github.com/ashita-ai/kioku/internal/service/memories"
	"github.com/ashita-ai/kioku/internal/service/portfolio"
	"github.com/ashita-ai/kioku/internal/service/txn"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

// RecordStore is the slice of storage the façade serves directly: attribution
// reads, interaction listings, and contradiction ingest.
type RecordStore interface {
	GetScoresByInteraction(ctx context.Context, id uuid.UUID) ([]model.AttributionScore, error)
	GetScoresByMemory(ctx context.Context, id uuid.UUID, limit int) ([]model.AttributionScore, error)
	GetProfile(ctx context.Context, memoryID uuid.UUID) (model.MemoryProfile, error)
	ListInteractionsByAgent(ctx context.Context, agentID string, limit int) ([]model.Interaction, error)
	UpsertContradiction(ctx context.Context, c model.Contradiction) error
}

// Pinger reports storage connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	AdminAPIKey  string // Empty disables auth (dev mode).
	Version      string
}

// Server is the HTTP façade.
type Server struct {
	cfg        Config
	memories   *memories.Service
	txn        *txn.Service
	compliance *compliance.Service
	portfolio  *portfolio.Service
	reader     RecordStore
	pinger     Pinger
	logger     *slog.Logger
	mux        *http.ServeMux
	requests   metric.Int64Counter
}

// New wires the façade routes.
func New(cfg Config, mem *memories.Service, tx *txn.Service, comp *compliance.Service, pf *portfolio.Service, reader RecordStore, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	requests, err := telemetry.Meter("kioku/server").Int64Counter("http.server.requests")
	if err != nil {
		logger.Warn("server: request counter unavailable", "error", err)
	}
	s := &Server{
		cfg:        cfg,
		memories:   mem,
		txn:        tx,
		compliance: comp,
		portfolio:  pf,
		reader:     reader,
		pinger:     pinger,
		logger:     logger,
		mux:        http.NewServeMux(),
		requests:   requests,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.Handle("POST /v1/memories", s.authed(s.handleCreateMemory))
	s.mux.Handle("PATCH /v1/memories/{id}", s.authed(s.handlePatchMemory))
	s.mux.Handle("DELETE /v1/memories/{id}", s.authed(s.handleSoftDeleteMemory))

	s.mux.Handle("POST /v1/transactions", s.authed(s.handleSingleShot))
	s.mux.Handle("POST /v1/transactions/initiate", s.authed(s.handleInitiate))
	s.mux.Handle("POST /v1/transactions/{id}/complete", s.authed(s.handleComplete))
	s.mux.Handle("POST /v1/transactions/{id}/statements", s.authed(s.handleAttributeStatements))

	s.mux.Handle("GET /v1/attributions/transaction/{id}", s.authed(s.handleScoresByTransaction))
	s.mux.Handle("GET /v1/attributions/memory/{id}", s.authed(s.handleScoresByMemory))

	s.mux.Handle("GET /v1/compliance/footprint/{user}", s.authed(s.handleFootprint))
	s.mux.Handle("POST /v1/compliance/delete/{user}", s.authed(s.handleComplianceDelete))
	s.mux.Handle("GET /v1/compliance/certificates/{user}", s.authed(s.handleCertificates))

	s.mux.Handle("POST /v1/contradictions", s.authed(s.handleUpsertContradiction))
	s.mux.Handle("GET /v1/agents/{id}/interactions", s.authed(s.handleAgentInteractions))

	s.mux.Handle("GET /v1/dashboard/overview", s.authed(s.handleOverview))
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.withRequestLog(http.MaxBytesHandler(s.mux, s.cfg.MaxBodyBytes))
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", srv.Addr, "version", s.cfg.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// authed enforces the static admin API key when one is configured.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey != "" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
		}
		next(w, r)
	})
}

// withRequestLog logs method, path, and duration for every request and bumps
// the request counter.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.requests != nil {
			s.requests.Add(r.Context(), 1, metric.WithAttributes(
				attribute.String("http.request.method", r.Method),
			))
		}
		s.logger.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			status = "storage unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, map[string]string{"status": status, "version": s.cfg.Version})
}

// writeJSON serializes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("server: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// writeServiceError maps domain errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attribution.ErrEmptyRetrievedSet),
		errors.Is(err, attribution.ErrInfeasibleExactShapley),
		errors.Is(err, attribution.ErrNoOracle),
		errors.Is(err, attribution.ErrMethodNotRunnable):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, txn.ErrUnknownTransaction), errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, txn.ErrExpiredTransaction):
		s.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, txn.ErrSnapshotCorrupted), errors.Is(err, storage.ErrInvalidStatusTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("server: internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode parses a JSON request body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// pathUUID parses the {id} path segment.
func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
		return uuid.Nil, false
	}
	return id, true
}
