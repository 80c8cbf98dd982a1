// Package api exposes the HTTP interface for the scanner service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/config"
	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/refs"
)

// ScanService is the orchestration surface the API exposes.
type ScanService interface {
	Start(ctx context.Context, scanType refs.ScanType, startedBy string) (refs.Progress, error)
	Cancel(ctx context.Context, cancelledBy string) error
	Progress(ctx context.Context) (refs.Progress, error)
	State(ctx context.Context) (refs.ScanState, error)
}

// Server wires HTTP handlers to the scan orchestrator.
type Server struct {
	router chi.Router
	scans  ScanService
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(scans ScanService, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scans:  scans,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.startScan)
			r.Post("/cancel", s.cancelScan)
			r.Get("/progress", s.getProgress)
			r.Get("/state", s.getState)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The orchestrator state store is the one hard dependency of every
	// endpoint; a readable state means we can serve.
	if _, err := s.scans.State(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startScanRequest struct {
	Type      string `json:"type"`
	StartedBy string `json:"started_by"`
}

type cancelScanRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.StartedBy == "" {
		req.StartedBy = "api"
	}

	progress, err := s.scans.Start(r.Context(), refs.ScanType(req.Type), req.StartedBy)
	switch {
	case errors.Is(err, refs.ErrUnknownScanType):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, refs.ErrAlreadyRunning):
		// The conflicting run's progress rides along so callers can decide
		// whether to wait or cancel.
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"progress": progress,
		})
	case errors.Is(err, refs.ErrNoWork):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]any{"progress": progress})
	}
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	var req cancelScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CancelledBy == "" {
		req.CancelledBy = "api"
	}

	err := s.scans.Cancel(r.Context(), req.CancelledBy)
	switch {
	case errors.Is(err, refs.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.scans.Progress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	state, err := s.scans.State(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.ObserveHTTPRequest(r.Method, ww.status)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
