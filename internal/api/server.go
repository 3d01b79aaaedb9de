// Package api exposes the HTTP interface for the auto-apply service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mpetrov/autoapply/internal/apply"
	"github.com/mpetrov/autoapply/internal/config"
	"github.com/mpetrov/autoapply/internal/control"
)

// Server wires HTTP handlers to the session control plane.
type Server struct {
	router chi.Router
	plane  *control.Plane
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. gatherer backs
// the /metrics endpoint; pass nil to use the default registry.
func NewServer(plane *control.Plane, cfg config.Config, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		plane:  plane,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.startSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Get("/log", s.getSessionLog)
				r.Post("/pause", s.pauseSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/cancel", s.cancelSession)
				r.Delete("/", s.deleteSession)
			})
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startSessionRequest struct {
	Criteria        apply.SearchCriteria `json:"criteria"`
	Profile         apply.Profile        `json:"profile"`
	MaxApplications *int                 `json:"max_applications"`
	ScoreThreshold  *float64             `json:"score_threshold"`
	PerJobDelaySec  *int                 `json:"per_job_delay_seconds"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	userID := requesterID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Criteria.Keywords) == 0 && req.Criteria.Location == "" {
		writeError(w, http.StatusBadRequest, "search criteria required")
		return
	}

	cfg := apply.SessionConfig{
		UserID:                 userID,
		Criteria:               req.Criteria,
		Profile:                req.Profile,
		MaxApplications:        valueOrDefault(req.MaxApplications, s.cfg.Engine.MaxApplicationsDefault),
		ScoreThreshold:         valueOrDefault(req.ScoreThreshold, s.cfg.Engine.ScoreThresholdDefault),
		PerJobDelay:            time.Duration(valueOrDefault(req.PerJobDelaySec, s.cfg.Engine.PerJobDelaySeconds)) * time.Second,
		MaxFailures:            s.cfg.Engine.MaxFailures,
		MaxConsecutiveTimeouts: s.cfg.Engine.MaxConsecutiveTimeouts,
		ExternalCallTimeout:    s.cfg.ExternalTimeout(),
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		writeError(w, http.StatusBadRequest, "score_threshold must be in [0, 1]")
		return
	}

	id, err := s.plane.Start(r.Context(), cfg)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.plane.Get(r.Context(), chi.URLParam(r, "session_id"), requesterID(r))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) getSessionLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.plane.Log(r.Context(), chi.URLParam(r, "session_id"), requesterID(r))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	if entries == nil {
		entries = []apply.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, s.plane.Pause, "pausing")
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, s.plane.Resume, "resuming")
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, s.plane.Cancel, "cancelling")
}

func (s *Server) controlAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(context.Context, string, string) error,
	status string,
) {
	sessionID := chi.URLParam(r, "session_id")
	if err := action(r.Context(), sessionID, requesterID(r)); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": status})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.plane.Delete(r.Context(), sessionID, requesterID(r)); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}

// writeControlError maps control plane sentinel errors onto HTTP statuses.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apply.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, apply.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "session belongs to another user")
	case errors.Is(err, apply.ErrConflict),
		errors.Is(err, apply.ErrInvalidTransition),
		errors.Is(err, apply.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("control request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// requesterID identifies the caller. The gateway in front of this service
// authenticates users and forwards the identity in X-User-ID.
func requesterID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
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
				writeError(w, http.StatusInternalServerError, "internal server error")
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
