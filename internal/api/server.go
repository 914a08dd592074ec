// Package api exposes the HTTP interface for the run lifecycle service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/batch"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/schedule"
	"github.com/searchingfox/searchrun/internal/store"
)

// AuthConfig controls access to the scheduling trigger endpoint.
type AuthConfig struct {
	// SchedulerSecret is the shared secret accepted via the
	// X-Scheduler-Token header or ?token= query parameter.
	SchedulerSecret string
	// CronHeader names the scheduler-specific marker header; a request
	// bearing it with value "1" is trusted without the secret.
	CronHeader string
}

// DefaultCronHeader marks calls arriving from the platform scheduler.
const DefaultCronHeader = "X-Cron-Invoke"

// Server wires HTTP handlers to the trigger, the run store, and the batch
// processor.
type Server struct {
	router  chi.Router
	runs    store.RunStore
	trigger *schedule.Trigger
	batch   *batch.Processor
	auth    AuthConfig
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The processor
// may be nil, which disables the operation endpoints.
func NewServer(
	runs store.RunStore,
	trigger *schedule.Trigger,
	processor *batch.Processor,
	auth AuthConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auth.CronHeader == "" {
		auth.CronHeader = DefaultCronHeader
	}
	s := &Server{
		runs:    runs,
		trigger: trigger,
		batch:   processor,
		auth:    auth,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// GET alias kept for manual testing; same handler.
		r.Post("/schedule/trigger", s.scheduleTrigger)
		r.Get("/schedule/trigger", s.scheduleTrigger)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/users/{user_id}/runs/active", s.getActiveRun)
		if s.batch != nil {
			r.Post("/users/{user_id}/operations", s.beginOperation)
			r.Post("/users/{user_id}/operations/resume", s.resumeOperation)
			r.Delete("/users/{user_id}/operations", s.acknowledgeOperation)
		}
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

func (s *Server) scheduleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	summary, err := s.trigger.Fanout(r.Context())
	if err != nil {
		s.logger.Error("scheduled fan-out failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "fanout_failed",
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"inserted":  summary.Inserted,
		"triggered": summary.Triggered,
	})
}

// authorized accepts the scheduler marker header or the shared secret via
// header or query parameter. Everything else is rejected.
func (s *Server) authorized(r *http.Request) bool {
	if r.Header.Get(s.auth.CronHeader) == "1" {
		return true
	}
	if s.auth.SchedulerSecret == "" {
		return false
	}
	token := r.Header.Get("X-Scheduler-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token == s.auth.SchedulerSecret
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	rec, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]run.Run{"run": rec})
}

func (s *Server) getActiveRun(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	rec, err := s.runs.ActiveForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Error("get active run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]run.Run{"run": rec})
}

type operationRequest struct {
	Type              batch.OperationType `json:"operation_type"`
	TargetStatus      string              `json:"target_status"`
	TargetStatusLabel string              `json:"target_status_label"`
	Jobs              []batch.JobRef      `json:"jobs"`
}

// beginOperation stores a bulk operation for the user and processes it in
// the background; the response only acknowledges acceptance. Outcomes reach
// the user through notifications and the bus.
func (s *Server) beginOperation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Type {
	case batch.OpStatusChange:
		if req.TargetStatus == "" {
			writeError(w, http.StatusBadRequest, "target_status is required")
			return
		}
	case batch.OpRemove:
	default:
		writeError(w, http.StatusBadRequest, "unknown operation_type")
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "jobs must not be empty")
		return
	}

	op := batch.Operation{
		UserID:            userID,
		Type:              req.Type,
		TargetStatus:      req.TargetStatus,
		TargetStatusLabel: req.TargetStatusLabel,
		Jobs:              req.Jobs,
	}
	go func() {
		if _, err := s.batch.Begin(context.Background(), op); err != nil {
			s.logger.Error("bulk operation failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "jobs": len(req.Jobs)})
}

// resumeOperation is the client's visibility/startup hook.
func (s *Server) resumeOperation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	go func() {
		if _, err := s.batch.Resume(context.Background(), userID); err != nil {
			s.logger.Error("bulk operation resume failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) acknowledgeOperation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := s.batch.Acknowledge(userID); err != nil {
		s.logger.Error("acknowledge operation failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to acknowledge operation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
