// Package api exposes the daemon's HTTP interface: job submission, status
// and queue queries, lifecycle actions, artifact downloads, and history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scenarioforge/internal/history"
	"scenarioforge/internal/logging"
	"scenarioforge/internal/queue"
	"scenarioforge/internal/scheduler"
	"scenarioforge/internal/services"
)

// Queue is the scheduler surface the API uses.
type Queue interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (*queue.Job, error)
	Get(jobID string) (*queue.Job, error)
	List(ownerID string) []*queue.Job
	Status(jobID string) (scheduler.JobStatus, error)
	QueueStatus() scheduler.QueueSnapshot
	OwnerWait(ownerID string) (time.Duration, bool)
	Cancel(jobID string) (*queue.Job, error)
	Stop(jobID string) (*queue.Job, error)
	Restart(jobID string) (*queue.Job, error)
	Remove(jobID string) error
}

// History is the archive surface the API uses. It may be nil.
type History interface {
	Get(ctx context.Context, jobID string) (*history.Record, error)
	List(ctx context.Context, ownerID string, limit int) ([]*history.Record, error)
}

// Uploads receives submitted source documents and reports owner disk usage.
type Uploads interface {
	UploadsDir(ownerID string) (string, error)
	CheckQuota(ownerID string, incoming int64) error
	OwnerUsage(ownerID string) (int64, error)
}

// Options configures the server.
type Options struct {
	Token          string
	MaxUploadBytes int64
	Version        string

	DefaultVariant            string
	DefaultAnalyzeImages      bool
	DefaultCorrelateDocuments bool
}

// Server handles HTTP requests.
type Server struct {
	queue    Queue
	history  History
	uploads  Uploads
	opts     Options
	logger   *slog.Logger
	download *sourceDownloader
}

// NewServer wires the API against its collaborators.
func NewServer(q Queue, h History, uploads Uploads, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		queue:    q,
		history:  h,
		uploads:  uploads,
		opts:     opts,
		logger:   logger.With(logging.String(logging.FieldComponent, "api")),
		download: newSourceDownloader(opts.MaxUploadBytes),
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/queue", s.handleQueue)
		r.Get("/history", s.handleHistory)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleRemove)
			r.Post("/cancel", s.handleCancel)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Get("/source", s.handleSource)
			r.Get("/artifacts/{name}", s.handleArtifact)
		})
	})
	return r
}

// requestContext carries the chi request ID into the services context so log
// lines correlate across components.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			r = r.WithContext(services.WithRequestID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}

// auth validates bearer tokens. An empty configured token disables
// authentication for local use.
func (s *Server) auth(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.opts.Token {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Version: s.opts.Version})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.WithContext(r.Context(), s.logger).Error("encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, r, status, ErrorResponse{Error: message})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, services.ErrResource):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.logger).Error("request failed", logging.Error(err))
	}
	s.writeError(w, r, status, services.FailureMessage(err))
}
