package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"genqueue/internal/queue"
	"genqueue/internal/ratelimit"
	"genqueue/internal/store"
	"genqueue/internal/telemetry"
	"genqueue/internal/webhook"
)

// OwnerHeader identifies the caller that owns submitted jobs.
const OwnerHeader = "X-Owner-ID"

// maxBodyBytes caps request bodies, webhook payloads included.
const maxBodyBytes = 1 << 20

// Server wires HTTP handlers for the producer API and the webhook receiver.
type Server struct {
	jobs       store.Jobs
	events     store.Ledger
	ingestor   *webhook.Ingestor
	limiter    ratelimit.Limiter
	signal     queue.Signal
	logger     *slog.Logger
	adminToken string
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter throttles job submissions per owner.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithSignal wakes idle workers after each submission.
func WithSignal(sig queue.Signal) Option {
	return func(s *Server) { s.signal = sig }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAdminToken requires "Authorization: Bearer <token>" on the event
// ledger endpoints.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// New constructs the API server.
func New(jobs store.Jobs, events store.Ledger, ingestor *webhook.Ingestor, opts ...Option) *Server {
	s := &Server{
		jobs:     jobs,
		events:   events,
		ingestor: ingestor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(requireOwner)
			r.Post("/", s.handleEnqueue)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/requeue", s.handleRequeue)
		})
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/billing", s.handleWebhook)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/events", s.handleListEvents)
				r.Get("/events/{id}", s.handleGetEvent)
				r.Post("/events/{id}/redrive", s.handleRedrive)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(OwnerHeader)) == "" {
			writeError(w, http.StatusBadRequest, OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func ownerFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(OwnerHeader))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("writeJSON: encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps store sentinels to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) notifyWorkers(r *http.Request, jobID string) {
	if s.signal == nil {
		return
	}
	if err := s.signal.Notify(r.Context(), jobID); err != nil {
		s.logger.Warn("wakeup notify failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
