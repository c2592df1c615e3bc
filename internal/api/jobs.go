package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genqueue/internal/models"
	"genqueue/internal/store"
	"genqueue/internal/telemetry"
)

type enqueueRequest struct {
	JobType    string          `json:"job_type"`
	Priority   *int            `json:"priority"`
	Parameters json.RawMessage `json:"parameters"`
}

type jobResponse struct {
	Job models.Job `json:"job"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	owner := ownerFromRequest(r)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			s.logger.Error("rate limiter unavailable", slog.String("owner_id", owner), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	job, err := s.jobs.Enqueue(r.Context(), store.EnqueueParams{
		JobType:    req.JobType,
		OwnerID:    owner,
		Priority:   priority,
		Parameters: req.Parameters,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.notifyWorkers(r, job.ID)
	s.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("owner_id", owner),
		slog.Int("priority", job.Priority),
	)
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *models.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.JobStatus(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		status = &st
	}
	jobs, err := s.jobs.ListJobsForOwner(r.Context(), ownerFromRequest(r), status)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cancelled, err := s.jobs.CancelQueued(r.Context(), job.ID, req.Reason)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("job cancelled", slog.String("job_id", job.ID), slog.String("owner_id", job.OwnerID))
	writeJSON(w, http.StatusOK, jobResponse{Job: cancelled})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	next, err := s.jobs.Reenqueue(r.Context(), job.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.notifyWorkers(r, next.ID)
	s.logger.Info("job requeued",
		slog.String("job_id", next.ID),
		slog.String("previous_job_id", job.ID),
		slog.Int("attempt", next.Attempt),
	)
	writeJSON(w, http.StatusAccepted, jobResponse{Job: next})
}

// ownedJob loads the {id} job and answers 404 when it belongs to another
// owner, so ids cannot be probed across owners.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return models.Job{}, false
	}
	if job.OwnerID != ownerFromRequest(r) {
		writeError(w, http.StatusNotFound, "not found")
		return models.Job{}, false
	}
	return job, true
}
