package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"genqueue/internal/models"
	"genqueue/internal/webhook"
)

// handleWebhook acknowledges with 200 once the event is recorded, or is
// already processed or owned by another delivery. 500 asks the sender to
// retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	outcome, err := s.ingestor.Ingest(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	switch {
	case errors.Is(err, webhook.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, webhook.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"outcome": string(outcome), "error": "event not applied"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var status *models.EventStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.EventStatus(v)
		switch st {
		case models.EventReceived, models.EventProcessing, models.EventProcessed, models.EventFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		status = &st
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be within [1, 1000]")
			return
		}
		limit = n
	}
	events, err := s.events.ListEvents(r.Context(), status, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if events == nil {
		events = []models.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": rec})
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.ingestor.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil && outcome == "" {
		s.writeStoreError(w, r, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"outcome": string(outcome), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}
