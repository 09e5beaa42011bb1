package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/funnelkit/followup-engine/internal/dispatch"
	"github.com/funnelkit/followup-engine/internal/store"
)

type EnrollmentHandler struct {
	store     *store.PostgresStore
	scheduler *dispatch.Scheduler
}

func NewEnrollmentHandler(s *store.PostgresStore, scheduler *dispatch.Scheduler) *EnrollmentHandler {
	return &EnrollmentHandler{store: s, scheduler: scheduler}
}

type createEnrollmentRequest struct {
	ProspectID  string `json:"prospect_id"`
	SequenceID  string `json:"sequence_id"`
	TriggerTime string `json:"trigger_time,omitempty"`
}

// Create enrolls a prospect into a sequence. The acting user comes from
// the X-User-ID header and must own the sequence's agent config.
func (h *EnrollmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	actorUserID := r.Header.Get("X-User-ID")
	if actorUserID == "" {
		respondError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return
	}

	var req createEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ProspectID == "" {
		respondError(w, http.StatusBadRequest, "prospect_id is required")
		return
	}
	if req.SequenceID == "" {
		respondError(w, http.StatusBadRequest, "sequence_id is required")
		return
	}

	triggerTime := time.Now()
	if req.TriggerTime != "" {
		parsed, err := time.Parse(time.RFC3339, req.TriggerTime)
		if err != nil {
			respondError(w, http.StatusBadRequest, "trigger_time must be RFC 3339")
			return
		}
		triggerTime = parsed
	}

	result, err := h.scheduler.Enroll(r.Context(), actorUserID, req.ProspectID, req.SequenceID, triggerTime)
	if err != nil {
		respondDomainError(w, err, "failed to enroll prospect")
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

func (h *EnrollmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	enrollment, err := h.store.GetEnrollment(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get enrollment")
		return
	}
	if enrollment == nil {
		respondError(w, http.StatusNotFound, "enrollment not found")
		return
	}

	respondJSON(w, http.StatusOK, enrollment)
}
