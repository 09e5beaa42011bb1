package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/funnelkit/followup-engine/internal/content"
	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/segment"
	"github.com/funnelkit/followup-engine/internal/store"
)

type ProspectHandler struct {
	store *store.PostgresStore
}

func NewProspectHandler(s *store.PostgresStore) *ProspectHandler {
	return &ProspectHandler{store: s}
}

type createProspectRequest struct {
	AgentConfigID string `json:"agent_config_id"`
	Email         string `json:"email"`
	Phone         string `json:"phone,omitempty"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
}

func (h *ProspectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.AgentConfigID == "" {
		respondError(w, http.StatusBadRequest, "agent_config_id is required")
		return
	}
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	cfg, err := h.store.GetAgentConfig(r.Context(), req.AgentConfigID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve agent config")
		return
	}
	if cfg == nil {
		respondError(w, http.StatusNotFound, "agent config not found")
		return
	}

	prospect := &domain.Prospect{
		ID:            uuid.NewString(),
		AgentConfigID: req.AgentConfigID,
		Email:         req.Email,
		Phone:         req.Phone,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Segment:       domain.SegmentNoShow,
	}

	created, err := h.store.CreateProspect(r.Context(), prospect)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create prospect")
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (h *ProspectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prospect, err := h.store.GetProspect(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get prospect")
		return
	}
	if prospect == nil {
		respondError(w, http.StatusNotFound, "prospect not found")
		return
	}

	// The stored segment is a snapshot; classification always runs on the
	// current metrics.
	prospect.Segment = segment.Classify(prospect.Metrics)

	respondJSON(w, http.StatusOK, prospect)
}

type engagementRequest struct {
	WatchPercentage      float64             `json:"watch_percentage"`
	WatchDurationSeconds int                 `json:"watch_duration_seconds"`
	Clicks               []domain.ClickEvent `json:"clicks,omitempty"`
	DetectedObjections   []string            `json:"detected_objections,omitempty"`
}

// RecordEngagement overwrites a prospect's engagement metrics and stores
// the segment recomputed from them.
func (h *ProspectHandler) RecordEngagement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req engagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.WatchPercentage < 0 || req.WatchPercentage > 100 {
		respondError(w, http.StatusBadRequest, "watch_percentage must be between 0 and 100")
		return
	}

	metrics := domain.EngagementMetrics{
		WatchPercentage:      req.WatchPercentage,
		WatchDurationSeconds: req.WatchDurationSeconds,
		Clicks:               req.Clicks,
	}
	objections := req.DetectedObjections
	if objections == nil {
		objections = []string{}
	}

	prospect, err := h.store.UpdateEngagement(r.Context(), id, metrics, objections, segment.Classify(metrics))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record engagement")
		return
	}
	if prospect == nil {
		respondError(w, http.StatusNotFound, "prospect not found")
		return
	}

	respondJSON(w, http.StatusOK, prospect)
}

// Content ranks the agent's proof stories for this prospect. Niche and
// price band arrive as query parameters since they describe the offer
// being discussed, not the prospect.
func (h *ProspectHandler) Content(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prospect, err := h.store.GetProspect(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get prospect")
		return
	}
	if prospect == nil {
		respondError(w, http.StatusNotFound, "prospect not found")
		return
	}

	maxStories := 3
	if raw := r.URL.Query().Get("max"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxStories = n
		}
	}

	candidates, err := h.store.ListStories(r.Context(), prospect.AgentConfigID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list stories")
		return
	}

	stories := content.Select(content.Input{
		Segment:            segment.Classify(prospect.Metrics),
		DetectedObjections: prospect.DetectedObjections,
		Niche:              r.URL.Query().Get("niche"),
		PriceBand:          r.URL.Query().Get("price_band"),
	}, candidates, maxStories)

	respondJSON(w, http.StatusOK, stories)
}
