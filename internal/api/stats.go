package api

import (
	"net/http"

	"github.com/funnelkit/followup-engine/internal/dispatch"
	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/feed"
	"github.com/funnelkit/followup-engine/internal/store"
)

type StatsHandler struct {
	store     *store.PostgresStore
	scheduler *dispatch.Scheduler
	breaker   *dispatch.CircuitBreaker
	hub       *feed.Hub
}

func NewStatsHandler(s *store.PostgresStore, scheduler *dispatch.Scheduler, cb *dispatch.CircuitBreaker, hub *feed.Hub) *StatsHandler {
	return &StatsHandler{store: s, scheduler: scheduler, breaker: cb, hub: hub}
}

type funnelResponse struct {
	*store.FunnelStats
	QueueDepth       int64                            `json:"queue_depth"`
	ConnectedClients int                              `json:"connected_clients"`
	Circuits         map[string]dispatch.CircuitState `json:"circuits"`
}

// Funnel returns engine-wide delivery and prospect statistics plus live
// queue and circuit state.
func (h *StatsHandler) Funnel(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetFunnelStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	depth, err := h.scheduler.QueueDepth(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}

	circuits := map[string]dispatch.CircuitState{}
	for _, ch := range []domain.Channel{domain.ChannelEmail, domain.ChannelSMS} {
		circuits[string(ch)] = h.breaker.GetState(r.Context(), string(ch))
	}

	respondJSON(w, http.StatusOK, funnelResponse{
		FunnelStats:      stats,
		QueueDepth:       depth,
		ConnectedClients: h.hub.ClientCount(),
		Circuits:         circuits,
	})
}
