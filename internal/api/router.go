package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/funnelkit/followup-engine/internal/dispatch"
	"github.com/funnelkit/followup-engine/internal/feed"
	"github.com/funnelkit/followup-engine/internal/reconcile"
	"github.com/funnelkit/followup-engine/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, scheduler *dispatch.Scheduler, reconciler *reconcile.Reconciler, cb *dispatch.CircuitBreaker, hub *feed.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// Handlers
	prospectHandler := NewProspectHandler(pgStore)
	enrollmentHandler := NewEnrollmentHandler(pgStore, scheduler)
	webhookHandler := NewWebhookHandler(reconciler)
	deliveryHandler := NewDeliveryHandler(pgStore)
	statsHandler := NewStatsHandler(pgStore, scheduler, cb, hub)

	// Live delivery feed
	r.Get("/ws", hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/prospects", func(r chi.Router) {
			r.Post("/", prospectHandler.Create)
			r.Get("/{id}", prospectHandler.Get)
			r.Post("/{id}/engagement", prospectHandler.RecordEngagement)
			r.Get("/{id}/content", prospectHandler.Content)
		})

		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", enrollmentHandler.Create)
			r.Get("/{id}", enrollmentHandler.Get)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Post("/webhooks/{channel}", webhookHandler.Receive)

		r.Get("/stats", statsHandler.Funnel)
	})

	return r
}
