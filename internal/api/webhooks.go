package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/reconcile"
)

// maxWebhookBody caps inbound provider payloads.
const maxWebhookBody = 64 * 1024

type WebhookHandler struct {
	reconciler *reconcile.Reconciler
}

func NewWebhookHandler(rec *reconcile.Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: rec}
}

// Receive ingests one provider status webhook. The provider signs the raw
// body and puts the signature in X-Webhook-Signature.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ch := domain.Channel(chi.URLParam(r, "channel"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")

	if err := h.reconciler.Handle(r.Context(), ch, body, signature); err != nil {
		respondDomainError(w, err, "failed to process webhook")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
