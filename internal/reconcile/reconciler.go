// Package reconcile ingests provider-originated webhook events and
// advances delivery and prospect state. Every transition is idempotent:
// providers deliver events at least once, so reapplying one is a no-op.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelkit/followup-engine/internal/channel"
	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/feed"
)

// CancelScope names which pending deliveries an opt-out cancels. The
// reference behavior cancels only the triggering channel; most compliance
// regimes expect a global stop, so the scope is an explicit policy choice.
type CancelScope string

const (
	CancelTriggeringChannel CancelScope = "channel"
	CancelAllChannels       CancelScope = "all"
)

// Store is the persistence surface the reconciler mutates. Every method
// that applies a transition reports whether it changed anything, so a
// replayed event can be absorbed silently.
type Store interface {
	GetDeliveryByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Delivery, error)
	MarkDeliveryDelivered(ctx context.Context, deliveryID string, at time.Time) (bool, error)
	MarkDeliveryFailedByReconciler(ctx context.Context, deliveryID, errorMessage string) (bool, error)
	GetProspect(ctx context.Context, id string) (*domain.Prospect, error)
	GetProspectByRecipient(ctx context.Context, ch domain.Channel, recipient string) (*domain.Prospect, error)
	OptOutProspect(ctx context.Context, prospectID, reason string, at time.Time) (bool, error)
	// CancelPendingDeliveries fails pending deliveries for the prospect
	// with reason "opted out"; an empty channel cancels across channels.
	CancelPendingDeliveries(ctx context.Context, prospectID string, ch domain.Channel) (int64, error)
}

// Secrets holds the per-channel webhook signing secrets.
type Secrets map[domain.Channel]string

// Reconciler verifies, parses and applies inbound provider events.
type Reconciler struct {
	store       Store
	drivers     channel.Registry
	secrets     Secrets
	cancelScope CancelScope
	hub         *feed.Hub
	logger      *slog.Logger
}

// NewReconciler creates a reconciler with the given opt-out cancel scope.
func NewReconciler(store Store, drivers channel.Registry, secrets Secrets, cancelScope CancelScope, hub *feed.Hub, logger *slog.Logger) *Reconciler {
	if cancelScope == "" {
		cancelScope = CancelTriggeringChannel
	}
	return &Reconciler{
		store:       store,
		drivers:     drivers,
		secrets:     secrets,
		cancelScope: cancelScope,
		hub:         hub,
		logger:      logger,
	}
}

// Handle processes one raw provider webhook. Signature or parse failures
// reject with no state change; unknown provider message IDs are logged
// no-ops, since providers also emit events for sends this instance does
// not track.
func (r *Reconciler) Handle(ctx context.Context, ch domain.Channel, body []byte, signature string) error {
	driver, err := r.drivers.For(ch)
	if err != nil {
		return fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, ch)
	}

	if !driver.VerifySignature(body, signature, r.secrets[ch]) {
		r.logger.Warn("webhook signature rejected", "channel", ch)
		return domain.ErrSignature
	}

	event, err := driver.ParseEvent(body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	switch event.Type {
	case domain.EventDelivered:
		return r.applyDelivered(ctx, ch, event)
	case domain.EventFailed:
		return r.applyFailed(ctx, ch, event)
	case domain.EventUnsubscribed:
		return r.applyUnsubscribed(ctx, ch, event)
	default:
		return fmt.Errorf("%w: unhandled event type %q", domain.ErrValidation, event.Type)
	}
}

func (r *Reconciler) applyDelivered(ctx context.Context, ch domain.Channel, event *domain.WebhookEvent) error {
	// Without a provider message ID there is nothing to correlate, and an
	// empty-string lookup would match rows that never got one.
	if event.ProviderMessageID == "" {
		return fmt.Errorf("%w: delivered event without provider message id", domain.ErrValidation)
	}

	delivery, err := r.store.GetDeliveryByProviderMessageID(ctx, event.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("looking up delivery: %w", err)
	}
	if delivery == nil {
		r.logger.Info("delivered event for untracked message", "provider_message_id", event.ProviderMessageID)
		return nil
	}

	changed, err := r.store.MarkDeliveryDelivered(ctx, delivery.ID, event.Timestamp)
	if err != nil {
		return fmt.Errorf("marking delivery delivered: %w", err)
	}
	if !changed {
		r.logger.Debug("delivered event replayed, no-op", "delivery_id", delivery.ID)
		return nil
	}

	r.logger.Info("delivery confirmed", "delivery_id", delivery.ID, "channel", ch)
	r.hub.Broadcast(feed.Update{
		Type:       "delivery",
		DeliveryID: delivery.ID,
		ProspectID: delivery.ProspectID,
		MessageID:  delivery.MessageID,
		Channel:    ch,
		Status:     domain.DeliveryDelivered,
		At:         event.Timestamp,
	})
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, ch domain.Channel, event *domain.WebhookEvent) error {
	if event.ProviderMessageID == "" {
		return fmt.Errorf("%w: failed event without provider message id", domain.ErrValidation)
	}

	delivery, err := r.store.GetDeliveryByProviderMessageID(ctx, event.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("looking up delivery: %w", err)
	}
	if delivery == nil {
		r.logger.Info("failed event for untracked message", "provider_message_id", event.ProviderMessageID)
		return nil
	}

	errMsg := event.Metadata["error"]
	if errMsg == "" {
		errMsg = "provider reported failure"
	}

	changed, err := r.store.MarkDeliveryFailedByReconciler(ctx, delivery.ID, errMsg)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	if !changed {
		r.logger.Debug("failed event replayed, no-op", "delivery_id", delivery.ID)
		return nil
	}

	r.logger.Warn("delivery failed at provider", "delivery_id", delivery.ID, "channel", ch, "error", errMsg)
	r.hub.Broadcast(feed.Update{
		Type:       "delivery",
		DeliveryID: delivery.ID,
		ProspectID: delivery.ProspectID,
		MessageID:  delivery.MessageID,
		Channel:    ch,
		Status:     domain.DeliveryFailed,
		Error:      errMsg,
		At:         event.Timestamp,
	})
	return nil
}

// applyUnsubscribed flips the prospect to opted_out — irrevocably — and
// cancels pending deliveries per the configured scope.
func (r *Reconciler) applyUnsubscribed(ctx context.Context, ch domain.Channel, event *domain.WebhookEvent) error {
	prospect, err := r.findProspect(ctx, ch, event)
	if err != nil {
		return err
	}
	if prospect == nil {
		r.logger.Info("opt-out for unknown prospect",
			"channel", ch,
			"recipient", event.Recipient,
		)
		return nil
	}

	reason := event.Metadata["error"]
	if reason == "" {
		reason = fmt.Sprintf("unsubscribed via %s", ch)
	}

	changed, err := r.store.OptOutProspect(ctx, prospect.ID, reason, event.Timestamp)
	if err != nil {
		return fmt.Errorf("opting out prospect: %w", err)
	}
	if !changed {
		r.logger.Debug("opt-out replayed, no-op", "prospect_id", prospect.ID)
	}

	// Cancellation runs even on a replay: a pending delivery claimed
	// between the first event and this one must still be cancelled.
	cancelChannel := ch
	if r.cancelScope == CancelAllChannels {
		cancelChannel = ""
	}
	cancelled, err := r.store.CancelPendingDeliveries(ctx, prospect.ID, cancelChannel)
	if err != nil {
		return fmt.Errorf("cancelling pending deliveries: %w", err)
	}

	r.logger.Info("prospect opted out",
		"prospect_id", prospect.ID,
		"channel", ch,
		"scope", r.cancelScope,
		"cancelled_deliveries", cancelled,
	)
	r.hub.Broadcast(feed.Update{
		Type:       "opt_out",
		ProspectID: prospect.ID,
		Channel:    ch,
		At:         event.Timestamp,
	})
	return nil
}

// findProspect resolves the opted-out prospect, preferring the delivery
// the provider message ID points at and falling back to the recipient
// address (STOP replies may reference no tracked delivery).
func (r *Reconciler) findProspect(ctx context.Context, ch domain.Channel, event *domain.WebhookEvent) (*domain.Prospect, error) {
	if event.ProviderMessageID != "" {
		delivery, err := r.store.GetDeliveryByProviderMessageID(ctx, event.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("looking up delivery: %w", err)
		}
		if delivery != nil {
			prospect, err := r.store.GetProspect(ctx, delivery.ProspectID)
			if err != nil {
				return nil, fmt.Errorf("looking up prospect: %w", err)
			}
			if prospect != nil {
				return prospect, nil
			}
		}
	}

	if event.Recipient == "" {
		return nil, nil
	}
	prospect, err := r.store.GetProspectByRecipient(ctx, ch, event.Recipient)
	if err != nil {
		return nil, fmt.Errorf("looking up prospect by recipient: %w", err)
	}
	return prospect, nil
}
