package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/funnelkit/followup-engine/internal/channel"
	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/feed"
)

// fakeStore tracks the state transitions the reconciler applies.
type fakeStore struct {
	deliveries map[string]*domain.Delivery // keyed by provider message ID
	prospects  map[string]*domain.Prospect

	delivered     map[string]bool // delivery ID → already delivered
	failed        map[string]string
	optedOut      map[string]bool
	cancelledCh   []domain.Channel // channel arg of each CancelPendingDeliveries call
	cancelReturns int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deliveries: map[string]*domain.Delivery{},
		prospects:  map[string]*domain.Prospect{},
		delivered:  map[string]bool{},
		failed:     map[string]string{},
		optedOut:   map[string]bool{},
	}
}

func (f *fakeStore) GetDeliveryByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Delivery, error) {
	return f.deliveries[providerMessageID], nil
}

func (f *fakeStore) MarkDeliveryDelivered(ctx context.Context, deliveryID string, at time.Time) (bool, error) {
	if f.delivered[deliveryID] {
		return false, nil
	}
	f.delivered[deliveryID] = true
	return true, nil
}

func (f *fakeStore) MarkDeliveryFailedByReconciler(ctx context.Context, deliveryID, errorMessage string) (bool, error) {
	if _, ok := f.failed[deliveryID]; ok {
		return false, nil
	}
	f.failed[deliveryID] = errorMessage
	return true, nil
}

func (f *fakeStore) GetProspect(ctx context.Context, id string) (*domain.Prospect, error) {
	return f.prospects[id], nil
}

func (f *fakeStore) GetProspectByRecipient(ctx context.Context, ch domain.Channel, recipient string) (*domain.Prospect, error) {
	for _, p := range f.prospects {
		if p.Recipient(ch) == recipient {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) OptOutProspect(ctx context.Context, prospectID, reason string, at time.Time) (bool, error) {
	if f.optedOut[prospectID] {
		return false, nil
	}
	f.optedOut[prospectID] = true
	return true, nil
}

func (f *fakeStore) CancelPendingDeliveries(ctx context.Context, prospectID string, ch domain.Channel) (int64, error) {
	f.cancelledCh = append(f.cancelledCh, ch)
	return f.cancelReturns, nil
}

// scriptedDriver returns a fixed parse result and a configurable signature
// verdict.
type scriptedDriver struct {
	ch       domain.Channel
	verifyOK bool
	event    *domain.WebhookEvent
	parseErr error
}

func (d *scriptedDriver) Channel() domain.Channel { return d.ch }

func (d *scriptedDriver) Send(ctx context.Context, to channel.Address, content channel.Content) (string, error) {
	return "", nil
}

func (d *scriptedDriver) VerifySignature(body []byte, signature, secret string) bool {
	return d.verifyOK
}

func (d *scriptedDriver) ParseEvent(body []byte) (*domain.WebhookEvent, error) {
	return d.event, d.parseErr
}

func setupReconciler(t *testing.T, store *fakeStore, driver *scriptedDriver, scope CancelScope) *Reconciler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	secrets := Secrets{driver.ch: "secret"}
	return NewReconciler(store, channel.NewRegistry(driver), secrets, scope, feed.NewHub(logger), logger)
}

func TestReconciler_RejectsBadSignature(t *testing.T) {
	store := newFakeStore()
	store.deliveries["pm-1"] = &domain.Delivery{ID: "d-1", ProspectID: "p-1", Status: domain.DeliverySent}

	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: false,
		event:    &domain.WebhookEvent{ProviderMessageID: "pm-1", Type: domain.EventDelivered},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "bogus")
	if !errors.Is(err, domain.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	if len(store.delivered) != 0 {
		t.Error("rejected webhook must not change delivery state")
	}
}

func TestReconciler_UnknownChannel(t *testing.T) {
	rec := setupReconciler(t, newFakeStore(), &scriptedDriver{ch: domain.ChannelEmail, verifyOK: true}, CancelTriggeringChannel)

	err := rec.Handle(context.Background(), domain.Channel("pigeon"), []byte(`{}`), "sig")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestReconciler_DeliveredEvent(t *testing.T) {
	store := newFakeStore()
	store.deliveries["pm-1"] = &domain.Delivery{ID: "d-1", ProspectID: "p-1", MessageID: "msg-1", Status: domain.DeliverySent}

	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event:    &domain.WebhookEvent{ProviderMessageID: "pm-1", Type: domain.EventDelivered, Timestamp: time.Now()},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !store.delivered["d-1"] {
		t.Error("delivery should be marked delivered")
	}
}

func TestReconciler_DeliveredReplay_IsNoOp(t *testing.T) {
	store := newFakeStore()
	store.deliveries["pm-1"] = &domain.Delivery{ID: "d-1", ProspectID: "p-1", Status: domain.DeliverySent}
	store.delivered["d-1"] = true // first event already applied

	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event:    &domain.WebhookEvent{ProviderMessageID: "pm-1", Type: domain.EventDelivered, Timestamp: time.Now()},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("replay must be absorbed silently, got %v", err)
	}
}

func TestReconciler_UntrackedMessage_IsNoOp(t *testing.T) {
	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event:    &domain.WebhookEvent{ProviderMessageID: "someone-elses", Type: domain.EventDelivered},
	}
	rec := setupReconciler(t, newFakeStore(), driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Errorf("untracked provider message should be a logged no-op, got %v", err)
	}
}

func TestReconciler_MissingProviderMessageID_Rejected(t *testing.T) {
	// A row that never received a provider message ID keys the fake under
	// "". Without the guard, a delivered or failed event missing its
	// correlation ID would match that row.
	for _, eventType := range []domain.WebhookEventType{domain.EventDelivered, domain.EventFailed} {
		store := newFakeStore()
		store.deliveries[""] = &domain.Delivery{ID: "d-unsent", ProspectID: "p-1", Status: domain.DeliveryPending}

		driver := &scriptedDriver{
			ch:       domain.ChannelEmail,
			verifyOK: true,
			event:    &domain.WebhookEvent{Type: eventType, Timestamp: time.Now()},
		}
		rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

		err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig")
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s without provider message id: expected ErrValidation, got %v", eventType, err)
		}
		if len(store.delivered) != 0 || len(store.failed) != 0 {
			t.Errorf("%s without provider message id must not touch delivery state", eventType)
		}
	}
}

func TestReconciler_FailedEvent_RecordsReason(t *testing.T) {
	store := newFakeStore()
	store.deliveries["pm-1"] = &domain.Delivery{ID: "d-1", ProspectID: "p-1", Status: domain.DeliverySent}

	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event: &domain.WebhookEvent{
			ProviderMessageID: "pm-1",
			Type:              domain.EventFailed,
			Timestamp:         time.Now(),
			Metadata:          map[string]string{"error": "mailbox full"},
		},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.failed["d-1"] != "mailbox full" {
		t.Errorf("expected failure reason recorded, got %q", store.failed["d-1"])
	}
}

func TestReconciler_OptOut_CancelsTriggeringChannelOnly(t *testing.T) {
	// A STOP reply on SMS cancels pending SMS deliveries; pending email
	// deliveries are untouched under the channel scope.
	store := newFakeStore()
	store.prospects["p-1"] = &domain.Prospect{ID: "p-1", Email: "lead@example.com", Phone: "+15550001", ConsentState: domain.ConsentActive}
	store.deliveries["pm-1"] = &domain.Delivery{ID: "d-1", ProspectID: "p-1", Status: domain.DeliverySent}
	store.cancelReturns = 1

	driver := &scriptedDriver{
		ch:       domain.ChannelSMS,
		verifyOK: true,
		event: &domain.WebhookEvent{
			ProviderMessageID: "pm-1",
			Type:              domain.EventUnsubscribed,
			Recipient:         "+15550001",
			Timestamp:         time.Now(),
		},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelSMS, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !store.optedOut["p-1"] {
		t.Error("prospect should be opted out")
	}
	if len(store.cancelledCh) != 1 || store.cancelledCh[0] != domain.ChannelSMS {
		t.Errorf("expected cancellation scoped to sms, got %v", store.cancelledCh)
	}
}

func TestReconciler_OptOut_AllChannelsScope(t *testing.T) {
	store := newFakeStore()
	store.prospects["p-1"] = &domain.Prospect{ID: "p-1", Email: "lead@example.com", Phone: "+15550001", ConsentState: domain.ConsentActive}

	driver := &scriptedDriver{
		ch:       domain.ChannelSMS,
		verifyOK: true,
		event: &domain.WebhookEvent{
			Type:      domain.EventUnsubscribed,
			Recipient: "+15550001",
			Timestamp: time.Now(),
		},
	}
	rec := setupReconciler(t, store, driver, CancelAllChannels)

	if err := rec.Handle(context.Background(), domain.ChannelSMS, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(store.cancelledCh) != 1 || store.cancelledCh[0] != domain.Channel("") {
		t.Errorf("all-channels scope should cancel with empty channel filter, got %v", store.cancelledCh)
	}
}

func TestReconciler_OptOutReplay_StillCancelsPending(t *testing.T) {
	// The opt-out itself is idempotent, but a pending delivery claimed
	// between the first event and the replay must still be cancelled.
	store := newFakeStore()
	store.prospects["p-1"] = &domain.Prospect{ID: "p-1", Email: "lead@example.com", ConsentState: domain.ConsentOptedOut}
	store.optedOut["p-1"] = true

	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event: &domain.WebhookEvent{
			Type:      domain.EventUnsubscribed,
			Recipient: "lead@example.com",
			Timestamp: time.Now(),
		},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(store.cancelledCh) != 1 {
		t.Errorf("replayed opt-out should still run cancellation, got %d calls", len(store.cancelledCh))
	}
}

func TestReconciler_OptOut_ResolvesProspectViaDelivery(t *testing.T) {
	// An unsubscribe that carries a provider message ID but no recipient
	// resolves the prospect through the tracked delivery.
	store := newFakeStore()
	store.prospects["p-1"] = &domain.Prospect{ID: "p-1", Email: "lead@example.com", ConsentState: domain.ConsentActive}
	store.deliveries["pm-1"] = &domain.Delivery{ID: "d-1", ProspectID: "p-1", Status: domain.DeliverySent}

	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event: &domain.WebhookEvent{
			ProviderMessageID: "pm-1",
			Type:              domain.EventUnsubscribed,
			Timestamp:         time.Now(),
		},
	}
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !store.optedOut["p-1"] {
		t.Error("prospect resolved via delivery should be opted out")
	}
}

func TestReconciler_OptOutUnknownProspect_IsNoOp(t *testing.T) {
	driver := &scriptedDriver{
		ch:       domain.ChannelEmail,
		verifyOK: true,
		event: &domain.WebhookEvent{
			Type:      domain.EventUnsubscribed,
			Recipient: "stranger@example.com",
			Timestamp: time.Now(),
		},
	}
	store := newFakeStore()
	rec := setupReconciler(t, store, driver, CancelTriggeringChannel)

	if err := rec.Handle(context.Background(), domain.ChannelEmail, []byte(`{}`), "sig"); err != nil {
		t.Errorf("opt-out for unknown prospect should be a logged no-op, got %v", err)
	}
	if len(store.cancelledCh) != 0 {
		t.Error("nothing should be cancelled for an unknown prospect")
	}
}
