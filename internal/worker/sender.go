package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/funnelkit/followup-engine/internal/channel"
	"github.com/funnelkit/followup-engine/internal/dispatch"
	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/feed"
	"github.com/funnelkit/followup-engine/internal/render"
	"github.com/funnelkit/followup-engine/internal/segment"
)

// SenderStore is everything the sender needs from persistence. ClaimDelivery
// must be an atomic compare-and-insert: it inserts a pending delivery and
// reports false when a non-failed delivery already exists for the same
// (prospect_id, message_id).
type SenderStore interface {
	GetProspect(ctx context.Context, id string) (*domain.Prospect, error)
	GetSequence(ctx context.Context, id string) (*domain.Sequence, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetAgentConfig(ctx context.Context, id string) (*domain.AgentConfig, error)
	GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error)
	ClaimDelivery(ctx context.Context, d *domain.Delivery) (bool, error)
	MarkDeliverySent(ctx context.Context, id, providerMessageID string) error
	MarkDeliveryFailed(ctx context.Context, id, errorMessage string) error
	MarkEnrollmentAttempted(ctx context.Context, enrollmentID string) error
}

// RateLimits holds per-channel provider send limits (per second).
type RateLimits map[domain.Channel]int

// Sender executes one send job end to end: ordering gate, consent
// re-check, send-time re-classification, at-most-once claim, render,
// provider call, status record.
type Sender struct {
	store       SenderStore
	drivers     channel.Registry
	redisClient *redis.Client
	limiter     *dispatch.RateLimiter
	breaker     *dispatch.CircuitBreaker
	limits      RateLimits
	hub         *feed.Hub
	logger      *slog.Logger
}

// NewSender creates a sender.
func NewSender(store SenderStore, drivers channel.Registry, redisClient *redis.Client, limiter *dispatch.RateLimiter, breaker *dispatch.CircuitBreaker, limits RateLimits, hub *feed.Hub, logger *slog.Logger) *Sender {
	return &Sender{
		store:       store,
		drivers:     drivers,
		redisClient: redisClient,
		limiter:     limiter,
		breaker:     breaker,
		limits:      limits,
		hub:         hub,
		logger:      logger,
	}
}

// Send processes one due job. Errors are terminal for this (prospect,
// message) attempt and recorded on the delivery row; only deferrals (rate
// limit, open circuit, claim-layer failure) put the job back on the queue.
func (s *Sender) Send(ctx context.Context, job dispatch.SendJob) {
	log := s.logger.With(
		"enrollment_id", job.EnrollmentID,
		"prospect_id", job.ProspectID,
		"message_id", job.MessageID,
		"channel", job.Channel,
	)

	enrollment, err := s.store.GetEnrollment(ctx, job.EnrollmentID)
	if err != nil || enrollment == nil {
		log.Error("failed to load enrollment", "error", err)
		s.markAttempted(ctx, job, log)
		return
	}

	// Per-prospect ordering gate: every earlier slot of this enrollment
	// must have been attempted or skipped before this one runs. Two jobs
	// due in the same tick land on independent workers, so due times
	// cannot order them.
	if enrollment.AttemptedCount < job.Position {
		s.deferSend(ctx, job, time.Second, "awaiting earlier message", log)
		return
	}

	prospect, err := s.store.GetProspect(ctx, job.ProspectID)
	if err != nil || prospect == nil {
		log.Error("failed to load prospect", "error", err)
		s.markAttempted(ctx, job, log)
		return
	}

	// Consent re-check at send time. Opt-out between scheduling and now
	// means no delivery row at all.
	if prospect.ConsentState != domain.ConsentActive {
		log.Info("send skipped: prospect opted out")
		s.markAttempted(ctx, job, log)
		return
	}

	seq, err := s.store.GetSequence(ctx, job.SequenceID)
	if err != nil || seq == nil {
		log.Error("failed to load sequence", "error", err)
		s.markAttempted(ctx, job, log)
		return
	}

	// Segment is recomputed from current metrics, never frozen at
	// enrollment. The sequence's target segments gate participation.
	seg := segment.Classify(prospect.Metrics)
	if !seq.TargetsSegment(seg) {
		log.Info("send skipped: segment not targeted", "segment", seg)
		s.markAttempted(ctx, job, log)
		return
	}

	ch := domain.Channel(job.Channel)

	if !s.limiter.Allow(ctx, job.Channel, s.limits[ch]) {
		s.deferSend(ctx, job, time.Second, "rate limited", log)
		return
	}

	if state, ok := s.breaker.AllowRequest(ctx, job.Channel); !ok {
		s.deferSend(ctx, job, s.breaker.Cooldown(), "circuit "+state, log)
		return
	}

	// At-most-once: compare-and-insert the pending row. A concurrent tick
	// racing on the same due pair loses here and skips.
	delivery := &domain.Delivery{
		ID:           uuid.NewString(),
		ProspectID:   job.ProspectID,
		MessageID:    job.MessageID,
		EnrollmentID: job.EnrollmentID,
		Channel:      ch,
		Status:       domain.DeliveryPending,
	}
	claimed, err := s.store.ClaimDelivery(ctx, delivery)
	if err != nil {
		// Persistence failure on the claim is the one retryable error:
		// the next tick reconsiders the same pair.
		log.Error("delivery claim failed", "error", err)
		s.deferSend(ctx, job, time.Minute, "claim failure", log)
		return
	}
	if !claimed {
		log.Debug("send skipped: delivery already exists")
		s.markAttempted(ctx, job, log)
		return
	}

	msg, err := s.store.GetMessage(ctx, job.MessageID)
	if err != nil || msg == nil {
		s.fail(ctx, job, delivery, "message no longer exists", log)
		return
	}
	cfg, err := s.store.GetAgentConfig(ctx, seq.AgentConfigID)
	if err != nil || cfg == nil {
		s.fail(ctx, job, delivery, "agent config no longer exists", log)
		return
	}

	driver, err := s.drivers.For(ch)
	if err != nil {
		s.fail(ctx, job, delivery, err.Error(), log)
		return
	}

	values := render.Values(prospect, msg, cfg, seg)
	content := channel.Content{
		Subject:     render.Render(msg.SubjectLine, values),
		Body:        render.Render(msg.BodyContent, values),
		SenderName:  cfg.SenderName,
		SenderEmail: cfg.SenderEmail,
		SenderPhone: cfg.SenderPhone,
	}
	to := channel.Address{Email: prospect.Email, Phone: prospect.Phone}

	providerMessageID, err := driver.Send(ctx, to, content)
	if err != nil {
		s.breaker.RecordFailure(ctx, job.Channel)
		s.fail(ctx, job, delivery, err.Error(), log)
		return
	}
	s.breaker.RecordSuccess(ctx, job.Channel)

	if err := s.store.MarkDeliverySent(ctx, delivery.ID, providerMessageID); err != nil {
		log.Error("failed to mark delivery sent", "error", err, "delivery_id", delivery.ID)
	}
	s.markAttempted(ctx, job, log)

	log.Info("message sent",
		"delivery_id", delivery.ID,
		"provider_message_id", providerMessageID,
		"segment", seg,
	)

	s.hub.Broadcast(feed.Update{
		Type:       "delivery",
		DeliveryID: delivery.ID,
		ProspectID: job.ProspectID,
		MessageID:  job.MessageID,
		Channel:    ch,
		Status:     domain.DeliverySent,
		At:         time.Now().UTC(),
	})
}

// fail records a terminal send failure on the delivery row. There is no
// automatic retry of a failed send.
func (s *Sender) fail(ctx context.Context, job dispatch.SendJob, delivery *domain.Delivery, errMsg string, log *slog.Logger) {
	if err := s.store.MarkDeliveryFailed(ctx, delivery.ID, errMsg); err != nil {
		log.Error("failed to mark delivery failed", "error", err, "delivery_id", delivery.ID)
	}
	s.markAttempted(ctx, job, log)

	log.Warn("send failed", "delivery_id", delivery.ID, "error", errMsg)

	s.hub.Broadcast(feed.Update{
		Type:       "delivery",
		DeliveryID: delivery.ID,
		ProspectID: job.ProspectID,
		MessageID:  job.MessageID,
		Channel:    domain.Channel(job.Channel),
		Status:     domain.DeliveryFailed,
		Error:      errMsg,
		At:         time.Now().UTC(),
	})
}

// deferSend puts the job back on the queue for a later tick. The attempt
// counter is untouched — nothing was attempted yet.
func (s *Sender) deferSend(ctx context.Context, job dispatch.SendJob, wait time.Duration, reason string, log *slog.Logger) {
	if err := dispatch.Requeue(ctx, s.redisClient, job, time.Now().Add(wait)); err != nil {
		log.Error("failed to requeue deferred job", "error", err, "reason", reason)
		return
	}
	log.Debug("send deferred", "reason", reason, "wait", wait)
}

func (s *Sender) markAttempted(ctx context.Context, job dispatch.SendJob, log *slog.Logger) {
	if err := s.store.MarkEnrollmentAttempted(ctx, job.EnrollmentID); err != nil {
		log.Error("failed to mark enrollment attempted", "error", err)
	}
}
