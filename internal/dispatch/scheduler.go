// Package dispatch is the scheduling core: it turns an enrollment into
// timed send jobs inside the sequence's deadline window and feeds due jobs
// to the worker pool.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// CatalogStore is the read side of the sequence/message catalog.
type CatalogStore interface {
	GetSequence(ctx context.Context, id string) (*domain.Sequence, error)
	MessagesFor(ctx context.Context, sequenceID string) ([]domain.Message, error)
	OwnerOf(ctx context.Context, sequenceID string) (string, error)
}

// ProspectStore is the prospect lookup the scheduler needs.
type ProspectStore interface {
	GetProspect(ctx context.Context, id string) (*domain.Prospect, error)
}

// EnrollmentStore persists enrollment state transitions.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error
	MarkEnrollmentScheduling(ctx context.Context, id string, scheduledCount int) error
	CompleteEnrollment(ctx context.Context, id string) error
}

// Scheduler enrolls prospects into sequences and queues their send jobs.
type Scheduler struct {
	catalog     CatalogStore
	prospects   ProspectStore
	enrollments EnrollmentStore
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(catalog CatalogStore, prospects ProspectStore, enrollments EnrollmentStore, redisClient *redis.Client, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		catalog:     catalog,
		prospects:   prospects,
		enrollments: enrollments,
		redisClient: redisClient,
		logger:      logger,
	}
}

// EnrollResult summarizes one enrollment: how many messages were queued
// and how many fell past the deadline window.
type EnrollResult struct {
	EnrollmentID string    `json:"enrollment_id"`
	WindowEnd    time.Time `json:"window_end"`
	Scheduled    int       `json:"scheduled"`
	Dropped      int       `json:"dropped"`
}

// Enroll computes the (message, scheduled time) pairs for one prospect and
// sequence, drops everything past the deadline window, and queues the rest.
//
// The deadline is a hard cap: a message whose send time lands past
// trigger + trigger_delay + deadline is never sent, not delayed.
func (s *Scheduler) Enroll(ctx context.Context, actorUserID, prospectID, sequenceID string, triggerTime time.Time) (*EnrollResult, error) {
	seq, err := s.catalog.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("loading sequence: %w", err)
	}
	if seq == nil {
		return nil, fmt.Errorf("%w: sequence %s", domain.ErrNotFound, sequenceID)
	}

	owner, err := s.catalog.OwnerOf(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("resolving sequence owner: %w", err)
	}
	if owner != actorUserID {
		return nil, fmt.Errorf("%w: sequence %s", domain.ErrUnauthorized, sequenceID)
	}

	prospect, err := s.prospects.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, fmt.Errorf("loading prospect: %w", err)
	}
	if prospect == nil {
		return nil, fmt.Errorf("%w: prospect %s", domain.ErrNotFound, prospectID)
	}

	messages, err := s.catalog.MessagesFor(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	start := triggerTime.Add(time.Duration(seq.TriggerDelayHours) * time.Hour)
	windowEnd := start.Add(time.Duration(seq.DeadlineHours) * time.Hour)

	enrollment := &domain.Enrollment{
		ID:          uuid.NewString(),
		ProspectID:  prospectID,
		SequenceID:  sequenceID,
		TriggerTime: triggerTime,
		WindowEnd:   windowEnd,
		Status:      domain.EnrollmentEnrolled,
	}
	if err := s.enrollments.CreateEnrollment(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("creating enrollment: %w", err)
	}

	jobs, dropped := buildSchedule(enrollment.ID, prospectID, sequenceID, messages, start, windowEnd)

	if len(jobs) > 0 {
		pipe := s.redisClient.Pipeline()
		for _, job := range jobs {
			raw, err := json.Marshal(job)
			if err != nil {
				return nil, fmt.Errorf("marshaling job: %w", err)
			}
			pipe.ZAdd(ctx, SendQueueKey, redis.Z{
				Score:  float64(job.ScheduledAt.UnixMicro()),
				Member: string(raw),
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queuing send jobs: %w", err)
		}
	}

	if len(jobs) == 0 {
		// Nothing inside the window: the enrollment is done before it starts.
		if err := s.enrollments.CompleteEnrollment(ctx, enrollment.ID); err != nil {
			return nil, fmt.Errorf("completing empty enrollment: %w", err)
		}
	} else if err := s.enrollments.MarkEnrollmentScheduling(ctx, enrollment.ID, len(jobs)); err != nil {
		return nil, fmt.Errorf("marking enrollment scheduling: %w", err)
	}

	s.logger.Info("prospect enrolled",
		"enrollment_id", enrollment.ID,
		"prospect_id", prospectID,
		"sequence_id", sequenceID,
		"scheduled", len(jobs),
		"dropped", dropped,
		"window_end", windowEnd,
	)

	return &EnrollResult{
		EnrollmentID: enrollment.ID,
		WindowEnd:    windowEnd,
		Scheduled:    len(jobs),
		Dropped:      dropped,
	}, nil
}

// buildSchedule computes the queued jobs for an enrollment. Messages
// sharing a message_order are A/B variants of one slot; one is picked by
// weight. Scheduled times are clamped monotonically non-decreasing in
// message_order so jobs come due in slot order; the clamp never stretches
// the deadline window. Each queued job carries its position so the sender
// can hold it until every earlier slot has been attempted — due times
// alone cannot order jobs that land on concurrent workers.
func buildSchedule(enrollmentID, prospectID, sequenceID string, messages []domain.Message, start, windowEnd time.Time) ([]SendJob, int) {
	slots := groupVariants(messages)

	var jobs []SendJob
	dropped := 0
	var prev time.Time

	for _, variants := range slots {
		msg := pickVariant(variants, rand.Intn)

		scheduledAt := start.Add(time.Duration(msg.SendDelayHours) * time.Hour)
		if !prev.IsZero() && scheduledAt.Before(prev) {
			scheduledAt = prev.Add(time.Second)
		}
		if scheduledAt.After(windowEnd) {
			dropped++
			continue
		}
		prev = scheduledAt

		jobs = append(jobs, SendJob{
			EnrollmentID: enrollmentID,
			ProspectID:   prospectID,
			SequenceID:   sequenceID,
			MessageID:    msg.ID,
			MessageOrder: msg.MessageOrder,
			Position:     len(jobs),
			Channel:      string(msg.Channel),
			ScheduledAt:  scheduledAt,
		})
	}

	return jobs, dropped
}

// groupVariants buckets messages by message_order, preserving the
// catalog's ascending order.
func groupVariants(messages []domain.Message) [][]domain.Message {
	var slots [][]domain.Message
	for _, m := range messages {
		if n := len(slots); n > 0 && slots[n-1][0].MessageOrder == m.MessageOrder {
			slots[n-1] = append(slots[n-1], m)
			continue
		}
		slots = append(slots, []domain.Message{m})
	}
	return slots
}

// pickVariant picks one message from a slot by variant_weight, uniformly
// when no variant carries a weight.
func pickVariant(variants []domain.Message, intn func(int) int) domain.Message {
	if len(variants) == 1 {
		return variants[0]
	}

	total := 0
	for _, v := range variants {
		total += v.VariantWeight
	}
	if total <= 0 {
		return variants[intn(len(variants))]
	}

	roll := intn(total)
	for _, v := range variants {
		roll -= v.VariantWeight
		if roll < 0 {
			return v
		}
	}
	return variants[len(variants)-1]
}

// QueueDepth returns the number of jobs waiting in the send queue.
func (s *Scheduler) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := s.redisClient.ZCard(ctx, SendQueueKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return depth, nil
}

// Requeue puts a job back on the queue at a later due time. Used when a
// send is deferred (rate limit, open circuit, transient claim failure) —
// never after a failed send.
func Requeue(ctx context.Context, client *redis.Client, job SendJob, due time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := client.ZAdd(ctx, SendQueueKey, redis.Z{
		Score:  float64(due.UnixMicro()),
		Member: string(raw),
	}).Err(); err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}
	return nil
}
