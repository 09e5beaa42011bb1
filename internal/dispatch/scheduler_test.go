package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/funnelkit/followup-engine/internal/domain"
)

type fakeCatalog struct {
	sequence *domain.Sequence
	messages []domain.Message
	owner    string
}

func (f *fakeCatalog) GetSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	if f.sequence == nil || f.sequence.ID != id {
		return nil, nil
	}
	return f.sequence, nil
}

func (f *fakeCatalog) MessagesFor(ctx context.Context, sequenceID string) ([]domain.Message, error) {
	return f.messages, nil
}

func (f *fakeCatalog) OwnerOf(ctx context.Context, sequenceID string) (string, error) {
	return f.owner, nil
}

type fakeProspects struct {
	prospect *domain.Prospect
}

func (f *fakeProspects) GetProspect(ctx context.Context, id string) (*domain.Prospect, error) {
	if f.prospect == nil || f.prospect.ID != id {
		return nil, nil
	}
	return f.prospect, nil
}

type fakeEnrollments struct {
	created    *domain.Enrollment
	scheduling int
	completed  bool
}

func (f *fakeEnrollments) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	f.created = e
	return nil
}

func (f *fakeEnrollments) MarkEnrollmentScheduling(ctx context.Context, id string, scheduledCount int) error {
	f.scheduling = scheduledCount
	return nil
}

func (f *fakeEnrollments) CompleteEnrollment(ctx context.Context, id string) error {
	f.completed = true
	return nil
}

func setupScheduler(t *testing.T, catalog *fakeCatalog, prospects *fakeProspects, enrollments *fakeEnrollments) (*Scheduler, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewScheduler(catalog, prospects, enrollments, client, logger), client
}

func testMessage(id string, order, delayHours int) domain.Message {
	return domain.Message{
		ID:             id,
		SequenceID:     "seq-1",
		MessageOrder:   order,
		Channel:        domain.ChannelEmail,
		SendDelayHours: delayHours,
		BodyContent:    "hi {first_name}",
	}
}

func TestScheduler_Enroll_QueuesJobsInsideWindow(t *testing.T) {
	catalog := &fakeCatalog{
		sequence: &domain.Sequence{ID: "seq-1", AgentConfigID: "cfg-1", DeadlineHours: 72},
		owner:    "user-1",
		messages: []domain.Message{
			testMessage("msg-1", 1, 0),
			testMessage("msg-2", 2, 24),
			testMessage("msg-3", 3, 48),
		},
	}
	prospects := &fakeProspects{prospect: &domain.Prospect{ID: "p-1", ConsentState: domain.ConsentActive}}
	enrollments := &fakeEnrollments{}
	sched, client := setupScheduler(t, catalog, prospects, enrollments)

	result, err := sched.Enroll(context.Background(), "user-1", "p-1", "seq-1", time.Now())
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	if result.Scheduled != 3 {
		t.Errorf("expected 3 scheduled, got %d", result.Scheduled)
	}
	if result.Dropped != 0 {
		t.Errorf("expected 0 dropped, got %d", result.Dropped)
	}

	depth, err := client.ZCard(context.Background(), SendQueueKey).Result()
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if depth != 3 {
		t.Errorf("expected 3 queued jobs, got %d", depth)
	}
	if enrollments.scheduling != 3 {
		t.Errorf("expected scheduled_count 3, got %d", enrollments.scheduling)
	}
}

func TestScheduler_Enroll_DropsMessagesPastDeadline(t *testing.T) {
	// Deadline of 72 hours: the message at +24h fits, the one at +96h is
	// dropped, never delayed into the window.
	catalog := &fakeCatalog{
		sequence: &domain.Sequence{ID: "seq-1", AgentConfigID: "cfg-1", DeadlineHours: 72},
		owner:    "user-1",
		messages: []domain.Message{
			testMessage("msg-1", 1, 24),
			testMessage("msg-2", 2, 96),
		},
	}
	prospects := &fakeProspects{prospect: &domain.Prospect{ID: "p-1", ConsentState: domain.ConsentActive}}
	enrollments := &fakeEnrollments{}
	sched, client := setupScheduler(t, catalog, prospects, enrollments)

	result, err := sched.Enroll(context.Background(), "user-1", "p-1", "seq-1", time.Now())
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	if result.Scheduled != 1 {
		t.Errorf("expected 1 scheduled, got %d", result.Scheduled)
	}
	if result.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", result.Dropped)
	}

	members, err := client.ZRange(context.Background(), SendQueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(members))
	}

	var job SendJob
	if err := json.Unmarshal([]byte(members[0]), &job); err != nil {
		t.Fatalf("unmarshal queued job: %v", err)
	}
	if job.MessageID != "msg-1" {
		t.Errorf("expected msg-1 queued, got %s", job.MessageID)
	}
}

func TestScheduler_Enroll_TriggerDelayShiftsWindow(t *testing.T) {
	// trigger_delay 24h + deadline 48h: window ends at +72h, so the message
	// at +48h (72h absolute) still fits.
	catalog := &fakeCatalog{
		sequence: &domain.Sequence{ID: "seq-1", AgentConfigID: "cfg-1", TriggerDelayHours: 24, DeadlineHours: 48},
		owner:    "user-1",
		messages: []domain.Message{testMessage("msg-1", 1, 48)},
	}
	prospects := &fakeProspects{prospect: &domain.Prospect{ID: "p-1", ConsentState: domain.ConsentActive}}
	enrollments := &fakeEnrollments{}
	sched, _ := setupScheduler(t, catalog, prospects, enrollments)

	trigger := time.Now()
	result, err := sched.Enroll(context.Background(), "user-1", "p-1", "seq-1", trigger)
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	if result.Scheduled != 1 {
		t.Errorf("expected 1 scheduled, got %d", result.Scheduled)
	}
	wantEnd := trigger.Add(72 * time.Hour)
	if !result.WindowEnd.Equal(wantEnd) {
		t.Errorf("expected window end %v, got %v", wantEnd, result.WindowEnd)
	}
}

func TestScheduler_Enroll_NothingInWindow_CompletesImmediately(t *testing.T) {
	catalog := &fakeCatalog{
		sequence: &domain.Sequence{ID: "seq-1", AgentConfigID: "cfg-1", DeadlineHours: 24},
		owner:    "user-1",
		messages: []domain.Message{testMessage("msg-1", 1, 48)},
	}
	prospects := &fakeProspects{prospect: &domain.Prospect{ID: "p-1", ConsentState: domain.ConsentActive}}
	enrollments := &fakeEnrollments{}
	sched, client := setupScheduler(t, catalog, prospects, enrollments)

	result, err := sched.Enroll(context.Background(), "user-1", "p-1", "seq-1", time.Now())
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	if result.Scheduled != 0 || result.Dropped != 1 {
		t.Errorf("expected 0 scheduled / 1 dropped, got %d / %d", result.Scheduled, result.Dropped)
	}
	if !enrollments.completed {
		t.Error("enrollment with no schedulable messages should complete immediately")
	}

	depth, _ := client.ZCard(context.Background(), SendQueueKey).Result()
	if depth != 0 {
		t.Errorf("expected empty queue, got %d", depth)
	}
}

func TestScheduler_Enroll_RejectsWrongOwner(t *testing.T) {
	catalog := &fakeCatalog{
		sequence: &domain.Sequence{ID: "seq-1", AgentConfigID: "cfg-1", DeadlineHours: 72},
		owner:    "user-1",
	}
	prospects := &fakeProspects{prospect: &domain.Prospect{ID: "p-1"}}
	enrollments := &fakeEnrollments{}
	sched, _ := setupScheduler(t, catalog, prospects, enrollments)

	_, err := sched.Enroll(context.Background(), "user-2", "p-1", "seq-1", time.Now())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if enrollments.created != nil {
		t.Error("no enrollment should be created for an unauthorized actor")
	}
}

func TestScheduler_Enroll_UnknownSequence(t *testing.T) {
	sched, _ := setupScheduler(t, &fakeCatalog{}, &fakeProspects{}, &fakeEnrollments{})

	_, err := sched.Enroll(context.Background(), "user-1", "p-1", "missing", time.Now())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildSchedule_MonotonicClamp(t *testing.T) {
	// Message 2 is configured earlier than message 1. Its scheduled time is
	// clamped to just after message 1 so per-prospect order holds.
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	windowEnd := start.Add(72 * time.Hour)
	messages := []domain.Message{
		testMessage("msg-1", 1, 24),
		testMessage("msg-2", 2, 1),
	}

	jobs, dropped := buildSchedule("e-1", "p-1", "seq-1", messages, start, windowEnd)

	if dropped != 0 {
		t.Fatalf("expected 0 dropped, got %d", dropped)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if !jobs[1].ScheduledAt.After(jobs[0].ScheduledAt) {
		t.Errorf("message 2 at %v should be after message 1 at %v", jobs[1].ScheduledAt, jobs[0].ScheduledAt)
	}
	if jobs[0].Position != 0 || jobs[1].Position != 1 {
		t.Errorf("expected positions 0,1, got %d,%d", jobs[0].Position, jobs[1].Position)
	}
}

func TestBuildSchedule_DroppedSlotsSkipNoPosition(t *testing.T) {
	// A slot dropped past the deadline consumes no position: the sender's
	// ordering gate compares positions against attempted counts, and a
	// dropped slot is never attempted.
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	windowEnd := start.Add(30 * time.Hour)
	messages := []domain.Message{
		testMessage("msg-1", 1, 1),
		testMessage("msg-2", 2, 48), // past the window
		testMessage("msg-3", 3, 24),
	}

	jobs, dropped := buildSchedule("e-1", "p-1", "seq-1", messages, start, windowEnd)

	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Position != 0 || jobs[1].Position != 1 {
		t.Errorf("expected contiguous positions 0,1, got %d,%d", jobs[0].Position, jobs[1].Position)
	}
}

func TestBuildSchedule_ClampNeverExtendsWindow(t *testing.T) {
	// Message 1 lands exactly at the window end; clamping message 2 past it
	// must drop it, not stretch the deadline.
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	windowEnd := start.Add(24 * time.Hour)
	messages := []domain.Message{
		testMessage("msg-1", 1, 24),
		testMessage("msg-2", 2, 1),
	}

	jobs, dropped := buildSchedule("e-1", "p-1", "seq-1", messages, start, windowEnd)

	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", dropped)
	}
	if jobs[0].MessageID != "msg-1" {
		t.Errorf("expected msg-1 kept, got %s", jobs[0].MessageID)
	}
}

func TestBuildSchedule_PicksOneVariantPerSlot(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	windowEnd := start.Add(72 * time.Hour)

	a := testMessage("msg-1a", 1, 0)
	a.ABTestVariant = "a"
	b := testMessage("msg-1b", 1, 0)
	b.ABTestVariant = "b"

	jobs, _ := buildSchedule("e-1", "p-1", "seq-1", []domain.Message{a, b, testMessage("msg-2", 2, 24)}, start, windowEnd)

	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs (one per slot), got %d", len(jobs))
	}
	if jobs[0].MessageID != "msg-1a" && jobs[0].MessageID != "msg-1b" {
		t.Errorf("slot 1 should queue one of the variants, got %s", jobs[0].MessageID)
	}
	if jobs[1].MessageID != "msg-2" {
		t.Errorf("slot 2 should queue msg-2, got %s", jobs[1].MessageID)
	}
}

func TestPickVariant_WeightedPick(t *testing.T) {
	a := testMessage("msg-a", 1, 0)
	a.VariantWeight = 70
	b := testMessage("msg-b", 1, 0)
	b.VariantWeight = 30

	variants := []domain.Message{a, b}

	// Deterministic rolls: anything under 70 picks a, 70+ picks b.
	if got := pickVariant(variants, func(int) int { return 0 }); got.ID != "msg-a" {
		t.Errorf("roll 0 should pick msg-a, got %s", got.ID)
	}
	if got := pickVariant(variants, func(int) int { return 69 }); got.ID != "msg-a" {
		t.Errorf("roll 69 should pick msg-a, got %s", got.ID)
	}
	if got := pickVariant(variants, func(int) int { return 70 }); got.ID != "msg-b" {
		t.Errorf("roll 70 should pick msg-b, got %s", got.ID)
	}
}

func TestPickVariant_UnweightedFallsBackToUniform(t *testing.T) {
	a := testMessage("msg-a", 1, 0)
	b := testMessage("msg-b", 1, 0)

	got := pickVariant([]domain.Message{a, b}, func(n int) int {
		if n != 2 {
			t.Errorf("expected uniform pick over 2 variants, got n=%d", n)
		}
		return 1
	})
	if got.ID != "msg-b" {
		t.Errorf("expected msg-b, got %s", got.ID)
	}
}

func TestRequeue_SetsLaterDueTime(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	job := SendJob{EnrollmentID: "e-1", ProspectID: "p-1", MessageID: "msg-1", Channel: "email"}
	due := time.Now().Add(30 * time.Second)

	if err := Requeue(context.Background(), client, job, due); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	results, err := client.ZRangeWithScores(context.Background(), SendQueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(results))
	}
	if int64(results[0].Score) != due.UnixMicro() {
		t.Errorf("expected score %d, got %d", due.UnixMicro(), int64(results[0].Score))
	}
}
