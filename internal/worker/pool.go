package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/funnelkit/followup-engine/internal/dispatch"
)

// Pool manages a fixed number of worker goroutines that process send jobs.
// Sends are independent outbound provider calls, so they run concurrently;
// per-prospect ordering is enforced by the sender's position gate, not by
// the pool.
type Pool struct {
	numWorkers int
	jobs       chan dispatch.SendJob
	sender     *Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, sender *Sender, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan dispatch.SendJob, numWorkers*2),
		sender:     sender,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a job to the worker pool.
func (p *Pool) Submit(job dispatch.SendJob) {
	p.jobs <- job
}

// Stop closes the jobs channel and waits for all workers to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			// Shutdown raced the dequeue. The job was already claimed off
			// the Redis queue, so put it back rather than drop it.
			p.requeue(job)
		default:
			p.sender.Send(ctx, job)
		}
	}
}

// requeue returns an unprocessed job to the send queue during shutdown.
// The worker context is already cancelled, so the Redis call gets its own
// short deadline.
func (p *Pool) requeue(job dispatch.SendJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := dispatch.Requeue(ctx, p.sender.redisClient, job, time.Now()); err != nil {
		p.logger.Error("failed to requeue job on shutdown",
			"error", err,
			"enrollment_id", job.EnrollmentID,
			"message_id", job.MessageID,
		)
	}
}
