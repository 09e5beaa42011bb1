package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/funnelkit/followup-engine/internal/dispatch"
)

// StaleDeliveryStore fails pending deliveries that outlived a tick.
type StaleDeliveryStore interface {
	FailStalePendingDeliveries(ctx context.Context, olderThan time.Time) (int64, error)
}

// Dispatcher runs the periodic dispatch tick: it claims due send jobs from
// the Redis queue and hands them to the worker pool, then sweeps pending
// deliveries left behind by a crashed worker.
type Dispatcher struct {
	redisClient  *redis.Client
	pool         *Pool
	deliveries   StaleDeliveryStore
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

// NewDispatcher creates a dispatcher polling at the given interval.
func NewDispatcher(redisClient *redis.Client, pool *Pool, deliveries StaleDeliveryStore, pollInterval time.Duration, logger *slog.Logger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Dispatcher{
		redisClient:  redisClient,
		pool:         pool,
		deliveries:   deliveries,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    100,
	}
}

// Start begins the tick loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
			d.sweepStalePending(ctx)
		}
	}
}

// poll fetches due jobs (score <= now) and sends them to workers.
func (d *Dispatcher) poll(ctx context.Context) {
	now := float64(time.Now().UnixMicro())

	results, err := d.redisClient.ZRangeByScoreWithScores(ctx, dispatch.SendQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatFloat(now),
		Count: d.batchSize,
	}).Result()
	if err != nil {
		d.logger.Error("failed to poll send queue", "error", err)
		return
	}

	for _, z := range results {
		member := z.Member.(string)

		// Claim by removal — if another instance already took it, ZRem
		// returns 0 and we move on.
		removed, err := d.redisClient.ZRem(ctx, dispatch.SendQueueKey, member).Result()
		if err != nil {
			d.logger.Error("failed to claim job", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var job dispatch.SendJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			d.logger.Error("failed to unmarshal job", "error", err)
			continue
		}

		d.pool.Submit(job)
	}
}

// sweepStalePending fails pending deliveries older than one tick. A
// pending row only exists between claim and send; anything older means the
// worker died mid-send and the row must not linger.
func (d *Dispatcher) sweepStalePending(ctx context.Context) {
	cutoff := time.Now().Add(-d.pollInterval)
	swept, err := d.deliveries.FailStalePendingDeliveries(ctx, cutoff)
	if err != nil {
		d.logger.Error("failed to sweep stale pending deliveries", "error", err)
		return
	}
	if swept > 0 {
		d.logger.Warn("swept stale pending deliveries", "count", swept)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
