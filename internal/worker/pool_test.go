package worker

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/funnelkit/followup-engine/internal/dispatch"
	"github.com/funnelkit/followup-engine/internal/domain"
)

func TestPool_RequeuesInFlightJobOnShutdown(t *testing.T) {
	store := newFakeSenderStore()
	store.prospect = activeProspect()

	driver := &fakeDriver{ch: domain.ChannelEmail}
	sender, client := setupSender(t, store, driver)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	pool := NewPool(1, sender, logger)

	// Cancel before the worker picks anything up. The job was already
	// claimed off the Redis queue by the dispatcher, so dropping it here
	// would lose it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Start(ctx)

	pool.Submit(testJob())
	pool.Stop()

	if driver.sends.Load() != 0 {
		t.Errorf("no provider call should happen after shutdown, got %d", driver.sends.Load())
	}
	depth, _ := client.ZCard(context.Background(), dispatch.SendQueueKey).Result()
	if depth != 1 {
		t.Errorf("undispatched job should be back on the queue, depth %d", depth)
	}
}
