package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/funnelkit/followup-engine/internal/api"
	"github.com/funnelkit/followup-engine/internal/channel"
	"github.com/funnelkit/followup-engine/internal/config"
	"github.com/funnelkit/followup-engine/internal/dispatch"
	"github.com/funnelkit/followup-engine/internal/domain"
	"github.com/funnelkit/followup-engine/internal/feed"
	"github.com/funnelkit/followup-engine/internal/reconcile"
	"github.com/funnelkit/followup-engine/internal/store"
	"github.com/funnelkit/followup-engine/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Live delivery feed
	hub := feed.NewHub(logger)
	go hub.Run()

	// Channel drivers
	drivers := channel.NewRegistry(
		channel.NewEmailDriver(cfg.EmailProviderURL, cfg.EmailAPIKey, logger),
		channel.NewSMSDriver(cfg.SMSProviderURL, cfg.SMSAPIKey, logger),
	)

	// Scheduling and send machinery
	limiter := dispatch.NewRateLimiter(redisStore.Client(), logger)
	breaker := dispatch.NewCircuitBreaker(redisStore.Client(), logger)
	scheduler := dispatch.NewScheduler(pgStore, pgStore, pgStore, redisStore.Client(), logger)

	limits := worker.RateLimits{
		domain.ChannelEmail: cfg.EmailRatePerSecond,
		domain.ChannelSMS:   cfg.SMSRatePerSecond,
	}
	sender := worker.NewSender(pgStore, drivers, redisStore.Client(), limiter, breaker, limits, hub, logger)
	pool := worker.NewPool(cfg.NumWorkers, sender, logger)
	dispatcher := worker.NewDispatcher(redisStore.Client(), pool, pgStore, cfg.DispatchInterval, logger)

	// Webhook reconciliation
	secrets := reconcile.Secrets{
		domain.ChannelEmail: cfg.EmailWebhookSecret,
		domain.ChannelSMS:   cfg.SMSWebhookSecret,
	}
	reconciler := reconcile.NewReconciler(pgStore, drivers, secrets, reconcile.CancelScope(cfg.OptOutCancelScope), hub, logger)

	router := api.NewRouter(pgStore, scheduler, reconciler, breaker, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pool.Start(gctx)
		dispatcher.Start(gctx)
		pool.Stop()
		return nil
	})

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
