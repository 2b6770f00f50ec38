// The worker runs the background side of calendar synchronization: the
// periodic sync sweep, the outbox processor, and housekeeping cron jobs.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felixgeelhaar/calsync/internal/app"
	"github.com/felixgeelhaar/calsync/pkg/config"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerForEnv(cfg.AppEnv, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting calsync worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	container.Queue.Start(ctx)

	if err := container.OutboxProcessor.Start(ctx); err != nil {
		logger.Error("failed to start outbox processor", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := container.SyncWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sync worker stopped", "error", err)
		}
	}()

	jobs := startCronJobs(ctx, container, logger)
	defer jobs.Stop()

	healthSrv := startHealthServer(container, logger)

	<-ctx.Done()
	logger.Info("shutting down worker")

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown error", "error", err)
		}
	}

	container.SyncWorker.Stop()
	container.OutboxProcessor.Stop()
	logger.Info("worker stopped")
}

// startCronJobs schedules the housekeeping sweeps: expired OAuth states,
// retention of soft-deleted connections, and published outbox messages.
func startCronJobs(ctx context.Context, container *app.Container, logger *slog.Logger) *cron.Cron {
	cfg := container.Config
	jobs := cron.New()

	jobs.Schedule(cron.Every(10*time.Minute), cron.FuncJob(func() {
		purged, err := container.States.PurgeExpired(ctx)
		if err != nil {
			logger.Error("oauth state purge failed", "error", err)
			return
		}
		if purged > 0 {
			logger.Info("purged expired oauth states", "count", purged)
		}
	}))

	jobs.Schedule(cron.Every(24*time.Hour), cron.FuncJob(func() {
		cutoff := time.Now().UTC().Add(-cfg.DisconnectedRetention)
		deleted, err := container.ConnectionRepo.DeleteDisconnectedBefore(ctx, cutoff)
		if err != nil {
			logger.Error("connection retention purge failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("purged disconnected connections",
				"count", deleted, "cutoff", cutoff)
		}
	}))

	jobs.Schedule(cron.Every(cfg.OutboxCleanupInterval), cron.FuncJob(func() {
		deleted, err := container.OutboxRepo.DeleteOld(ctx, cfg.OutboxRetentionDays)
		if err != nil {
			logger.Error("outbox cleanup failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("outbox cleanup completed",
				"deleted", deleted, "retention_days", cfg.OutboxRetentionDays)
		}
	}))

	jobs.Start()
	return jobs
}

// startHealthServer exposes health and metrics for the worker process.
func startHealthServer(container *app.Container, logger *slog.Logger) *http.Server {
	addr := container.Config.WorkerHealthAddr
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", container.Health.Handler())
	mux.Handle("GET /metrics", container.Metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker health server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	return srv
}
