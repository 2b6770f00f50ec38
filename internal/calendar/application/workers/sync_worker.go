// Package workers contains background workers for the calendar context.
package workers

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// DefaultSweepInterval is the default interval between scheduling sweeps.
const DefaultSweepInterval = 5 * time.Minute

// SyncWorkerConfig configures the background sync worker.
type SyncWorkerConfig struct {
	// Interval is how often the worker sweeps for stale connections.
	Interval time.Duration
	// StaleAfter is how old a connection's last sync must be before the
	// worker reschedules it.
	StaleAfter time.Duration
	// MaxSyncErrors excludes connections that keep failing.
	MaxSyncErrors int
	// BatchSize bounds how many connections one sweep schedules.
	BatchSize int
}

// DefaultSyncWorkerConfig returns the default configuration.
func DefaultSyncWorkerConfig() SyncWorkerConfig {
	return SyncWorkerConfig{
		Interval:      DefaultSweepInterval,
		StaleAfter:    DefaultSweepInterval,
		MaxSyncErrors: 5,
		BatchSize:     50,
	}
}

// SyncWorker periodically finds connections whose last sync is stale and
// enqueues them. The queue enforces per-connection exclusivity, so a sweep
// overlapping an in-flight run is harmless.
type SyncWorker struct {
	connections domain.ConnectionRepository
	scheduler   application.SyncScheduler
	config      SyncWorkerConfig
	logger      *slog.Logger
	running     atomic.Bool
	stopCh      chan struct{}
}

func NewSyncWorker(
	connections domain.ConnectionRepository,
	scheduler application.SyncScheduler,
	config SyncWorkerConfig,
	logger *slog.Logger,
) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncWorker{
		connections: connections,
		scheduler:   scheduler,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Run starts the worker and blocks until the context is cancelled or Stop is
// called.
func (w *SyncWorker) Run(ctx context.Context) error {
	w.running.Store(true)
	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"batch_size", w.config.BatchSize,
	)

	// Sweep immediately on start.
	w.sweep(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.running.Store(false)
			w.logger.Info("sync worker stopped (context cancelled)")
			return ctx.Err()
		case <-w.stopCh:
			w.running.Store(false)
			w.logger.Info("sync worker stopped (stop signal)")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals the worker to stop gracefully.
func (w *SyncWorker) Stop() {
	if w.running.Load() {
		close(w.stopCh)
	}
}

// IsRunning returns true if the worker is currently running.
func (w *SyncWorker) IsRunning() bool {
	return w.running.Load()
}

func (w *SyncWorker) sweep(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-w.config.StaleAfter)
	pending, err := w.connections.FindPendingSync(ctx, olderThan, w.config.MaxSyncErrors, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to find connections pending sync", "error", err)
		return
	}
	if len(pending) == 0 {
		w.logger.Debug("no connections need syncing")
		return
	}

	scheduled, dropped := 0, 0
	for _, conn := range pending {
		if ctx.Err() != nil {
			return
		}
		if w.scheduler.Submit(conn.ID(), application.SyncOptions{}) {
			scheduled++
		} else {
			dropped++
		}
	}

	w.logger.Info("sync sweep completed",
		"scheduled", scheduled,
		"dropped", dropped,
	)
	if dropped > 0 {
		w.logger.Warn("sync queue full, some connections not scheduled",
			"dropped", dropped)
	}
}
