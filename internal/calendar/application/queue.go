package application

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type syncTask struct {
	connectionID uuid.UUID
	opts         SyncOptions
}

// SyncQueue runs sync tasks on a bounded number of workers. Submit never
// blocks; when the buffer is full the task is dropped and the caller decides
// whether to reschedule.
type SyncQueue struct {
	service *SyncService
	tasks   chan syncTask
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSyncQueue(service *SyncService, workers, buffer int, logger *slog.Logger) *SyncQueue {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncQueue{
		service: service,
		tasks:   make(chan syncTask, buffer),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (q *SyncQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.logger.Info("sync queue started", "workers", q.workers, "buffer", cap(q.tasks))
}

// Stop cancels the workers and waits for in-flight runs to finish.
func (q *SyncQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("sync queue stopped")
}

// Submit enqueues a sync task. It returns false when the queue is full.
func (q *SyncQueue) Submit(connectionID uuid.UUID, opts SyncOptions) bool {
	select {
	case q.tasks <- syncTask{connectionID: connectionID, opts: opts}:
		return true
	default:
		return false
	}
}

func (q *SyncQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			stats, err := q.service.Sync(ctx, task.connectionID, task.opts)
			switch {
			case err != nil:
				q.logger.Error("background sync failed",
					"connection_id", task.connectionID, "error", err)
			case stats.AlreadyRunning:
				q.logger.Debug("background sync skipped, already running",
					"connection_id", task.connectionID)
			}
		}
	}
}
