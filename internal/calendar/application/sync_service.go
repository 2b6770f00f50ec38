package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// SyncConfig controls the sync window and retry behavior.
type SyncConfig struct {
	// PastWindow and FutureWindow bound full syncs around the current time.
	PastWindow   time.Duration
	FutureWindow time.Duration
	// RunTimeout bounds a single sync run.
	RunTimeout time.Duration
	// MaxAttempts is the number of tries for a provider list call that fails
	// transiently. RetryBaseDelay doubles after each failed attempt.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// MaxSyncErrors is the consecutive-failure count after which the
	// background worker stops scheduling a connection.
	MaxSyncErrors int
}

// DefaultSyncConfig returns the standard sync settings: a window of 30 days
// back and 365 days ahead, a 60 second run timeout, and 3 attempts.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PastWindow:     30 * 24 * time.Hour,
		FutureWindow:   365 * 24 * time.Hour,
		RunTimeout:     60 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		MaxSyncErrors:  5,
	}
}

// SyncStats summarizes the outcome of one sync run.
type SyncStats struct {
	Created int
	Updated int
	Deleted int
	// Errors holds per-event validation failures. The run continues past them.
	Errors []string
	// ReauthRequired is set when the connection needs user reauthorization.
	// The run ends without touching events.
	ReauthRequired bool
	// AlreadyRunning is set when another run holds the connection lock.
	AlreadyRunning bool
	// FullSync reports whether the run enumerated the whole window rather
	// than consuming an incremental cursor.
	FullSync bool
}

// SyncOptions modifies a single run.
type SyncOptions struct {
	// ForceFull discards the stored cursor and re-enumerates the window.
	ForceFull bool
}

// SyncMetrics records sync outcomes. Implementations must be safe for
// concurrent use.
type SyncMetrics interface {
	RecordSyncRun(provider, outcome string, duration time.Duration)
	RecordSyncedEvents(action string, count int)
}

// NoopSyncMetrics discards all measurements.
type NoopSyncMetrics struct{}

func (NoopSyncMetrics) RecordSyncRun(string, string, time.Duration) {}
func (NoopSyncMetrics) RecordSyncedEvents(string, int)              {}

// SyncService coordinates incremental event synchronization for calendar
// connections. Runs for the same connection are mutually exclusive; event
// reconciliation is idempotent, so a rerun after a mid-run crash converges
// to the same state.
type SyncService struct {
	connections domain.ConnectionRepository
	events      domain.EventRepository
	registry    *ProviderRegistry
	tokens      *TokenService
	locker      ConnectionLocker
	outboxRepo  outbox.Repository
	config      SyncConfig
	metrics     SyncMetrics
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSyncService(
	connections domain.ConnectionRepository,
	events domain.EventRepository,
	registry *ProviderRegistry,
	tokens *TokenService,
	locker ConnectionLocker,
	outboxRepo outbox.Repository,
	config SyncConfig,
	metrics SyncMetrics,
	logger *slog.Logger,
) *SyncService {
	if metrics == nil {
		metrics = NoopSyncMetrics{}
	}
	return &SyncService{
		connections: connections,
		events:      events,
		registry:    registry,
		tokens:      tokens,
		locker:      locker,
		outboxRepo:  outboxRepo,
		config:      config,
		metrics:     metrics,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Sync runs one synchronization for the connection. The returned stats are
// meaningful whenever the error is nil, including the ReauthRequired and
// AlreadyRunning outcomes.
func (s *SyncService) Sync(ctx context.Context, connectionID uuid.UUID, opts SyncOptions) (*SyncStats, error) {
	conn, err := s.connections.FindByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil || conn.IsDeleted() {
		return nil, ErrConnectionNotFound
	}

	acquired, err := s.locker.TryLock(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return &SyncStats{AlreadyRunning: true}, nil
	}
	defer func() {
		if unlockErr := s.locker.Unlock(context.WithoutCancel(ctx), connectionID); unlockErr != nil {
			s.logger.Error("failed to release sync lock",
				"connection_id", connectionID, "error", unlockErr)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	started := time.Now()
	stats, err := s.run(runCtx, conn, opts)
	elapsed := time.Since(started)

	switch {
	case err != nil:
		conn.MarkSyncFailed(err.Error())
		if saveErr := s.connections.Save(context.WithoutCancel(ctx), conn); saveErr != nil {
			s.logger.Error("failed to record sync failure",
				"connection_id", connectionID, "error", saveErr)
		}
		s.metrics.RecordSyncRun(conn.Provider().String(), "error", elapsed)
		s.logger.Error("sync run failed",
			"connection_id", connectionID,
			"provider", conn.Provider(),
			"duration", elapsed,
			"error", err)
		return nil, err
	case stats.ReauthRequired:
		s.metrics.RecordSyncRun(conn.Provider().String(), "reauth_required", elapsed)
		return stats, nil
	default:
		s.metrics.RecordSyncRun(conn.Provider().String(), "success", elapsed)
		s.metrics.RecordSyncedEvents("created", stats.Created)
		s.metrics.RecordSyncedEvents("updated", stats.Updated)
		s.metrics.RecordSyncedEvents("deleted", stats.Deleted)
		s.logger.Info("sync run complete",
			"connection_id", connectionID,
			"provider", conn.Provider(),
			"full_sync", stats.FullSync,
			"created", stats.Created,
			"updated", stats.Updated,
			"deleted", stats.Deleted,
			"failed", len(stats.Errors),
			"duration", elapsed)
		return stats, nil
	}
}

func (s *SyncService) run(ctx context.Context, conn *domain.Connection, opts SyncOptions) (*SyncStats, error) {
	stats := &SyncStats{}

	accessToken, err := s.tokens.EnsureAccessToken(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrReauthenticationRequired) {
			stats.ReauthRequired = true
			return stats, nil
		}
		return nil, err
	}

	provider, err := s.registry.Get(conn.Provider())
	if err != nil {
		return nil, err
	}

	if opts.ForceFull {
		conn.ClearSyncCursor()
	}

	// The same window bounds both the provider query and the absence sweep.
	from, to := s.window(time.Now().UTC())

	page, fullSync, err := s.listEvents(ctx, provider, conn, accessToken, from, to)
	if err != nil {
		var authErr *AuthorizationError
		if errors.As(err, &authErr) {
			// The provider rejected a token the store still considered
			// valid. Refresh once and retry before giving up.
			accessToken, err = s.tokens.ForceRefresh(ctx, conn)
			if err != nil {
				if errors.Is(err, ErrReauthenticationRequired) {
					stats.ReauthRequired = true
					return stats, nil
				}
				return nil, err
			}
			page, fullSync, err = s.listEvents(ctx, provider, conn, accessToken, from, to)
		}
		if err != nil {
			return nil, err
		}
	}
	stats.FullSync = fullSync

	seen := make(map[string]struct{}, len(page.Events))
	for _, remote := range page.Events {
		seen[remote.ID] = struct{}{}
		if err := s.reconcile(ctx, conn.ID(), remote, stats); err != nil {
			return nil, err
		}
	}

	if fullSync {
		// Events in the window that the provider no longer returns were
		// deleted remotely. Incremental responses carry explicit deletion
		// markers instead, so absence only counts on a full enumeration.
		if err := s.deleteAbsent(ctx, conn.ID(), from, to, seen, stats); err != nil {
			return nil, err
		}
	}

	// The cursor advances only after every event change has been persisted.
	conn.MarkSynced(page.NextCursor, stats.Created, stats.Updated, stats.Deleted, len(stats.Errors))
	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection after sync: %w", err)
	}
	s.publishEvents(ctx, conn)

	return stats, nil
}

// listEvents fetches changes from the provider, preferring the stored cursor.
// An invalidated cursor falls back to a full enumeration of [from, to).
func (s *SyncService) listEvents(ctx context.Context, provider Provider, conn *domain.Connection, accessToken string, from, to time.Time) (*EventPage, bool, error) {
	if !conn.NeedsFullSync() {
		page, err := s.listWithRetry(ctx, func(ctx context.Context) (*EventPage, error) {
			return provider.ListEventsIncremental(ctx, accessToken, conn.CalendarID(), conn.SyncCursor())
		})
		if err == nil {
			return page, false, nil
		}
		if !errors.Is(err, ErrCursorInvalidated) {
			return nil, false, err
		}
		s.logger.Info("sync cursor invalidated, falling back to full sync",
			"connection_id", conn.ID(), "provider", conn.Provider())
		conn.ClearSyncCursor()
	}

	page, err := s.listWithRetry(ctx, func(ctx context.Context) (*EventPage, error) {
		return provider.ListEventsFull(ctx, accessToken, conn.CalendarID(), from, to)
	})
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

// listWithRetry retries transient failures with exponential backoff. Other
// errors return immediately.
func (s *SyncService) listWithRetry(ctx context.Context, list func(context.Context) (*EventPage, error)) (*EventPage, error) {
	delay := s.config.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		page, err := list(ctx)
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt < s.config.MaxAttempts {
			s.logger.Debug("transient provider error, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("provider unavailable after %d attempts: %w", s.config.MaxAttempts, lastErr)
}

// reconcile applies one remote event to the local store. Validation failures
// are recorded on stats and skipped; storage failures abort the run.
func (s *SyncService) reconcile(ctx context.Context, connectionID uuid.UUID, remote RemoteEvent, stats *SyncStats) error {
	existing, err := s.events.FindByConnectionAndProviderID(ctx, connectionID, remote.ID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", remote.ID, err)
	}

	if remote.IsCancelled || remote.Status == domain.EventStatusCancelled {
		if existing == nil || existing.IsDeleted() {
			return nil
		}
		existing.SoftDelete()
		if err := s.events.Save(ctx, existing); err != nil {
			return fmt.Errorf("delete event %s: %w", remote.ID, err)
		}
		stats.Deleted++
		return nil
	}

	if existing == nil {
		event, err := domain.NewEvent(connectionID, remote.ID, remote.Data())
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("event %s: %v", remote.ID, err))
			return nil
		}
		if err := s.events.Save(ctx, event); err != nil {
			return fmt.Errorf("save event %s: %w", remote.ID, err)
		}
		stats.Created++
		return nil
	}

	restored := existing.IsDeleted()
	changed, err := existing.ApplyRemote(remote.Data())
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("event %s: %v", remote.ID, err))
		return nil
	}
	if !changed {
		return nil
	}
	if err := s.events.Save(ctx, existing); err != nil {
		return fmt.Errorf("save event %s: %w", remote.ID, err)
	}
	if restored {
		stats.Created++
	} else {
		stats.Updated++
	}
	return nil
}

// deleteAbsent soft-deletes events inside the queried window that the full
// enumeration did not return. Events outside the window are untouched.
func (s *SyncService) deleteAbsent(ctx context.Context, connectionID uuid.UUID, from, to time.Time, seen map[string]struct{}, stats *SyncStats) error {
	stored, err := s.events.ActiveProviderIDsInRange(ctx, connectionID, from, to)
	if err != nil {
		return fmt.Errorf("list stored events: %w", err)
	}
	for _, providerEventID := range stored {
		if _, ok := seen[providerEventID]; ok {
			continue
		}
		event, err := s.events.FindByConnectionAndProviderID(ctx, connectionID, providerEventID)
		if err != nil {
			return fmt.Errorf("load event %s: %w", providerEventID, err)
		}
		if event == nil || event.IsDeleted() {
			continue
		}
		event.SoftDelete()
		if err := s.events.Save(ctx, event); err != nil {
			return fmt.Errorf("delete event %s: %w", providerEventID, err)
		}
		stats.Deleted++
	}
	return nil
}

func (s *SyncService) window(now time.Time) (time.Time, time.Time) {
	return now.Add(-s.config.PastWindow), now.Add(s.config.FutureWindow)
}

func (s *SyncService) publishEvents(ctx context.Context, conn *domain.Connection) {
	if s.outboxRepo == nil {
		conn.ClearDomainEvents()
		return
	}
	events := conn.DomainEvents()
	if len(events) == 0 {
		return
	}
	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event)
		if err != nil {
			s.logger.Error("failed to create outbox message",
				"event_id", event.EventID(), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := s.outboxRepo.SaveBatch(ctx, msgs); err != nil {
		s.logger.Error("failed to save events to outbox",
			"connection_id", conn.ID(), "error", err)
		return
	}
	conn.ClearDomainEvents()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
