package workers

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
)

type connRepoStub struct {
	mu      sync.Mutex
	pending []*domain.Connection
	calls   int
}

func (s *connRepoStub) Save(context.Context, *domain.Connection) error { return nil }
func (s *connRepoStub) FindByID(context.Context, uuid.UUID) (*domain.Connection, error) {
	return nil, nil
}
func (s *connRepoStub) FindByUser(context.Context, uuid.UUID) ([]*domain.Connection, error) {
	return nil, nil
}
func (s *connRepoStub) FindByUserAndProvider(context.Context, uuid.UUID, domain.ProviderType) ([]*domain.Connection, error) {
	return nil, nil
}
func (s *connRepoStub) FindByUserProviderAndCalendar(context.Context, uuid.UUID, domain.ProviderType, string) (*domain.Connection, error) {
	return nil, nil
}
func (s *connRepoStub) FindPendingSync(context.Context, time.Time, int, int) ([]*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.pending, nil
}
func (s *connRepoStub) DeleteDisconnectedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type schedulerStub struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	full      bool
}

func (s *schedulerStub) Submit(connectionID uuid.UUID, _ application.SyncOptions) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.submitted = append(s.submitted, connectionID)
	return true
}

func (s *schedulerStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

func testConnection(t *testing.T) *domain.Connection {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	enc, err := crypto.NewAESGCMFromBase64Key(key)
	require.NoError(t, err)
	access, err := enc.Encrypt([]byte("access"))
	require.NoError(t, err)
	refresh, err := enc.Encrypt([]byte("refresh"))
	require.NoError(t, err)

	conn, err := domain.NewConnection(uuid.New(), domain.ProviderGoogle, "cal-1", "Work",
		access, refresh, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return conn
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSyncWorker_SchedulesPendingConnections(t *testing.T) {
	repo := &connRepoStub{pending: []*domain.Connection{testConnection(t), testConnection(t)}}
	scheduler := &schedulerStub{}

	config := DefaultSyncWorkerConfig()
	config.Interval = time.Hour // only the startup sweep runs
	worker := NewSyncWorker(repo, scheduler, config, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return scheduler.count() == 2 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.False(t, worker.IsRunning())
}

func TestSyncWorker_FullQueueDoesNotCrash(t *testing.T) {
	repo := &connRepoStub{pending: []*domain.Connection{testConnection(t)}}
	scheduler := &schedulerStub{full: true}

	config := DefaultSyncWorkerConfig()
	config.Interval = time.Hour
	worker := NewSyncWorker(repo, scheduler, config, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.calls >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, scheduler.count())
}

func TestSyncWorker_StopSignal(t *testing.T) {
	repo := &connRepoStub{}
	worker := NewSyncWorker(repo, &schedulerStub{}, DefaultSyncWorkerConfig(), testLogger())

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	require.Eventually(t, worker.IsRunning, 2*time.Second, 10*time.Millisecond)
	worker.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
