package application

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ConnectionLocker provides mutual exclusion per connection so that at most
// one sync run operates on a connection at a time.
type ConnectionLocker interface {
	// TryLock attempts to acquire the lock without blocking. It returns false
	// when another run holds the lock.
	TryLock(ctx context.Context, connectionID uuid.UUID) (bool, error)
	// Unlock releases a previously acquired lock.
	Unlock(ctx context.Context, connectionID uuid.UUID) error
}

// MutexLocker is an in-process ConnectionLocker backed by a mutex map.
// Suitable for single-instance deployments and tests.
type MutexLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *MutexLocker) TryLock(_ context.Context, connectionID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[connectionID]; taken {
		return false, nil
	}
	l.held[connectionID] = struct{}{}
	return true, nil
}

func (l *MutexLocker) Unlock(_ context.Context, connectionID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, connectionID)
	return nil
}
