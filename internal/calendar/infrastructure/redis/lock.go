// Package redis provides a Redis-backed per-connection sync lock for
// deployments running more than one worker instance.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "calsync:sync-lock:"

// releaseScript deletes the lock only if this instance still owns it, so an
// expired lock reacquired by another instance is never released by accident.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Locker implements per-connection mutual exclusion on Redis using
// SET NX with a TTL. The TTL bounds how long a crashed holder can block
// other instances.
type Locker struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewLocker creates a Redis locker. The TTL should comfortably exceed the
// sync run timeout.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		client: client,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock attempts to acquire the lock for a connection without blocking.
func (l *Locker) TryLock(ctx context.Context, connectionID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(connectionID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sync lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock if this locker still holds it.
func (l *Locker) Unlock(ctx context.Context, connectionID uuid.UUID) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(connectionID)}, l.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release sync lock: %w", err)
	}
	return nil
}

func lockKey(connectionID uuid.UUID) string {
	return lockKeyPrefix + connectionID.String()
}
