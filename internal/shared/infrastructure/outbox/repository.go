package outbox

import (
	"context"
	"time"
)

// Repository persists outbox messages. Implementations exist for postgres,
// sqlite, and an in-memory variant for tests.
type Repository interface {
	// Save stores a new outbox message.
	Save(ctx context.Context, msg *Message) error

	// SaveBatch stores multiple outbox messages in one transaction.
	SaveBatch(ctx context.Context, msgs []*Message) error

	// GetUnpublished returns unpublished, non-dead messages that are due,
	// oldest first.
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)

	// MarkPublished records a successful publish.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a publish failure and when to try again.
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error

	// MarkDead moves a message to the dead letter state.
	MarkDead(ctx context.Context, id int64, reason string) error

	// GetFailed returns failed messages still under the retry limit.
	GetFailed(ctx context.Context, maxRetries, limit int) ([]*Message, error)

	// DeleteOld removes published messages older than the retention period.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}
