package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publisherFake struct {
	mu        sync.Mutex
	published []string
	failWith  error
}

func (p *publisherFake) Publish(_ context.Context, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherFake) Close() error { return nil }

func (p *publisherFake) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func newTestMessage(routingKey string) *Message {
	return &Message{
		EventID:       uuid.New(),
		AggregateType: "calendar_connection",
		AggregateID:   uuid.New(),
		EventType:     routingKey,
		RoutingKey:    routingKey,
		Payload:       []byte(`{"k":"v"}`),
		CreatedAt:     time.Now().UTC(),
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessorPublishesAndMarksMessages(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &publisherFake{}
	processor := NewProcessor(repo, publisher, DefaultProcessorConfig(), silentLogger())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newTestMessage("calendar.connection.created")))
	require.NoError(t, repo.Save(ctx, newTestMessage("calendar.connection.synced")))

	require.NoError(t, processor.ProcessOnce(ctx))

	assert.Equal(t, []string{"calendar.connection.created", "calendar.connection.synced"}, publisher.routingKeys())

	unpublished, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unpublished)

	stats := processor.GetStats()
	assert.Equal(t, uint64(2), stats.PublishedCount)
}

func TestProcessorRetriesWithBackoff(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &publisherFake{failWith: errors.New("broker down")}
	config := DefaultProcessorConfig()
	processor := NewProcessor(repo, publisher, config, silentLogger())
	ctx := context.Background()

	msg := newTestMessage("calendar.connection.created")
	require.NoError(t, repo.Save(ctx, msg))

	require.NoError(t, processor.ProcessOnce(ctx))

	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)
	assert.True(t, msg.NextRetryAt.After(time.Now()))
	require.NotNil(t, msg.LastError)
	assert.Equal(t, "broker down", *msg.LastError)
	assert.Nil(t, msg.DeadLetteredAt)

	// Not eligible again until the retry delay elapses.
	due, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestProcessorDeadLettersAfterMaxRetries(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &publisherFake{failWith: errors.New("broker down")}
	config := DefaultProcessorConfig()
	config.MaxRetries = 2
	processor := NewProcessor(repo, publisher, config, silentLogger())
	ctx := context.Background()

	msg := newTestMessage("calendar.connection.created")
	require.NoError(t, repo.Save(ctx, msg))

	require.NoError(t, processor.ProcessOnce(ctx))
	require.Equal(t, 1, msg.RetryCount)

	past := time.Now().Add(-time.Second)
	msg.NextRetryAt = &past
	require.NoError(t, processor.ProcessOnce(ctx))

	require.NotNil(t, msg.DeadLetteredAt)
	require.NotNil(t, msg.DeadLetterReason)
	assert.Equal(t, "broker down", *msg.DeadLetterReason)

	stats := processor.GetStats()
	assert.Equal(t, uint64(1), stats.DeadCount)
}

func TestProcessorRecoveredBrokerPublishesRetriedMessage(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &publisherFake{failWith: errors.New("broker down")}
	processor := NewProcessor(repo, publisher, DefaultProcessorConfig(), silentLogger())
	ctx := context.Background()

	msg := newTestMessage("calendar.connection.created")
	require.NoError(t, repo.Save(ctx, msg))
	require.NoError(t, processor.ProcessOnce(ctx))

	publisher.mu.Lock()
	publisher.failWith = nil
	publisher.mu.Unlock()
	past := time.Now().Add(-time.Second)
	msg.NextRetryAt = &past

	require.NoError(t, processor.ProcessOnce(ctx))
	assert.True(t, msg.IsPublished())
}

func TestProcessorStartStop(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &publisherFake{}
	config := DefaultProcessorConfig()
	config.PollInterval = 5 * time.Millisecond
	processor := NewProcessor(repo, publisher, config, silentLogger())
	ctx := context.Background()

	require.NoError(t, processor.Start(ctx))
	assert.True(t, processor.IsRunning())

	require.NoError(t, repo.Save(ctx, newTestMessage("calendar.connection.created")))

	assert.Eventually(t, func() bool {
		return len(publisher.routingKeys()) == 1
	}, time.Second, 5*time.Millisecond)

	processor.Stop()
	assert.False(t, processor.IsRunning())
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	config := DefaultProcessorConfig()
	config.RetryBackoffBase = time.Second
	config.RetryBackoffMax = 10 * time.Second
	processor := NewProcessor(NewInMemoryRepository(), &publisherFake{}, config, silentLogger())

	assert.Equal(t, time.Second, processor.retryBackoff(1))
	assert.Equal(t, 2*time.Second, processor.retryBackoff(2))
	assert.Equal(t, 4*time.Second, processor.retryBackoff(3))
	assert.Equal(t, 10*time.Second, processor.retryBackoff(5))
}
