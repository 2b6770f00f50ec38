// Package eventbus publishes domain events to a message broker.
package eventbus

import "context"

// Publisher sends already-serialized event payloads to the broker. The
// outbox processor is the only caller; delivery retries live there, not in
// the publisher.
type Publisher interface {
	// Publish sends one payload under the given routing key.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close releases the broker connection.
	Close() error
}
