// Package bus provides the realtime notification channel used to fan out
// lock lifecycle events to every client viewing a record. Implementations
// exist for local memory, Redis pub/sub, NATS and Kafka. Delivery is
// best-effort, at-least-once: consumers must treat events as low-latency
// hints and the lock manager's query surface as the source of truth.
package bus

import (
	"context"
	"sync/atomic"
)

// Bus is a keyed publish/subscribe transport for event payloads.
type Bus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// SubscribePrefix subscribes to all messages for keys with the given prefix.
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key (or prefix) to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// Metrics reports publish and delivery counts of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

type counters struct {
	published atomic.Uint64
	delivered atomic.Uint64
}

func (c *counters) metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}
