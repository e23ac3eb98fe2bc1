package bus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub, letting lock events fan out
// across server replicas. Each Watch holds its own subscription so a slow
// consumer never stalls the others; go-redis reconnects subscriptions
// transparently, and any events missed during a gap are corrected by the
// consumers' reconciliation polls.
type RedisBus struct {
	client *redis.Client

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
	counters
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := b.client.Publish(ctx, key, data).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements Bus.Watch.
func (b *RedisBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ps := b.client.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return b.run(ctx, key, ps)
}

// SubscribePrefix implements Bus.SubscribePrefix using pattern subscriptions.
func (b *RedisBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ps := b.client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return b.run(ctx, prefix, ps)
}

func (b *RedisBus) run(ctx context.Context, key string, ps *redis.PubSub) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
				b.delivered.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *RedisBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m, ok := b.cancels[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	cancel, ok := m[ch]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, key)
	}
	b.mu.Unlock()
	cancel()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.counters.metrics()
}
