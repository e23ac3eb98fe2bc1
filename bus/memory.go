package bus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryBus is a local implementation of Bus, used in single-process
// deployments and tests.
type InMemoryBus struct {
	mu         sync.Mutex
	subs       map[string][]chan []byte
	prefixSubs map[string][]chan []byte
	counters
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs:       make(map[string][]chan []byte),
		prefixSubs: make(map[string][]chan []byte),
	}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for prefix, subs := range b.prefixSubs {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- data:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Watch implements Bus.Watch.
func (b *InMemoryBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// SubscribePrefix implements Bus.SubscribePrefix.
func (b *InMemoryBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.prefixSubs[prefix] = append(b.prefixSubs[prefix], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), prefix, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *InMemoryBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if removeChan(b.subs, key, ch) {
		return nil
	}
	removeChan(b.prefixSubs, key, ch)
	return nil
}

func removeChan(m map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := m[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			if len(subs) == 0 {
				delete(m, key)
			} else {
				m[key] = subs
			}
			close(c)
			return true
		}
	}
	return false
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.counters.metrics()
}
