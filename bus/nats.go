package bus

import (
	"context"
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*natsSubscription
	counters
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subjectFor(key), data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements Bus.Watch.
func (b *NATSBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.subscribe(ctx, key, subjectFor(key))
}

// SubscribePrefix implements Bus.SubscribePrefix using a NATS wildcard.
func (b *NATSBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	subject := subjectFor(prefix)
	if !strings.HasSuffix(subject, ".") {
		subject += "."
	}
	return b.subscribe(ctx, prefix, subject+">")
}

func (b *NATSBus) subscribe(ctx context.Context, key, subject string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			b.mu.Lock()
			cur := b.subs[key]
			if cur == nil {
				b.mu.Unlock()
				return
			}
			chans := append([]chan []byte(nil), cur.chans...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- msg.Data:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *NATSBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.counters.metrics()
}

// subjectFor maps bus keys to NATS subjects. Bus keys use ':' separators
// ("lock:order-17"); NATS subjects are dot-separated tokens.
func subjectFor(key string) string {
	out := []byte(key)
	for i, c := range out {
		if c == ':' {
			out[i] = '.'
		}
	}
	return string(out)
}
