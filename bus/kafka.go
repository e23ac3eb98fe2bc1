package bus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

const defaultKafkaTopic = "editlock-events"

// KafkaBus implements Bus using a Kafka backend. All events flow through a
// single topic with the bus key as the message key; subscribers filter on
// their key or prefix locally. Consumption starts at the newest offset: the
// channel carries liveness hints, not history.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu         sync.Mutex
	pc         sarama.PartitionConsumer
	subs       map[string][]chan []byte
	prefixSubs map[string][]chan []byte
	counters
}

// KafkaOption configures a KafkaBus.
type KafkaOption func(*KafkaBus)

// WithKafkaTopic overrides the default "editlock-events" topic.
func WithKafkaTopic(topic string) KafkaOption {
	return func(b *KafkaBus) { b.topic = topic }
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...KafkaOption) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := &KafkaBus{
		producer:   producer,
		consumer:   consumer,
		topic:      defaultKafkaTopic,
		subs:       make(map[string][]chan []byte),
		prefixSubs: make(map[string][]chan []byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements Bus.Watch.
func (b *KafkaBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.subscribe(ctx, key, b.subs)
}

// SubscribePrefix implements Bus.SubscribePrefix.
func (b *KafkaBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.subscribe(ctx, prefix, b.prefixSubs)
}

func (b *KafkaBus) subscribe(ctx context.Context, key string, m map[string][]chan []byte) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	m[key] = append(m[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		key := string(msg.Key)
		b.mu.Lock()
		chans := append([]chan []byte(nil), b.subs[key]...)
		for prefix, subs := range b.prefixSubs {
			if strings.HasPrefix(key, prefix) {
				chans = append(chans, subs...)
			}
		}
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- msg.Value:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unwatch implements Bus.Unwatch.
func (b *KafkaBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if removeChan(b.subs, key, ch) {
		return nil
	}
	removeChan(b.prefixSubs, key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.counters.metrics()
}

// Close releases producer and consumer resources.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	if b.pc != nil {
		_ = b.pc.Close()
		b.pc = nil
	}
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
