package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// DefaultKafkaTopic carries every release notification; the bus key travels
// as the message key.
const DefaultKafkaTopic = "latch-unlock"

// KafkaOption configures a KafkaBus.
type KafkaOption func(*KafkaBus)

// WithKafkaTopic publishes and consumes on topic instead of
// DefaultKafkaTopic.
func WithKafkaTopic(topic string) KafkaOption {
	return func(b *KafkaBus) {
		b.topic = topic
	}
}

// KafkaBus implements Bus on a single Kafka topic. Every partition is
// consumed from the newest offset once the first subscriber arrives, and
// messages are routed to subscribers by key.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string

	mu         sync.Mutex
	subs       map[string][]chan struct{}
	partitions []sarama.PartitionConsumer
	closed     bool
	published  atomic.Uint64
	delivered  atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...KafkaOption) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	b := NewKafkaBusFrom(producer, consumer, opts...)
	b.client = client
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus on an existing producer and consumer.
// Close closes both.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...KafkaOption) *KafkaBus {
	b := &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    DefaultKafkaTopic,
		subs:     make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "KafkaBus.Publish", trace.WithAttributes(attribute.String("latch.bus.key", key)))
	defer span.End()

	if err := ctxErr(ctx); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(uuid.NewString()),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		if stdErrors.Is(err, sarama.ErrClosedClient) || stdErrors.Is(err, sarama.ErrShuttingDown) {
			return latcherrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, latcherrors.ErrConnectionClosed
	}
	if b.partitions == nil {
		if err := b.consumeLocked(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	ch := make(chan struct{}, 1)
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), key, ch)
	})
	return ch, nil
}

func (b *KafkaBus) consumeLocked() error {
	ids, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(ids))
	for _, id := range ids {
		pc, err := b.consumer.ConsumePartition(b.topic, id, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	b.partitions = pcs
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.mu.Lock()
		for _, ch := range b.subs[string(msg.Key)] {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. Partition consumers keep running
// until Close.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		break
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close ends every subscription and releases the Kafka resources.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for key, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, key)
	}
	pcs := b.partitions
	b.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		errs = append(errs, pc.Close())
	}
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	return stdErrors.Join(errs...)
}
