package watchbus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStreamPrefix namespaces the streams holding lock events.
	DefaultStreamPrefix = "latch:events:"
	// DefaultMaxLen bounds the history kept per key.
	DefaultMaxLen = 1000

	readBlock = 100 * time.Millisecond
)

// RedisWatchBus keeps one Redis stream per key so recent events survive the
// publisher, and mirrors every message on Pub/Sub for prefix watchers.
type RedisWatchBus struct {
	client  redis.UniversalClient
	prefix  string
	maxLen  int64
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithStreamPrefix namespaces stream keys and channels with p.
func WithStreamPrefix(p string) RedisOption {
	return func(b *RedisWatchBus) {
		b.prefix = p
	}
}

// WithMaxLen bounds every stream to n entries.
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisWatchBus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client redis.UniversalClient, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		prefix:  DefaultStreamPrefix,
		maxLen:  DefaultMaxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisWatchBus) stream(key string) string {
	return b.prefix + key
}

// Publish appends data to the stream of key and announces it on Pub/Sub.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	stream := b.stream(key)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, stream, data).Err()
}

// History returns up to n of the most recent messages for key, oldest first.
func (b *RedisWatchBus) History(ctx context.Context, key string, n int64) ([][]byte, error) {
	msgs, err := b.client.XRevRangeN(ctx, b.stream(key), "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if v, ok := msg.Values["data"].(string); ok {
			out = append(out, []byte(v))
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Watch reads messages appended to the stream of key after the call.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	stream := b.stream(key)
	lastID := "0"
	last, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)
	b.track(ctx, key, ch, cancel)

	go func() {
		defer close(ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   readBlock,
				Count:   16,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				slog.Debug("latch: watch read failed", "key", key, "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// WatchPrefix subscribes to every key having prefix via pattern Pub/Sub.
func (b *RedisWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ps := b.client.PSubscribe(ctx, b.stream(prefix)+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)
	b.track(ctx, prefix, ch, func() {
		cancel()
		_ = ps.Close()
	})

	go func() {
		defer close(ch)
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				_ = ps.Close()
				return
			}
		}
	}()
	return ch, nil
}

func (b *RedisWatchBus) track(ctx context.Context, key string, ch chan []byte, cancel context.CancelFunc) {
	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = b.Unwatch(context.Background(), key, ch)
	})
}

// Unwatch stops watching the given key and channel. The channel is closed
// once its reader goroutine exits.
func (b *RedisWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m := b.cancels[key]
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
