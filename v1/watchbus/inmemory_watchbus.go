package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key. Watchers whose buffer is full
// miss the message.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		offer(ch, data)
	}
	for prefix, chans := range b.prefixes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, ch := range chans {
			offer(ch, data)
		}
	}
	return nil
}

func offer(ch chan []byte, data []byte) {
	select {
	case ch <- data:
	default:
	}
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, b.subs, key)
}

// WatchPrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) watch(ctx context.Context, m map[string][]chan []byte, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	m[key] = append(m[key], ch)
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = b.Unwatch(context.Background(), key, ch)
	})
	return ch, nil
}

// Unwatch removes the channel from key watchers and closes it. Unwatching a
// channel twice is a no-op.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !remove(b.subs, key, ch) {
		remove(b.prefixes, key, ch)
	}
	return nil
}

func remove(m map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := m[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
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
	return false
}
