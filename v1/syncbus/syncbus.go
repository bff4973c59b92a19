// Package syncbus carries release notifications between processes so that
// waiters on a lease lock can retry as soon as the holder lets go instead of
// sleeping out their poll interval. Delivery is best effort: a lost message
// only delays a waiter until its next poll.
package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Bus is a keyed pub/sub channel. Subscriptions end when the context passed
// to Subscribe is done or on Unsubscribe, whichever happens first; either way
// the returned channel is closed.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// UnlockKey returns the key lease locks publish on when name is released.
func UnlockKey(name string) string {
	return "latch:unlock:" + name
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus, used by in-process deployments and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	return err
}

// Publish implements Bus.Publish. A subscriber that has not consumed the
// previous notification does not get a second one.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	// sends happen under mu so Unsubscribe cannot close a channel mid-send
	for _, ch := range b.subs[key] {
		select {
		case ch <- struct{}{}:
			b.delivered.Add(1)
		default:
		}
	}
	b.mu.Unlock()
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), key, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
