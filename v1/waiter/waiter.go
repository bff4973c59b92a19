// Package waiter provides the building block behind every asynchronous
// acquisition: a Multiplexer lets many callers await the same event, be
// released together, be failed together, or withdraw one at a time.
package waiter

import (
	"context"
	"sync"
)

// Waiter is the outcome of a single acquisition call. It settles exactly once,
// either successfully (Err returns nil), with a failure, or with the caller's
// context error when its context fires first.
type Waiter struct {
	done chan struct{}
	err  error
	stop func() bool
}

func newWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

func (w *Waiter) settle(err error) {
	if w.stop != nil {
		w.stop()
	}
	w.err = err
	close(w.done)
}

// Done returns a channel that is closed once the waiter settles.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Err returns the settled outcome. It is nil until Done is closed.
func (w *Waiter) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the waiter settles and returns its outcome.
func (w *Waiter) Wait() error {
	<-w.done
	return w.err
}

// Settled reports whether the waiter has already settled.
func (w *Waiter) Settled() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Completed returns a waiter that has already succeeded.
func Completed() *Waiter {
	w := newWaiter()
	w.settle(nil)
	return w
}

// Failed returns a waiter that has already settled with err.
func Failed(err error) *Waiter {
	w := newWaiter()
	w.settle(err)
	return w
}

// Go runs fn in its own goroutine and settles the returned waiter with its result.
func Go(fn func() error) *Waiter {
	w := newWaiter()
	go func() {
		w.settle(fn())
	}()
	return w
}

// Multiplexer fans a single event out to every registered Waiter.
//
// All state is guarded by the locker supplied by the owner, the same one the
// owner holds while deciding whether the event already happened. Register,
// Complete, Fail and Len must be called with that locker held. Cancellation
// callbacks acquire it on their own.
type Multiplexer[T any] struct {
	mu      sync.Locker
	owner   T
	waiters map[*Waiter]struct{}
	onEmpty func(*Multiplexer[T])
}

// New returns a Multiplexer guarded by mu. onEmpty, if not nil, runs with mu
// held when cancellations leave the multiplexer without waiters.
func New[T any](mu sync.Locker, owner T, onEmpty func(*Multiplexer[T])) *Multiplexer[T] {
	return &Multiplexer[T]{
		mu:      mu,
		owner:   owner,
		waiters: make(map[*Waiter]struct{}),
		onEmpty: onEmpty,
	}
}

// Owner returns the value the multiplexer was created for.
func (m *Multiplexer[T]) Owner() T { return m.owner }

// Len returns the number of registered waiters.
func (m *Multiplexer[T]) Len() int { return len(m.waiters) }

// Register adds a waiter tied to ctx. A context that is already done yields a
// settled waiter that is never registered.
func (m *Multiplexer[T]) Register(ctx context.Context) *Waiter {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	w := newWaiter()
	m.waiters[w] = struct{}{}
	if ctx.Done() != nil {
		w.stop = context.AfterFunc(ctx, func() {
			m.cancel(ctx, w)
		})
	}
	return w
}

func (m *Multiplexer[T]) cancel(ctx context.Context, w *Waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waiters[w]; !ok {
		return // settled by Complete or Fail first
	}
	delete(m.waiters, w)
	w.stop = nil
	w.settle(ctx.Err())
	if len(m.waiters) == 0 && m.onEmpty != nil {
		m.onEmpty(m)
	}
}

// Complete settles every registered waiter successfully.
func (m *Multiplexer[T]) Complete() {
	m.settleAll(nil)
}

// Fail settles every registered waiter with err.
func (m *Multiplexer[T]) Fail(err error) {
	m.settleAll(err)
}

func (m *Multiplexer[T]) settleAll(err error) {
	for w := range m.waiters {
		w.settle(err)
	}
	clear(m.waiters)
}
