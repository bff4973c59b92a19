package lock

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/waiter"
)

// Mutex is an in-process exclusive lock. Waiting handles are granted the lock
// in the order they started waiting. Release hands the lock straight to the
// head of the queue, so TryAcquire only succeeds when nobody is queued.
//
// Lock order: a handle's own mutex is always taken before Mutex.mu.
type Mutex struct {
	name string
	opts options

	mu      sync.Mutex
	current *MutexLocking
	queue   *list.List // of *MutexLocking
}

var _ Lock[*MutexLocking] = (*Mutex)(nil)

// NewMutex returns an unlocked Mutex.
func NewMutex(name string, opts ...Option) *Mutex {
	return &Mutex{name: name, opts: newOptions(opts), queue: list.New()}
}

// Name implements Lock.Name.
func (m *Mutex) Name() string { return m.name }

// Create implements Lock.Create.
func (m *Mutex) Create() *MutexLocking {
	return &MutexLocking{mutex: m}
}

// Waiting returns the number of handles queued for the lock.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// MutexLocking is a handle on a Mutex.
type MutexLocking struct {
	mutex    *Mutex
	acquired atomic.Bool

	mu       sync.Mutex
	pending  *waiter.Multiplexer[*MutexLocking]
	elem     *list.Element
	queuedAt time.Time
}

var _ Locking = (*MutexLocking)(nil)

// LockName implements Locking.LockName.
func (h *MutexLocking) LockName() string { return h.mutex.name }

// IsAcquired reports whether the handle holds the lock.
func (h *MutexLocking) IsAcquired() bool { return h.acquired.Load() }

// TryAcquire implements Locking.TryAcquire.
func (h *MutexLocking) TryAcquire(ctx context.Context) (bool, error) {
	if h.acquired.Load() {
		return true, nil
	}
	h.mu.Lock()
	if h.acquired.Load() {
		h.mu.Unlock()
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		h.mu.Unlock()
		return false, err
	}
	m := h.mutex
	m.mu.Lock()
	ok := m.current == nil
	if ok {
		m.current = h
		h.acquired.Store(true)
	}
	m.mu.Unlock()
	h.mu.Unlock()
	if ok {
		h.acquiredNow()
	}
	return ok, nil
}

// Acquire implements Locking.Acquire.
func (h *MutexLocking) Acquire(ctx context.Context) error {
	return h.AcquireAsync(ctx).Wait()
}

// AcquireAsync implements Locking.AcquireAsync. Concurrent calls on a handle
// that is already waiting share its place in the queue.
func (h *MutexLocking) AcquireAsync(ctx context.Context) *waiter.Waiter {
	if h.acquired.Load() {
		return waiter.Completed()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acquired.Load() {
		return waiter.Completed()
	}
	if h.pending != nil {
		return h.pending.Register(ctx)
	}
	if err := ctx.Err(); err != nil {
		return waiter.Failed(err)
	}

	m := h.mutex
	m.mu.Lock()
	if m.current == nil {
		m.current = h
		h.acquired.Store(true)
		m.mu.Unlock()
		h.acquiredNow()
		return waiter.Completed()
	}
	h.elem = m.queue.PushBack(h)
	h.queuedAt = time.Now()
	h.pending = waiter.New(&h.mu, h, withdrawMutexLocking)
	m.mu.Unlock()

	metrics.ContendedCounter.WithLabelValues(metrics.KindMutex).Inc()
	w := h.pending.Register(ctx)
	if h.pending.Len() == 0 {
		// ctx fired between the check above and registration
		withdrawMutexLocking(h.pending)
	}
	return w
}

// withdrawMutexLocking takes a handle whose waiters all gave up out of the
// queue. It runs with the handle's mutex held.
func withdrawMutexLocking(mux *waiter.Multiplexer[*MutexLocking]) {
	h := mux.Owner()
	m := h.mutex
	m.mu.Lock()
	if h.elem != nil {
		m.queue.Remove(h.elem)
		h.elem = nil
	}
	m.mu.Unlock()
	if h.pending == mux {
		h.pending = nil
	}
	metrics.CancelCounter.WithLabelValues(metrics.KindMutex).Inc()
	m.opts.notify(m.name, EventCanceled, 0)
}

// Release implements Locking.Release. Releasing a handle that is still
// waiting withdraws it and fails its waiters with ErrSynchronization.
func (h *MutexLocking) Release(ctx context.Context) error {
	m := h.mutex
	h.mu.Lock()
	if pending := h.pending; pending != nil {
		h.pending = nil
		m.mu.Lock()
		if h.elem != nil {
			m.queue.Remove(h.elem)
			h.elem = nil
		}
		m.mu.Unlock()
		pending.Fail(latcherrors.ErrSynchronization)
		h.mu.Unlock()
		return nil
	}
	if !h.acquired.Load() {
		h.mu.Unlock()
		return nil
	}
	next := m.handOff(h)
	h.mu.Unlock()

	metrics.ReleaseCounter.WithLabelValues(metrics.KindMutex).Inc()
	m.opts.notify(m.name, EventReleased, 0)
	if next != nil {
		next.acquiredNow()
	}
	return nil
}

// Close releases the handle.
func (h *MutexLocking) Close() error {
	return h.Release(context.Background())
}

// handOff passes ownership from h to the head of the queue, or frees the lock
// when nobody waits. h.mu must be held.
func (m *Mutex) handOff(h *MutexLocking) *MutexLocking {
	for {
		m.mu.Lock()
		front := m.queue.Front()
		if front == nil {
			m.current = nil
			h.acquired.Store(false)
			m.mu.Unlock()
			return nil
		}
		next := front.Value.(*MutexLocking)
		m.mu.Unlock()

		next.mu.Lock()
		m.mu.Lock()
		if m.queue.Front() != front {
			// head withdrew or changed while unlocked
			m.mu.Unlock()
			next.mu.Unlock()
			continue
		}
		m.queue.Remove(front)
		next.elem = nil
		m.current = next
		h.acquired.Store(false)
		next.acquired.Store(true)
		pending := next.pending
		next.pending = nil
		m.mu.Unlock()

		metrics.WaitHistogram.WithLabelValues(metrics.KindMutex).Observe(time.Since(next.queuedAt).Seconds())
		pending.Complete()
		next.mu.Unlock()
		return next
	}
}

func (h *MutexLocking) acquiredNow() {
	metrics.AcquireCounter.WithLabelValues(metrics.KindMutex).Inc()
	h.mutex.opts.notify(h.mutex.name, EventAcquired, 1)
}
