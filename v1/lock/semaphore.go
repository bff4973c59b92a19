package lock

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/waiter"
)

// Semaphore is an in-process counting semaphore. Each handle holds a variable
// number of slots. Waiting requests are served in arrival order and a request
// at the head of the queue may be filled partially: it keeps whatever it was
// granted and stays at the head until the rest becomes available. Freed
// slots go to the queue first, so TryAcquireN only finds free slots when
// nothing is queued.
//
// Lock order: the releasing handle, then the handle at the head of the queue,
// then Semaphore.mu.
type Semaphore struct {
	name string
	opts options

	mu       sync.Mutex
	capacity int
	total    int
	queue    *list.List // of *acquisition
}

var _ Lock[*SemaphoreLocking] = (*Semaphore)(nil)

// acquisition is a queue entry: h wants to hold count slots in total.
type acquisition struct {
	count int
	req   *request
}

// request is a pending target count on a handle. Callers asking the same
// handle for the same count share one request. A request whose count is
// below the handle's largest request has no queue entry of its own; it is
// satisfied on the way to the larger one.
type request struct {
	h     *SemaphoreLocking
	count int
	mux   *waiter.Multiplexer[*request]
	elem  *list.Element
	since time.Time
}

// NewSemaphore returns a Semaphore with the given capacity.
func NewSemaphore(name string, capacity int, opts ...Option) (*Semaphore, error) {
	if capacity < 1 {
		return nil, latcherrors.ErrInvalidCount
	}
	return &Semaphore{
		name:     name,
		opts:     newOptions(opts),
		capacity: capacity,
		queue:    list.New(),
	}, nil
}

// Name implements Lock.Name.
func (s *Semaphore) Name() string { return s.name }

// Create implements Lock.Create.
func (s *Semaphore) Create() *SemaphoreLocking {
	return &SemaphoreLocking{sem: s}
}

// Capacity returns the number of slots.
func (s *Semaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// TotalAcquired returns the number of slots held across all handles.
func (s *Semaphore) TotalAcquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Waiting returns the number of queued requests.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// SetCapacity changes the number of slots. Growing hands the new slots to the
// queue. Shrinking never takes slots back from holders; new grants wait until
// the total drops below the new capacity.
func (s *Semaphore) SetCapacity(n int) error {
	if n < 1 {
		return latcherrors.ErrInvalidCount
	}
	s.mu.Lock()
	grow := n > s.capacity
	s.capacity = n
	s.mu.Unlock()
	if grow {
		s.drain(nil, nil)
	}
	return nil
}

func (s *Semaphore) validate(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > s.capacity {
		return latcherrors.ErrInvalidCount
	}
	return nil
}

// drain hands free slots to the head of the queue until either runs out.
// release, when not nil, frees the caller's slots once the head is locked,
// so the slots go to the queue before any fast-path caller can see them.
// self is the releasing handle, whose mutex the caller already holds.
func (s *Semaphore) drain(self *SemaphoreLocking, release func()) {
	for {
		s.mu.Lock()
		front := s.queue.Front()
		if front == nil {
			if release != nil {
				release()
			}
			s.mu.Unlock()
			return
		}
		if release == nil && s.total >= s.capacity {
			s.mu.Unlock()
			return
		}
		next := front.Value.(*acquisition).req.h
		s.mu.Unlock()

		if next != self {
			next.mu.Lock()
		}
		s.mu.Lock()
		if s.queue.Front() != front || front.Value.(*acquisition).req.h != next {
			s.mu.Unlock()
			if next != self {
				next.mu.Unlock()
			}
			continue
		}
		if release != nil {
			release()
			release = nil
		}
		acq := front.Value.(*acquisition)
		held := int(next.acquired.Load())
		grant := min(s.capacity-s.total, acq.count-held)
		if grant > 0 {
			s.total += grant
			held += grant
			next.acquired.Store(int64(held))
		}
		if held >= acq.count {
			s.queue.Remove(front)
			acq.req.elem = nil
		}
		done := next.settleSatisfiedLocked()
		s.mu.Unlock()

		if grant > 0 {
			metrics.AcquireCounter.WithLabelValues(metrics.KindSemaphore).Inc()
			s.opts.notify(s.name, EventAcquired, held)
		}
		for _, r := range done {
			metrics.WaitHistogram.WithLabelValues(metrics.KindSemaphore).Observe(time.Since(r.since).Seconds())
		}
		if next != self {
			next.mu.Unlock()
		}
	}
}

// SemaphoreLocking is a handle on a Semaphore.
type SemaphoreLocking struct {
	sem      *Semaphore
	acquired atomic.Int64 // written under sem.mu

	mu       sync.Mutex
	requests []*request // ascending by count
}

var _ CountedLocking = (*SemaphoreLocking)(nil)

// LockName implements Locking.LockName.
func (h *SemaphoreLocking) LockName() string { return h.sem.name }

// AcquiredCount returns the number of slots the handle holds.
func (h *SemaphoreLocking) AcquiredCount() int { return int(h.acquired.Load()) }

// IsAcquired reports whether the handle holds at least one slot.
func (h *SemaphoreLocking) IsAcquired() bool { return h.acquired.Load() > 0 }

// TryAcquire implements Locking.TryAcquire for a single slot.
func (h *SemaphoreLocking) TryAcquire(ctx context.Context) (bool, error) {
	return h.TryAcquireN(ctx, 1)
}

// Acquire implements Locking.Acquire for a single slot.
func (h *SemaphoreLocking) Acquire(ctx context.Context) error {
	return h.AcquireN(ctx, 1)
}

// AcquireAsync implements Locking.AcquireAsync for a single slot.
func (h *SemaphoreLocking) AcquireAsync(ctx context.Context) *waiter.Waiter {
	return h.AcquireNAsync(ctx, 1)
}

// Release gives up every slot and fails every pending request.
func (h *SemaphoreLocking) Release(ctx context.Context) error {
	return h.ReleaseTo(ctx, 0)
}

// Close releases the handle.
func (h *SemaphoreLocking) Close() error {
	return h.Release(context.Background())
}

// TryAcquireN raises the handle's count to n if the slots are free right now.
func (h *SemaphoreLocking) TryAcquireN(ctx context.Context, n int) (bool, error) {
	s := h.sem
	if err := s.validate(n); err != nil {
		return false, err
	}
	if int(h.acquired.Load()) >= n {
		return true, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return h.grabLocked(n), nil
}

// AcquireN blocks until the handle holds n slots or ctx is done.
func (h *SemaphoreLocking) AcquireN(ctx context.Context, n int) error {
	return h.AcquireNAsync(ctx, n).Wait()
}

// AcquireNAsync queues a request for n slots in total and returns at once.
// A request for fewer slots than the handle already awaits rides along with
// the larger one instead of joining the queue again.
func (h *SemaphoreLocking) AcquireNAsync(ctx context.Context, n int) *waiter.Waiter {
	s := h.sem
	if err := s.validate(n); err != nil {
		return waiter.Failed(err)
	}
	if int(h.acquired.Load()) >= n {
		return waiter.Completed()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(h.acquired.Load()) >= n {
		return waiter.Completed()
	}
	if r := h.find(n); r != nil {
		return h.join(ctx, r)
	}
	if err := ctx.Err(); err != nil {
		return waiter.Failed(err)
	}

	// the fit check and the enqueue share one critical section so a release
	// in between cannot miss the new entry
	s.mu.Lock()
	if done, ok := h.claimLocked(n); ok {
		s.mu.Unlock()
		h.granted(n, done)
		return waiter.Completed()
	}
	r := &request{h: h, count: n, since: time.Now()}
	r.mux = waiter.New(&h.mu, r, withdrawRequest)
	if largest := h.largest(); largest == nil || largest.count < n {
		r.elem = s.queue.PushBack(&acquisition{count: n, req: r})
	}
	s.mu.Unlock()
	h.insert(r)
	metrics.ContendedCounter.WithLabelValues(metrics.KindSemaphore).Inc()
	return h.join(ctx, r)
}

// ReleaseTo lowers the handle's count to remaining. Pending requests for more
// than remaining can no longer be honored and fail with ErrSynchronization.
// Asking to keep at least what the handle holds leaves it unchanged.
func (h *SemaphoreLocking) ReleaseTo(ctx context.Context, remaining int) error {
	if remaining < 0 {
		return latcherrors.ErrInvalidCount
	}
	s := h.sem
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.requests) - 1; i >= 0; i-- {
		r := h.requests[i]
		if r.count <= remaining {
			break
		}
		r.mux.Fail(latcherrors.ErrSynchronization)
		h.retire(r)
	}

	held := int(h.acquired.Load())
	if held <= remaining {
		return nil
	}
	s.drain(h, func() {
		s.total -= held - remaining
		h.acquired.Store(int64(remaining))
	})
	metrics.ReleaseCounter.WithLabelValues(metrics.KindSemaphore).Inc()
	s.opts.notify(s.name, EventReleased, remaining)
	return nil
}

// grabLocked takes the missing slots on the fast path. h.mu must be held.
func (h *SemaphoreLocking) grabLocked(n int) bool {
	s := h.sem
	s.mu.Lock()
	done, ok := h.claimLocked(n)
	s.mu.Unlock()
	if ok {
		h.granted(n, done)
	}
	return ok
}

// claimLocked raises the handle's count to n if the slots are free. h.mu and
// the semaphore's mutex must be held.
func (h *SemaphoreLocking) claimLocked(n int) ([]*request, bool) {
	s := h.sem
	held := int(h.acquired.Load())
	if s.total+n-held > s.capacity {
		return nil, false
	}
	s.total += n - held
	h.acquired.Store(int64(n))
	return h.settleSatisfiedLocked(), true
}

func (h *SemaphoreLocking) granted(n int, done []*request) {
	metrics.AcquireCounter.WithLabelValues(metrics.KindSemaphore).Inc()
	h.sem.opts.notify(h.sem.name, EventAcquired, n)
	for _, r := range done {
		metrics.WaitHistogram.WithLabelValues(metrics.KindSemaphore).Observe(time.Since(r.since).Seconds())
	}
}

// settleSatisfiedLocked completes the requests the handle's count now covers.
// Both h.mu and the semaphore's mutex must be held.
func (h *SemaphoreLocking) settleSatisfiedLocked() []*request {
	held := int(h.acquired.Load())
	i := 0
	for i < len(h.requests) && h.requests[i].count <= held {
		r := h.requests[i]
		if r.elem != nil {
			h.sem.queue.Remove(r.elem)
			r.elem = nil
		}
		r.mux.Complete()
		i++
	}
	if i == 0 {
		return nil
	}
	done := make([]*request, i)
	copy(done, h.requests[:i])
	h.requests = append(h.requests[:0], h.requests[i:]...)
	return done
}

func (h *SemaphoreLocking) find(n int) *request {
	i := sort.Search(len(h.requests), func(i int) bool { return h.requests[i].count >= n })
	if i < len(h.requests) && h.requests[i].count == n {
		return h.requests[i]
	}
	return nil
}

func (h *SemaphoreLocking) largest() *request {
	if len(h.requests) == 0 {
		return nil
	}
	return h.requests[len(h.requests)-1]
}

func (h *SemaphoreLocking) insert(r *request) {
	i := sort.Search(len(h.requests), func(i int) bool { return h.requests[i].count >= r.count })
	h.requests = append(h.requests, nil)
	copy(h.requests[i+1:], h.requests[i:])
	h.requests[i] = r
}

// join registers a caller on r, dropping r again if ctx was already done.
func (h *SemaphoreLocking) join(ctx context.Context, r *request) *waiter.Waiter {
	w := r.mux.Register(ctx)
	if r.mux.Len() == 0 {
		h.retire(r)
	}
	return w
}

// retire forgets r. If r held the handle's place in the queue and the largest
// remaining request has none, that request inherits the place. h.mu must be
// held.
func (h *SemaphoreLocking) retire(r *request) {
	for i, x := range h.requests {
		if x == r {
			h.requests = append(h.requests[:i], h.requests[i+1:]...)
			break
		}
	}
	if r.elem == nil {
		return
	}
	s := h.sem
	s.mu.Lock()
	if largest := h.largest(); largest != nil && largest.elem == nil {
		acq := r.elem.Value.(*acquisition)
		acq.count = largest.count
		acq.req = largest
		largest.elem = r.elem
	} else {
		s.queue.Remove(r.elem)
	}
	r.elem = nil
	s.mu.Unlock()
}

// withdrawRequest runs with h.mu held once every caller waiting on r gave up.
func withdrawRequest(mux *waiter.Multiplexer[*request]) {
	r := mux.Owner()
	r.h.retire(r)
	metrics.CancelCounter.WithLabelValues(metrics.KindSemaphore).Inc()
	r.h.sem.opts.notify(r.h.sem.name, EventCanceled, int(r.h.acquired.Load()))
}
