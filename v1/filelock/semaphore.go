package filelock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/waiter"
)

const (
	aggregateFile = "semaphore"
	ledgerPrefix  = "semaphore-"
)

// Semaphore is a counting lease semaphore kept in the directory dir/name.
// The aggregate file records the capacity, the slots held and the earliest
// lease expiry; each holder owns a ledger file with its count and expiry.
// Expired ledgers are discarded by whoever next changes the semaphore.
//
// Waiters poll independently and an acquisition is all or nothing: there is
// no queue shared between processes and no partial fill. A request for many
// slots can therefore be overtaken indefinitely by a steady stream of smaller
// ones.
type Semaphore struct {
	name     string
	dir      string
	capacity int
	ttl      atomic.Int64
	opts     options
}

var _ lock.DistributedLock[*SemaphoreLocking] = (*Semaphore)(nil)

// NewSemaphore returns a Semaphore stored under dir. capacity is used when
// the semaphore has not been created on disk yet; a ttl of zero selects
// DefaultTTL.
func NewSemaphore(dir, name string, capacity int, ttl time.Duration, opts ...Option) (*Semaphore, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if capacity < 1 {
		return nil, latcherrors.ErrInvalidCount
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	s := &Semaphore{name: name, dir: filepath.Join(dir, name), capacity: capacity, opts: newOptions(opts)}
	if err := s.SetTTL(ttl); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements lock.Lock.Name.
func (s *Semaphore) Name() string { return s.name }

// Dir returns the directory holding the semaphore files.
func (s *Semaphore) Dir() string { return s.dir }

// TTL returns the default lease length of new acquisitions.
func (s *Semaphore) TTL() time.Duration { return time.Duration(s.ttl.Load()) }

// SetTTL changes the default lease length.
func (s *Semaphore) SetTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	s.ttl.Store(int64(ttl))
	return nil
}

// Capacity returns the capacity stored on disk.
func (s *Semaphore) Capacity(ctx context.Context) (int, error) {
	var capacity int
	err := s.update(ctx, func(st *semState) error {
		capacity = st.capacity
		return nil
	})
	return capacity, err
}

// Acquired returns the number of slots held by live leases.
func (s *Semaphore) Acquired(ctx context.Context) (int, error) {
	var n int
	err := s.update(ctx, func(st *semState) error {
		n = st.total()
		return nil
	})
	return n, err
}

// SetCapacity changes the capacity for every process using the semaphore.
// Holders above the new capacity keep their slots until they release them.
func (s *Semaphore) SetCapacity(ctx context.Context, n int) error {
	if n < 1 {
		return latcherrors.ErrInvalidCount
	}
	var grew bool
	err := s.update(ctx, func(st *semState) error {
		grew = n > st.capacity
		st.capacity = n
		return nil
	})
	if err == nil && grew {
		s.opts.poller(metrics.KindFileSemaphore).AnnounceRelease(ctx, s.name)
	}
	return err
}

// Create implements lock.Lock.Create with a random owner.
func (s *Semaphore) Create() *SemaphoreLocking {
	return &SemaphoreLocking{sem: s, owner: uuid.NewString()}
}

// CreateOwned implements lock.DistributedLock.CreateOwned. Handles with the
// same owner share one ledger.
func (s *Semaphore) CreateOwned(owner string) (*SemaphoreLocking, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	return &SemaphoreLocking{sem: s, owner: owner}, nil
}

// semState is the semaphore as seen under the aggregate file lock.
type semState struct {
	now      time.Time
	capacity int
	ledgers  map[string]ledger
	dirty    map[string]bool
}

func (st *semState) total() int {
	n := 0
	for _, l := range st.ledgers {
		n += l.count
	}
	return n
}

func (st *semState) set(owner string, l ledger) {
	if l.count <= 0 {
		delete(st.ledgers, owner)
	} else {
		st.ledgers[owner] = l
	}
	st.dirty[owner] = true
}

// earliest returns the soonest expiry among ledgers other than owner's.
func (st *semState) earliest(except string) time.Time {
	var t time.Time
	for owner, l := range st.ledgers {
		if owner == except {
			continue
		}
		if t.IsZero() || l.expires.Before(t) {
			t = l.expires
		}
	}
	return t
}

// update runs fn with the semaphore locked and persists what it changed.
func (s *Semaphore) update(ctx context.Context, fn func(st *semState) error) error {
	f, err := openLocked(ctx, filepath.Join(s.dir, aggregateFile))
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := s.load(f)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}

	for owner := range st.dirty {
		path := filepath.Join(s.dir, ledgerPrefix+owner)
		if l, ok := st.ledgers[owner]; ok {
			err = writeAtomic(path, l.encode())
		} else if err = os.Remove(path); errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		if err != nil {
			return fmt.Errorf("ledger %s: %w", owner, err)
		}
	}
	agg := aggregate{capacity: st.capacity, acquired: st.total(), earliest: st.earliest("")}
	return f.replace(agg.encode())
}

// load reads the aggregate and every ledger, deleting those that expired.
func (s *Semaphore) load(f *lockedFile) (*semState, error) {
	st := &semState{
		now:      s.opts.now(),
		capacity: s.capacity,
		ledgers:  make(map[string]ledger),
		dirty:    make(map[string]bool),
	}
	b, err := f.content()
	if err != nil {
		return nil, err
	}
	if len(b) > 0 {
		agg, err := parseAggregate(b)
		if err != nil {
			slog.Warn("latch: rebuilding malformed semaphore aggregate", "path", f.path, "error", err)
		} else {
			st.capacity = agg.capacity
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ledgerPrefix) {
			continue
		}
		owner := strings.TrimPrefix(name, ledgerPrefix)
		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		l, err := parseLedger(raw)
		if err != nil || !l.live(st.now) {
			slog.Debug("latch: discarding expired semaphore ledger", "semaphore", s.name, "owner", owner, "error", err)
			st.set(owner, ledger{})
			continue
		}
		st.ledgers[owner] = l
	}
	return st, nil
}

// SemaphoreLocking is a handle on a Semaphore.
type SemaphoreLocking struct {
	sem      *Semaphore
	owner    string
	acquired atomic.Int64
}

var (
	_ lock.DistributedLocking = (*SemaphoreLocking)(nil)
	_ lock.CountedLocking     = (*SemaphoreLocking)(nil)
)

// LockName implements lock.Locking.LockName.
func (h *SemaphoreLocking) LockName() string { return h.sem.name }

// Owner implements lock.DistributedLocking.Owner.
func (h *SemaphoreLocking) Owner() string { return h.owner }

// TTL implements lock.DistributedLocking.TTL.
func (h *SemaphoreLocking) TTL() time.Duration { return h.sem.TTL() }

// AcquiredCount returns the count this handle last wrote. It does not notice
// a lease that expired since; use Held for that.
func (h *SemaphoreLocking) AcquiredCount() int { return int(h.acquired.Load()) }

func (h *SemaphoreLocking) span(ctx context.Context, op string, n int) (context.Context, trace.Span) {
	return h.sem.opts.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("latch.lock", h.sem.name),
		attribute.String("latch.owner", h.owner),
		attribute.Int("latch.count", n),
	))
}

// Held implements lock.DistributedLocking.Held: the owner's ledger is live.
func (h *SemaphoreLocking) Held(ctx context.Context) (held bool, err error) {
	ctx, span := h.span(ctx, "FileSemaphore.Held", 0)
	defer func() { endSpan(span, err) }()

	b, err := readFile(ctx, filepath.Join(h.sem.dir, ledgerPrefix+h.owner))
	if err != nil || b == nil {
		return false, err
	}
	l, err := parseLedger(b)
	if err != nil {
		return false, nil
	}
	return l.live(h.sem.opts.now()), nil
}

// TryAcquire implements lock.Locking.TryAcquire for one slot.
func (h *SemaphoreLocking) TryAcquire(ctx context.Context) (bool, error) {
	return h.TryAcquireNTTL(ctx, 1, h.sem.TTL())
}

// TryAcquireTTL takes one slot for ttl if it is free.
func (h *SemaphoreLocking) TryAcquireTTL(ctx context.Context, ttl time.Duration) (bool, error) {
	return h.TryAcquireNTTL(ctx, 1, ttl)
}

// TryAcquireN implements lock.CountedLocking.TryAcquireN.
func (h *SemaphoreLocking) TryAcquireN(ctx context.Context, n int) (bool, error) {
	return h.TryAcquireNTTL(ctx, n, h.sem.TTL())
}

// TryAcquireNTTL raises the owner's count to n with a lease of ttl if the
// slots are free. Holding n or more already renews the lease.
func (h *SemaphoreLocking) TryAcquireNTTL(ctx context.Context, n int, ttl time.Duration) (ok bool, err error) {
	if n < 1 {
		return false, latcherrors.ErrInvalidCount
	}
	if ttl <= 0 {
		return false, latcherrors.ErrInvalidTTL
	}
	ctx, span := h.span(ctx, "FileSemaphore.TryAcquire", n)
	defer func() { endSpan(span, err) }()

	ok, _, err = h.attempt(ctx, n, ttl)
	return ok, err
}

// Acquire implements lock.Locking.Acquire for one slot.
func (h *SemaphoreLocking) Acquire(ctx context.Context) error {
	return h.AcquireNTTL(ctx, 1, h.sem.TTL())
}

// AcquireTTL waits for one slot with a lease of ttl.
func (h *SemaphoreLocking) AcquireTTL(ctx context.Context, ttl time.Duration) error {
	return h.AcquireNTTL(ctx, 1, ttl)
}

// AcquireN implements lock.CountedLocking.AcquireN.
func (h *SemaphoreLocking) AcquireN(ctx context.Context, n int) error {
	return h.AcquireNTTL(ctx, n, h.sem.TTL())
}

// AcquireNTTL waits until the owner holds n slots or ctx is done.
func (h *SemaphoreLocking) AcquireNTTL(ctx context.Context, n int, ttl time.Duration) (err error) {
	if n < 1 {
		return latcherrors.ErrInvalidCount
	}
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	ctx, span := h.span(ctx, "FileSemaphore.Acquire", n)
	defer func() { endSpan(span, err) }()

	return h.sem.opts.poller(metrics.KindFileSemaphore).Poll(ctx, h.sem.name, func(ctx context.Context) (bool, time.Duration, error) {
		return h.attempt(ctx, n, ttl)
	})
}

// AcquireAsync implements lock.Locking.AcquireAsync for one slot.
func (h *SemaphoreLocking) AcquireAsync(ctx context.Context) *waiter.Waiter {
	return h.AcquireNAsync(ctx, 1)
}

// AcquireTTLAsync runs AcquireTTL in the background.
func (h *SemaphoreLocking) AcquireTTLAsync(ctx context.Context, ttl time.Duration) *waiter.Waiter {
	return waiter.Go(func() error {
		return h.AcquireNTTL(ctx, 1, ttl)
	})
}

// AcquireNAsync runs AcquireN in the background.
func (h *SemaphoreLocking) AcquireNAsync(ctx context.Context, n int) *waiter.Waiter {
	if n < 1 {
		return waiter.Failed(latcherrors.ErrInvalidCount)
	}
	ttl := h.sem.TTL()
	return waiter.Go(func() error {
		return h.AcquireNTTL(ctx, n, ttl)
	})
}

func (h *SemaphoreLocking) attempt(ctx context.Context, n int, ttl time.Duration) (bool, time.Duration, error) {
	var (
		ok   bool
		wait time.Duration
		held int
	)
	err := h.sem.update(ctx, func(st *semState) error {
		if n > st.capacity {
			return fmt.Errorf("%w: %d exceeds capacity %d", latcherrors.ErrInvalidCount, n, st.capacity)
		}
		own := st.ledgers[h.owner]
		if own.count >= n {
			own.expires = st.now.Add(ttl)
			st.set(h.owner, own)
			ok, held = true, own.count
			return nil
		}
		if st.total()-own.count+n > st.capacity {
			if t := st.earliest(h.owner); !t.IsZero() {
				wait = t.Sub(st.now)
			}
			return nil
		}
		st.set(h.owner, ledger{count: n, expires: st.now.Add(ttl)})
		ok, held = true, n
		return nil
	})
	if err != nil || !ok {
		return false, wait, err
	}
	h.acquired.Store(int64(held))
	metrics.AcquireCounter.WithLabelValues(metrics.KindFileSemaphore).Inc()
	h.sem.opts.notify(h.sem.name, h.owner, lock.EventAcquired, held)
	return true, 0, nil
}

// Release implements lock.Locking.Release: the owner gives up every slot.
func (h *SemaphoreLocking) Release(ctx context.Context) error {
	return h.ReleaseTo(ctx, 0)
}

// ReleaseTo implements lock.CountedLocking.ReleaseTo. Keeping at least what
// the owner holds changes nothing.
func (h *SemaphoreLocking) ReleaseTo(ctx context.Context, remaining int) (err error) {
	if remaining < 0 {
		return latcherrors.ErrInvalidCount
	}
	ctx, span := h.span(ctx, "FileSemaphore.Release", remaining)
	defer func() { endSpan(span, err) }()

	var released bool
	err = h.sem.update(ctx, func(st *semState) error {
		own, ok := st.ledgers[h.owner]
		if !ok || own.count <= remaining {
			return nil
		}
		own.count = remaining
		st.set(h.owner, own)
		released = true
		return nil
	})
	if err != nil {
		return err
	}
	if cur := int(h.acquired.Load()); cur > remaining {
		h.acquired.Store(int64(remaining))
	}
	if !released {
		return nil
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.KindFileSemaphore).Inc()
	h.sem.opts.notify(h.sem.name, h.owner, lock.EventReleased, remaining)
	h.sem.opts.poller(metrics.KindFileSemaphore).AnnounceRelease(ctx, h.sem.name)
	return nil
}

// Close releases the handle.
func (h *SemaphoreLocking) Close() error {
	return h.Release(context.Background())
}
