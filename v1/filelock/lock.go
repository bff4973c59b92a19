package filelock

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/waiter"
)

// Lock is an exclusive lease lock backed by the file dir/name.
type Lock struct {
	name string
	path string
	ttl  atomic.Int64
	opts options
}

var _ lock.DistributedLock[*Locking] = (*Lock)(nil)

// New returns a Lock stored under dir. A ttl of zero selects DefaultTTL.
func New(dir, name string, ttl time.Duration, opts ...Option) (*Lock, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	l := &Lock{name: name, path: filepath.Join(dir, name), opts: newOptions(opts)}
	if err := l.SetTTL(ttl); err != nil {
		return nil, err
	}
	return l, nil
}

// Name implements lock.Lock.Name.
func (l *Lock) Name() string { return l.name }

// Path returns the lease file location.
func (l *Lock) Path() string { return l.path }

// TTL returns the default lease length of new acquisitions.
func (l *Lock) TTL() time.Duration { return time.Duration(l.ttl.Load()) }

// SetTTL changes the default lease length. Leases already written keep their
// expiry.
func (l *Lock) SetTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	l.ttl.Store(int64(ttl))
	return nil
}

// Create implements lock.Lock.Create with a random owner.
func (l *Lock) Create() *Locking {
	return &Locking{lock: l, owner: uuid.NewString()}
}

// CreateOwned implements lock.DistributedLock.CreateOwned. Handles with the
// same owner share the lease.
func (l *Lock) CreateOwned(owner string) (*Locking, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	return &Locking{lock: l, owner: owner}, nil
}

// Locking is a handle on a Lock.
type Locking struct {
	lock  *Lock
	owner string
}

var _ lock.DistributedLocking = (*Locking)(nil)

// LockName implements lock.Locking.LockName.
func (h *Locking) LockName() string { return h.lock.name }

// Owner implements lock.DistributedLocking.Owner.
func (h *Locking) Owner() string { return h.owner }

// TTL implements lock.DistributedLocking.TTL.
func (h *Locking) TTL() time.Duration { return h.lock.TTL() }

func (h *Locking) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return h.lock.opts.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("latch.lock", h.lock.name),
		attribute.String("latch.owner", h.owner),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Held implements lock.DistributedLocking.Held.
func (h *Locking) Held(ctx context.Context) (held bool, err error) {
	ctx, span := h.span(ctx, "FileLock.Held")
	defer func() { endSpan(span, err) }()

	rec, err := h.lock.read(ctx)
	if err != nil {
		return false, err
	}
	return rec.owner == h.owner && rec.live(h.lock.opts.now()), nil
}

// TryAcquire implements lock.Locking.TryAcquire with the lock's TTL.
func (h *Locking) TryAcquire(ctx context.Context) (bool, error) {
	return h.TryAcquireTTL(ctx, h.lock.TTL())
}

// TryAcquireTTL takes or renews the lease for ttl if nobody else holds it.
func (h *Locking) TryAcquireTTL(ctx context.Context, ttl time.Duration) (ok bool, err error) {
	if ttl <= 0 {
		return false, latcherrors.ErrInvalidTTL
	}
	ctx, span := h.span(ctx, "FileLock.TryAcquire")
	defer func() { endSpan(span, err) }()

	ok, _, err = h.attempt(ctx, ttl)
	return ok, err
}

// Acquire implements lock.Locking.Acquire with the lock's TTL.
func (h *Locking) Acquire(ctx context.Context) error {
	return h.AcquireTTL(ctx, h.lock.TTL())
}

// AcquireTTL waits until the lease can be taken for ttl or ctx is done.
func (h *Locking) AcquireTTL(ctx context.Context, ttl time.Duration) (err error) {
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	ctx, span := h.span(ctx, "FileLock.Acquire")
	defer func() { endSpan(span, err) }()

	return h.lock.opts.poller(metrics.KindFileLock).Poll(ctx, h.lock.name, func(ctx context.Context) (bool, time.Duration, error) {
		return h.attempt(ctx, ttl)
	})
}

// AcquireAsync implements lock.Locking.AcquireAsync.
func (h *Locking) AcquireAsync(ctx context.Context) *waiter.Waiter {
	return h.AcquireTTLAsync(ctx, h.lock.TTL())
}

// AcquireTTLAsync runs AcquireTTL in the background.
func (h *Locking) AcquireTTLAsync(ctx context.Context, ttl time.Duration) *waiter.Waiter {
	if ttl <= 0 {
		return waiter.Failed(latcherrors.ErrInvalidTTL)
	}
	return waiter.Go(func() error {
		return h.AcquireTTL(ctx, ttl)
	})
}

// attempt checks the lease without locking first, then writes it under the
// file lock after checking again.
func (h *Locking) attempt(ctx context.Context, ttl time.Duration) (bool, time.Duration, error) {
	l := h.lock
	rec, err := l.read(ctx)
	if err != nil {
		return false, 0, err
	}
	now := l.opts.now()
	if rec.heldByOther(h.owner, now) {
		return false, rec.expires.Sub(now), nil
	}

	f, err := openLocked(ctx, l.path)
	if err != nil {
		return false, 0, err
	}
	defer f.Close()
	if rec, err = l.readLocked(f); err != nil {
		return false, 0, err
	}
	now = l.opts.now()
	if rec.heldByOther(h.owner, now) {
		return false, rec.expires.Sub(now), nil
	}
	if err := f.replace(record{owner: h.owner, expires: now.Add(ttl)}.encode()); err != nil {
		return false, 0, fmt.Errorf("write lease: %w", err)
	}
	metrics.AcquireCounter.WithLabelValues(metrics.KindFileLock).Inc()
	l.opts.notify(l.name, h.owner, lock.EventAcquired, 1)
	return true, 0, nil
}

// Release implements lock.Locking.Release. The lease file is removed only if
// it still names this handle's owner.
func (h *Locking) Release(ctx context.Context) (err error) {
	ctx, span := h.span(ctx, "FileLock.Release")
	defer func() { endSpan(span, err) }()

	l := h.lock
	rec, err := l.read(ctx)
	if err != nil || rec.owner != h.owner {
		return err
	}
	f, err := openLocked(ctx, l.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if rec, err = l.readLocked(f); err != nil {
		return err
	}
	if rec.owner != h.owner {
		return nil // taken over after our lease expired
	}
	if err := f.remove(); err != nil {
		return err
	}

	metrics.ReleaseCounter.WithLabelValues(metrics.KindFileLock).Inc()
	l.opts.notify(l.name, h.owner, lock.EventReleased, 0)
	l.opts.poller(metrics.KindFileLock).AnnounceRelease(ctx, l.name)
	return nil
}

// Close releases the handle.
func (h *Locking) Close() error {
	return h.Release(context.Background())
}

func (l *Lock) read(ctx context.Context) (record, error) {
	b, err := readFile(ctx, l.path)
	if err != nil {
		return record{}, err
	}
	return l.parse(b), nil
}

func (l *Lock) readLocked(f *lockedFile) (record, error) {
	b, err := f.content()
	if err != nil {
		return record{}, err
	}
	return l.parse(b), nil
}

// parse treats an unreadable record, such as one torn by a crash mid-write,
// as vacant.
func (l *Lock) parse(b []byte) record {
	rec, err := parseRecord(b)
	if err != nil {
		slog.Warn("latch: ignoring malformed lease file", "path", l.path, "error", err)
		return record{}
	}
	return rec
}
