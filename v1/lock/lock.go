package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-latch/v1/waiter"
)

// Locking is a handle bound to a single lock.
type Locking interface {
	// LockName returns the name of the lock the handle was created from.
	LockName() string
	// TryAcquire acquires the lock only if it is immediately available.
	TryAcquire(ctx context.Context) (bool, error)
	// Acquire blocks until the lock is acquired or ctx is done.
	Acquire(ctx context.Context) error
	// AcquireAsync enqueues the acquisition before returning and reports the
	// outcome through the returned Waiter.
	AcquireAsync(ctx context.Context) *waiter.Waiter
	// Release gives up whatever the handle holds. Releasing a handle that holds
	// nothing is a no-op.
	Release(ctx context.Context) error
}

// CountedLocking is a handle on a counting semaphore. The plain Locking
// methods act on a count of one and Release gives up every slot.
type CountedLocking interface {
	Locking
	AcquiredCount() int
	TryAcquireN(ctx context.Context, n int) (bool, error)
	AcquireN(ctx context.Context, n int) error
	AcquireNAsync(ctx context.Context, n int) *waiter.Waiter
	// ReleaseTo lowers the handle's count to remaining.
	ReleaseTo(ctx context.Context, remaining int) error
}

// DistributedLocking is a handle on a lease-based lock shared between
// processes. The plain Locking methods use the lock's default TTL.
type DistributedLocking interface {
	Locking
	Owner() string
	TTL() time.Duration
	// Held reports whether the lease currently belongs to this handle's owner.
	Held(ctx context.Context) (bool, error)
	TryAcquireTTL(ctx context.Context, ttl time.Duration) (bool, error)
	AcquireTTL(ctx context.Context, ttl time.Duration) error
	AcquireTTLAsync(ctx context.Context, ttl time.Duration) *waiter.Waiter
}

// Lock is a named factory of handles.
type Lock[L Locking] interface {
	Name() string
	Create() L
}

// DistributedLock is a Lock whose handles carry an owner identity. Create
// picks a random owner.
type DistributedLock[L DistributedLocking] interface {
	Lock[L]
	CreateOwned(owner string) (L, error)
}

// Acquire creates a handle on l and acquires it.
func Acquire[L Locking](ctx context.Context, l Lock[L]) (L, error) {
	h := l.Create()
	if err := h.Acquire(ctx); err != nil {
		var zero L
		return zero, err
	}
	return h, nil
}

// AcquireOwned creates a handle for owner on l and acquires it with the
// lock's default TTL.
func AcquireOwned[L DistributedLocking](ctx context.Context, l DistributedLock[L], owner string) (L, error) {
	h, err := l.CreateOwned(owner)
	if err != nil {
		return h, err
	}
	if err := h.Acquire(ctx); err != nil {
		var zero L
		return zero, err
	}
	return h, nil
}
