// Package redislock implements the distributed lock contract on Redis. The
// lease is a plain key holding the owner with a PX expiry; only its owner may
// renew or delete it.
package redislock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/waiter"
)

const (
	// DefaultTTL is the lease length used when none is configured.
	DefaultTTL = 5 * time.Minute
	// DefaultKeyPrefix is prepended to lock names to build Redis keys.
	DefaultKeyPrefix = "latch:lock:"

	tracerName = "github.com/mirkobrombin/go-latch/v1/redislock"
)

// acquireScript sets the lease if it is vacant or already ours. It returns
// {1, 0} on success and {0, pttl} while someone else holds it.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return {1, 0}
end
return {0, redis.call("PTTL", KEYS[1])}
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

type options struct {
	bus      syncbus.Bus
	prefix   string
	minPoll  time.Duration
	maxPoll  time.Duration
	notifier lock.Notifier
	tracer   trace.Tracer
}

// Option configures a Lock.
type Option func(*options)

// WithBus publishes a notification on release and lets waiters wake up on it.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithPollInterval bounds how long a waiter sleeps between attempts.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(o *options) {
		if lo > 0 {
			o.minPoll = lo
		}
		if hi >= o.minPoll {
			o.maxPoll = hi
		}
	}
}

// WithNotifier delivers lifecycle events to n.
func WithNotifier(n lock.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp.Tracer(tracerName)
	}
}

// Lock is a lease lock stored in Redis under prefix+name.
type Lock struct {
	client redis.UniversalClient
	name   string
	key    string
	ttl    atomic.Int64
	opts   options
}

var _ lock.DistributedLock[*Locking] = (*Lock)(nil)

// New returns a Lock using client. A ttl of zero selects DefaultTTL.
func New(client redis.UniversalClient, name string, ttl time.Duration, opts ...Option) (*Lock, error) {
	if name == "" {
		return nil, latcherrors.ErrInvalidName
	}
	o := options{
		prefix:  DefaultKeyPrefix,
		minPoll: 50 * time.Millisecond,
		maxPoll: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	l := &Lock{client: client, name: name, key: o.prefix + name, opts: o}
	if err := l.SetTTL(ttl); err != nil {
		return nil, err
	}
	return l, nil
}

// Name implements lock.Lock.Name.
func (l *Lock) Name() string { return l.name }

// Key returns the Redis key holding the lease.
func (l *Lock) Key() string { return l.key }

// TTL returns the default lease length.
func (l *Lock) TTL() time.Duration { return time.Duration(l.ttl.Load()) }

// SetTTL changes the default lease length.
func (l *Lock) SetTTL(ttl time.Duration) error {
	if ttl < time.Millisecond {
		return latcherrors.ErrInvalidTTL
	}
	l.ttl.Store(int64(ttl))
	return nil
}

// Create implements lock.Lock.Create with a random owner.
func (l *Lock) Create() *Locking {
	owner, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand failing leaves nothing sensible to fall back on
		panic(fmt.Sprintf("latch: generate owner: %v", err))
	}
	return &Locking{lock: l, owner: owner}
}

// CreateOwned implements lock.DistributedLock.CreateOwned.
func (l *Lock) CreateOwned(owner string) (*Locking, error) {
	if owner == "" {
		return nil, latcherrors.ErrInvalidOwner
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
	ctx, span := h.span(ctx, "RedisLock.Held")
	defer func() { endSpan(span, err) }()

	cur, err := h.lock.client.Get(ctx, h.lock.key).Result()
	if stdErrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cur == h.owner, nil
}

// TryAcquire implements lock.Locking.TryAcquire with the lock's TTL.
func (h *Locking) TryAcquire(ctx context.Context) (bool, error) {
	return h.TryAcquireTTL(ctx, h.lock.TTL())
}

// TryAcquireTTL takes or renews the lease for ttl if nobody else holds it.
func (h *Locking) TryAcquireTTL(ctx context.Context, ttl time.Duration) (ok bool, err error) {
	if ttl < time.Millisecond {
		return false, latcherrors.ErrInvalidTTL
	}
	ctx, span := h.span(ctx, "RedisLock.TryAcquire")
	defer func() { endSpan(span, err) }()

	ok, _, err = h.attempt(ctx, ttl)
	return ok, err
}

// Acquire implements lock.Locking.Acquire with the lock's TTL.
func (h *Locking) Acquire(ctx context.Context) error {
	return h.AcquireTTL(ctx, h.lock.TTL())
}

// AcquireTTL waits until the lease can be taken for ttl or ctx is done.
// Waiters sleep for the holder's remaining lease, clamped to the poll bounds,
// or until a release notification arrives.
func (h *Locking) AcquireTTL(ctx context.Context, ttl time.Duration) (err error) {
	if ttl < time.Millisecond {
		return latcherrors.ErrInvalidTTL
	}
	ctx, span := h.span(ctx, "RedisLock.Acquire")
	defer func() { endSpan(span, err) }()

	return h.lock.poller().Poll(ctx, h.lock.name, func(ctx context.Context) (bool, time.Duration, error) {
		return h.attempt(ctx, ttl)
	})
}

// AcquireAsync implements lock.Locking.AcquireAsync.
func (h *Locking) AcquireAsync(ctx context.Context) *waiter.Waiter {
	return h.AcquireTTLAsync(ctx, h.lock.TTL())
}

// AcquireTTLAsync runs AcquireTTL in the background.
func (h *Locking) AcquireTTLAsync(ctx context.Context, ttl time.Duration) *waiter.Waiter {
	if ttl < time.Millisecond {
		return waiter.Failed(latcherrors.ErrInvalidTTL)
	}
	return waiter.Go(func() error {
		return h.AcquireTTL(ctx, ttl)
	})
}

func (h *Locking) attempt(ctx context.Context, ttl time.Duration) (bool, time.Duration, error) {
	l := h.lock
	res, err := acquireScript.Run(ctx, l.client, []string{l.key}, h.owner, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("latch: unexpected acquire reply %v", res)
	}
	if res[0] == 0 {
		return false, time.Duration(res[1]) * time.Millisecond, nil
	}
	metrics.AcquireCounter.WithLabelValues(metrics.KindRedisLock).Inc()
	l.notify(h.owner, lock.EventAcquired, 1)
	return true, 0, nil
}

// Release implements lock.Locking.Release. Only a lease still owned by this
// handle's owner is deleted.
func (h *Locking) Release(ctx context.Context) (err error) {
	ctx, span := h.span(ctx, "RedisLock.Release")
	defer func() { endSpan(span, err) }()

	l := h.lock
	n, err := delScript.Run(ctx, l.client, []string{l.key}, h.owner).Int64()
	if stdErrors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil || n == 0 {
		return err
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.KindRedisLock).Inc()
	l.notify(h.owner, lock.EventReleased, 0)
	l.poller().AnnounceRelease(ctx, l.name)
	return nil
}

// Close releases the handle.
func (h *Locking) Close() error {
	return h.Release(context.Background())
}

func (l *Lock) poller() syncbus.Poller {
	o := l.opts
	return syncbus.Poller{Bus: o.bus, Kind: metrics.KindRedisLock, Min: o.minPoll, Max: o.maxPoll}
}

func (l *Lock) notify(owner string, kind lock.EventKind, count int) {
	if l.opts.notifier == nil {
		return
	}
	l.opts.notifier.Notify(lock.Event{Lock: l.name, Kind: kind, Owner: owner, Count: count, Time: time.Now()})
}
