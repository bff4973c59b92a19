package filelock

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

const (
	// DefaultTTL is the lease length used when none is configured.
	DefaultTTL = 5 * time.Minute

	defaultMinPoll = 100 * time.Millisecond
	defaultMaxPoll = time.Second
	openRetry      = 10 * time.Millisecond

	tracerName = "github.com/mirkobrombin/go-latch/v1/filelock"
)

type options struct {
	bus      syncbus.Bus
	now      func() time.Time
	minPoll  time.Duration
	maxPoll  time.Duration
	notifier lock.Notifier
	tracer   trace.Tracer
}

// Option configures a Lock or a Semaphore.
type Option func(*options)

// WithBus publishes a notification on release and lets waiters wake up on
// it instead of sleeping out their poll interval.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithNow replaces the clock used for lease timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
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

func newOptions(opts []Option) options {
	o := options{
		now:     time.Now,
		minPoll: defaultMinPoll,
		maxPoll: defaultMaxPoll,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

func (o options) notify(name, owner string, kind lock.EventKind, count int) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(lock.Event{Lock: name, Kind: kind, Owner: owner, Count: count, Time: o.now()})
}

// poller waits for leases with the configured bounds and bus.
func (o options) poller(kind string) syncbus.Poller {
	return syncbus.Poller{Bus: o.bus, Kind: kind, Min: o.minPoll, Max: o.maxPoll}
}
