// Package presets wires providers, release buses and event streams into a
// ready-to-use set of locks.
package presets

import (
	"errors"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/filelock"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/provider"
	"github.com/mirkobrombin/go-latch/v1/redislock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Locks bundles the providers of one preset. Providers the preset does not
// support are nil.
type Locks struct {
	Mutexes        *provider.Mutexes
	Semaphores     *provider.Semaphores
	FileLocks      *provider.FileLocks
	FileSemaphores *provider.FileSemaphores
	RedisLocks     *provider.RedisLocks

	// Bus carries release notifications between lease lock waiters.
	Bus syncbus.Bus
	// Events is set when the preset streams lifecycle events.
	Events watchbus.WatchBus

	minPoll time.Duration
	maxPoll time.Duration
	closers []func() error
}

// Close stops the event notifier and releases the connections the preset
// opened, in reverse order.
func (l *Locks) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}

type config struct {
	notifiers []lock.Notifier
	events    watchbus.WatchBus
	minPoll   time.Duration
	maxPoll   time.Duration
}

// Option configures a preset.
type Option func(*config)

// WithNotifier delivers lifecycle events of every lock to n.
func WithNotifier(n lock.Notifier) Option {
	return func(c *config) {
		c.notifiers = append(c.notifiers, n)
	}
}

// WithEvents streams lifecycle events of every lock on wb, keyed by lock
// name.
func WithEvents(wb watchbus.WatchBus) Option {
	return func(c *config) {
		c.events = wb
	}
}

// WithPollInterval bounds how long lease lock waiters sleep between attempts.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(c *config) {
		c.minPoll, c.maxPoll = lo, hi
	}
}

// setup applies opts and returns a Locks holding the in-process providers,
// plus the notifier every provider should use (nil when none).
func setup(opts []Option) (*Locks, lock.Notifier) {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	l := &Locks{Events: c.events}
	notifiers := c.notifiers
	if c.events != nil {
		n := watchbus.NewNotifier(c.events, 0)
		l.closers = append(l.closers, n.Close)
		notifiers = append(notifiers, n)
	}

	var notifier lock.Notifier
	switch len(notifiers) {
	case 0:
	case 1:
		notifier = notifiers[0]
	default:
		notifier = lock.NotifierFunc(func(e lock.Event) {
			for _, n := range notifiers {
				n.Notify(e)
			}
		})
	}

	var lockOpts []lock.Option
	if notifier != nil {
		lockOpts = append(lockOpts, lock.WithNotifier(notifier))
	}
	l.Mutexes = provider.NewMutexes(lockOpts...)
	l.Semaphores = provider.NewSemaphores(lockOpts...)
	l.minPoll, l.maxPoll = c.minPoll, c.maxPoll
	return l, notifier
}

func (l *Locks) fileOptions(bus syncbus.Bus, n lock.Notifier) []filelock.Option {
	opts := []filelock.Option{filelock.WithBus(bus)}
	if n != nil {
		opts = append(opts, filelock.WithNotifier(n))
	}
	if l.minPoll > 0 {
		opts = append(opts, filelock.WithPollInterval(l.minPoll, l.maxPoll))
	}
	return opts
}

// NewInMemory returns in-process mutexes and semaphores only.
func NewInMemory(opts ...Option) *Locks {
	l, _ := setup(opts)
	return l
}

// NewFile returns in-process locks plus lease locks and semaphores under
// dir. Release notifications stay within the process; other processes
// sharing dir fall back to polling.
func NewFile(dir string, opts ...Option) *Locks {
	l, n := setup(opts)
	bus := syncbus.NewInMemoryBus()
	l.Bus = bus
	fopts := l.fileOptions(bus, n)
	l.FileLocks = provider.NewFileLocks(dir, fopts...)
	l.FileSemaphores = provider.NewFileSemaphores(dir, fopts...)
	return l
}

// NewRedis returns in-process locks plus Redis lease locks. Release
// notifications travel over Redis Pub/Sub behind a circuit breaker.
func NewRedis(ro RedisOptions, opts ...Option) *Locks {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	l, n := setup(opts)
	rb := syncbus.NewRedisBus(client)
	l.Bus = syncbus.NewCircuitBreaker(rb, breakerThreshold, breakerTimeout)
	l.closers = append(l.closers, client.Close, rb.Close)

	ropts := []redislock.Option{redislock.WithBus(l.Bus)}
	if n != nil {
		ropts = append(ropts, redislock.WithNotifier(n))
	}
	if l.minPoll > 0 {
		ropts = append(ropts, redislock.WithPollInterval(l.minPoll, l.maxPoll))
	}
	l.RedisLocks = provider.NewRedisLocks(client, ropts...)
	return l
}

// NewFileNATS returns in-process locks plus lease locks and semaphores under
// dir, announcing releases over NATS so waiters in other processes wake
// early.
func NewFileNATS(dir, url string, opts ...Option) (*Locks, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	l, n := setup(opts)
	l.Bus = syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerTimeout)
	l.closers = append(l.closers, func() error {
		conn.Close()
		return nil
	})
	fopts := l.fileOptions(l.Bus, n)
	l.FileLocks = provider.NewFileLocks(dir, fopts...)
	l.FileSemaphores = provider.NewFileSemaphores(dir, fopts...)
	return l, nil
}

// NewFileKafka is NewFileNATS with release notifications carried on a Kafka
// topic. cfg may be nil.
func NewFileKafka(dir string, brokers []string, cfg *sarama.Config, opts ...Option) (*Locks, error) {
	kb, err := syncbus.NewKafkaBus(brokers, cfg)
	if err != nil {
		return nil, err
	}
	l, n := setup(opts)
	l.Bus = syncbus.NewCircuitBreaker(kb, breakerThreshold, breakerTimeout)
	l.closers = append(l.closers, kb.Close)
	fopts := l.fileOptions(l.Bus, n)
	l.FileLocks = provider.NewFileLocks(dir, fopts...)
	l.FileSemaphores = provider.NewFileSemaphores(dir, fopts...)
	return l, nil
}
