package provider

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/filelock"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/redislock"
)

var (
	_ Provider[*lock.Mutex]         = (*Mutexes)(nil)
	_ Provider[*lock.Semaphore]     = (*Semaphores)(nil)
	_ Provider[*filelock.Lock]      = (*FileLocks)(nil)
	_ Provider[*filelock.Semaphore] = (*FileSemaphores)(nil)
	_ Provider[*redislock.Lock]     = (*RedisLocks)(nil)
)

// Mutexes provides in-process mutexes by name.
type Mutexes struct {
	*Registry[*lock.Mutex]
}

// NewMutexes returns a provider creating mutexes with opts.
func NewMutexes(opts ...lock.Option) *Mutexes {
	return &Mutexes{NewRegistry(func(name string) (*lock.Mutex, error) {
		return lock.NewMutex(name, opts...), nil
	})}
}

// Semaphores provides in-process semaphores by name. The default capacity
// is 1.
type Semaphores struct {
	*Registry[*lock.Semaphore]
	capacity settings[int]
}

// NewSemaphores returns a provider creating semaphores with opts.
func NewSemaphores(opts ...lock.Option) *Semaphores {
	p := &Semaphores{capacity: newSettings(1)}
	p.Registry = NewRegistry(func(name string) (*lock.Semaphore, error) {
		return lock.NewSemaphore(name, p.capacity.get(name), opts...)
	})
	return p
}

// SetCapacity sets the capacity of the semaphore name, or the default when
// name is empty.
func (p *Semaphores) SetCapacity(name string, n int) error {
	if n < 1 {
		return latcherrors.ErrInvalidCount
	}
	return p.with(name, func(s *lock.Semaphore, ok bool) error {
		p.capacity.set(name, n)
		if !ok || name == "" {
			return nil
		}
		return s.SetCapacity(n)
	})
}

// FileLocks provides lease file locks kept in one directory.
type FileLocks struct {
	*Registry[*filelock.Lock]
	dir string
	ttl settings[time.Duration]
}

// NewFileLocks returns a provider creating lease locks under dir.
func NewFileLocks(dir string, opts ...filelock.Option) *FileLocks {
	p := &FileLocks{dir: dir, ttl: newSettings(filelock.DefaultTTL)}
	p.Registry = NewRegistry(func(name string) (*filelock.Lock, error) {
		return filelock.New(dir, name, p.ttl.get(name), opts...)
	})
	return p
}

// Dir returns the directory holding the lease files.
func (p *FileLocks) Dir() string { return p.dir }

// SetTimeToLive sets the lease TTL of the lock name, or the default when
// name is empty.
func (p *FileLocks) SetTimeToLive(name string, ttl time.Duration) error {
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	return p.with(name, func(l *filelock.Lock, ok bool) error {
		p.ttl.set(name, ttl)
		if !ok || name == "" {
			return nil
		}
		return l.SetTTL(ttl)
	})
}

// FileSemaphores provides lease file semaphores kept in one directory.
// Capacities set here apply to semaphores not yet created on disk;
// SetCapacity with a name also rewrites the stored capacity.
type FileSemaphores struct {
	*Registry[*filelock.Semaphore]
	dir      string
	capacity settings[int]
	ttl      settings[time.Duration]
}

// NewFileSemaphores returns a provider creating lease semaphores under dir.
func NewFileSemaphores(dir string, opts ...filelock.Option) *FileSemaphores {
	p := &FileSemaphores{
		dir:      dir,
		capacity: newSettings(1),
		ttl:      newSettings(filelock.DefaultTTL),
	}
	p.Registry = NewRegistry(func(name string) (*filelock.Semaphore, error) {
		return filelock.NewSemaphore(dir, name, p.capacity.get(name), p.ttl.get(name), opts...)
	})
	return p
}

// Dir returns the directory holding the semaphore directories.
func (p *FileSemaphores) Dir() string { return p.dir }

// SetTimeToLive sets the lease TTL of the semaphore name, or the default
// when name is empty.
func (p *FileSemaphores) SetTimeToLive(name string, ttl time.Duration) error {
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	return p.with(name, func(s *filelock.Semaphore, ok bool) error {
		p.ttl.set(name, ttl)
		if !ok || name == "" {
			return nil
		}
		return s.SetTTL(ttl)
	})
}

// SetCapacity sets the capacity of the semaphore name for every process
// sharing the directory, or the default when name is empty.
func (p *FileSemaphores) SetCapacity(ctx context.Context, name string, n int) error {
	if n < 1 {
		return latcherrors.ErrInvalidCount
	}
	err := p.with(name, func(*filelock.Semaphore, bool) error {
		p.capacity.set(name, n)
		return nil
	})
	if err != nil || name == "" {
		return err
	}
	s, err := p.Get(name)
	if err != nil {
		return err
	}
	return s.SetCapacity(ctx, n)
}

// RedisLocks provides Redis lease locks sharing one client.
type RedisLocks struct {
	*Registry[*redislock.Lock]
	ttl settings[time.Duration]
}

// NewRedisLocks returns a provider creating Redis locks with opts.
func NewRedisLocks(client redis.UniversalClient, opts ...redislock.Option) *RedisLocks {
	p := &RedisLocks{ttl: newSettings(redislock.DefaultTTL)}
	p.Registry = NewRegistry(func(name string) (*redislock.Lock, error) {
		return redislock.New(client, name, p.ttl.get(name), opts...)
	})
	return p
}

// SetTimeToLive sets the lease TTL of the lock name, or the default when
// name is empty.
func (p *RedisLocks) SetTimeToLive(name string, ttl time.Duration) error {
	if ttl <= 0 {
		return latcherrors.ErrInvalidTTL
	}
	return p.with(name, func(l *redislock.Lock, ok bool) error {
		p.ttl.set(name, ttl)
		if !ok || name == "" {
			return nil
		}
		return l.SetTTL(ttl)
	})
}
