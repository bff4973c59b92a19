package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// fakeClock is a manually advanced clock for lease expiry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLock(t *testing.T, opts ...Option) *Lock {
	t.Helper()
	opts = append([]Option{WithPollInterval(5*time.Millisecond, 20*time.Millisecond)}, opts...)
	l, err := New(t.TempDir(), "job", time.Minute, opts...)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	return l
}

func TestLockTryAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a, b := l.Create(), l.Create()

	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("a: %v ok %v", err, ok)
	}
	if ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("b should fail, ok %v err %v", ok, err)
	}
	if held, err := a.Held(ctx); err != nil || !held {
		t.Fatalf("a should hold, held %v err %v", held, err)
	}
	if held, _ := b.Held(ctx); held {
		t.Fatal("b should not hold")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(l.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lease file should be removed, stat err %v", err)
	}
	if ok, err := b.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("b after release: %v ok %v", err, ok)
	}
}

func TestLockRecordFormat(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLock(t, WithNow(clock.Now))
	h, _ := l.CreateOwned("worker-1")
	if ok, err := h.TryAcquireTTL(ctx, 30*time.Second); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || lines[0] != "worker-1" {
		t.Fatalf("unexpected record %q", b)
	}
	expires, err := time.Parse(time.RFC3339Nano, lines[1])
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	if !expires.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("unexpected expiry %v", expires)
	}
}

func TestLockSameOwnerReacquires(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a, _ := l.CreateOwned("svc")
	b, _ := l.CreateOwned("svc")
	_, _ = a.TryAcquire(ctx)
	if ok, err := b.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("same owner should re-acquire, ok %v err %v", ok, err)
	}
	if held, _ := a.Held(ctx); !held {
		t.Fatal("lease is shared by owner")
	}
}

func TestLockExpiredLeaseIsVacant(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLock(t, WithNow(clock.Now))
	a, b := l.Create(), l.Create()
	ttl := 10 * time.Second

	if ok, _ := a.TryAcquireTTL(ctx, ttl); !ok {
		t.Fatal("a should acquire")
	}
	clock.Advance(ttl / 2)
	if ok, _ := b.TryAcquireTTL(ctx, ttl); ok {
		t.Fatal("lease still live")
	}
	clock.Advance(ttl * 3 / 4)
	if ok, err := b.TryAcquireTTL(ctx, ttl); err != nil || !ok {
		t.Fatalf("expired lease should be taken over, ok %v err %v", ok, err)
	}
	if held, _ := a.Held(ctx); held {
		t.Fatal("a lost its lease")
	}
	// releasing a stale handle must not remove the new holder's lease
	if err := a.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if held, _ := b.Held(ctx); !held {
		t.Fatal("b should still hold")
	}
}

func TestLockAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a, b := l.Create(), l.Create()
	_ = a.Acquire(ctx)

	w := b.AcquireAsync(ctx)
	time.Sleep(30 * time.Millisecond)
	if w.Settled() {
		t.Fatalf("b acquired while a holds: %v", w.Err())
	}
	_ = a.Release(ctx)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("b did not acquire after release")
	}
	if err := w.Err(); err != nil {
		t.Fatalf("b: %v", err)
	}
}

func TestLockAcquireHonorsContext(t *testing.T) {
	l := newLock(t)
	ctx := context.Background()
	_ = l.Create().Acquire(ctx)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Create().Acquire(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLockBusWakesWaiter(t *testing.T) {
	ctx := context.Background()
	bus := syncbus.NewInMemoryBus()
	l, err := New(t.TempDir(), "job", time.Minute, WithBus(bus), WithPollInterval(time.Second, 5*time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a, b := l.Create(), l.Create()
	_ = a.Acquire(ctx)

	w := b.AcquireAsync(ctx)
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	_ = a.Release(ctx)
	if err := w.Wait(); err != nil {
		t.Fatalf("b: %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatal("waiter was not woken by the release notification")
	}
	if bus.Metrics().Published != 1 {
		t.Fatalf("expected one notification, got %d", bus.Metrics().Published)
	}
}

func TestLockDirectoryAtPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "job"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	l, _ := New(dir, "job", time.Minute)
	_, err := l.Create().TryAcquire(context.Background())
	if !errors.Is(err, latcherrors.ErrLockIsDirectory) {
		t.Fatalf("expected ErrLockIsDirectory, got %v", err)
	}
}

// blockedDir returns a lease directory path whose parent is a regular file.
func blockedDir(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return filepath.Join(file, "leases")
}

// returnsWithin runs fn and fails the test if it does not return in time.
func returnsWithin(t *testing.T, d time.Duration, what string, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatalf("%s did not return within %v", what, d)
		return nil
	}
}

func TestLockUnusableDirectoryFailsFast(t *testing.T) {
	l, err := New(blockedDir(t), "job", time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := l.Create()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = returnsWithin(t, time.Second, "TryAcquire", func() error {
		_, err := h.TryAcquire(ctx)
		return err
	})
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected an I/O error, got %v", err)
	}
	err = returnsWithin(t, time.Second, "Acquire", func() error { return h.Acquire(ctx) })
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected an I/O error, got %v", err)
	}
	if err := returnsWithin(t, time.Second, "Close", h.Close); err == nil {
		t.Fatalf("expected Close to report the I/O error")
	}
}

func TestLockCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	l, _ := New(dir, "job", time.Minute)
	if ok, err := l.Create().TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
}

func TestLockMalformedRecordIsVacant(t *testing.T) {
	l := newLock(t)
	if err := os.WriteFile(l.Path(), []byte("someone\nnot-a-time\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ok, err := l.Create().TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
}

func TestLockValidation(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir, "a/b", time.Minute); !errors.Is(err, latcherrors.ErrInvalidName) {
		t.Fatalf("name: %v", err)
	}
	if _, err := New(dir, "job", -time.Second); !errors.Is(err, latcherrors.ErrInvalidTTL) {
		t.Fatalf("ttl: %v", err)
	}
	l, _ := New(dir, "job", 0)
	if l.TTL() != DefaultTTL {
		t.Fatalf("expected default ttl, got %v", l.TTL())
	}
	for _, owner := range []string{"", "  ", "a/b", "a\\b", "a\nb"} {
		if _, err := l.CreateOwned(owner); !errors.Is(err, latcherrors.ErrInvalidOwner) {
			t.Fatalf("owner %q: %v", owner, err)
		}
	}
	if _, err := l.Create().TryAcquireTTL(context.Background(), 0); !errors.Is(err, latcherrors.ErrInvalidTTL) {
		t.Fatalf("acquire ttl: %v", err)
	}
	if err := l.SetTTL(0); !errors.Is(err, latcherrors.ErrInvalidTTL) {
		t.Fatalf("set ttl: %v", err)
	}
}

func TestLockEventsAndSpans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	var events []lock.Event
	l := newLock(t, WithTracerProvider(tp), WithNotifier(lock.NotifierFunc(func(e lock.Event) {
		events = append(events, e)
	})))
	h, _ := l.CreateOwned("owner")
	_, _ = h.TryAcquire(ctx)
	_ = h.Release(ctx)

	if len(events) != 2 || events[0].Kind != lock.EventAcquired || events[1].Kind != lock.EventReleased {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Owner != "owner" || events[0].Lock != "job" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	names := map[string]bool{}
	for _, s := range sr.Ended() {
		names[s.Name()] = true
	}
	if !names["FileLock.TryAcquire"] || !names["FileLock.Release"] {
		t.Fatalf("missing spans: %v", names)
	}
}

func TestLockAcquireHelper(t *testing.T) {
	l := newLock(t)
	h, err := lock.AcquireOwned[*Locking](context.Background(), l, "svc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Owner() != "svc" {
		t.Fatalf("unexpected owner %q", h.Owner())
	}
	if _, err := lock.AcquireOwned[*Locking](context.Background(), l, ""); !errors.Is(err, latcherrors.ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
}
