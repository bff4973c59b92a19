package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"golang.org/x/sync/errgroup"
)

func waitSettled(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter did not settle")
	}
}

func TestMutexTryAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b := m.Create(), m.Create()

	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("try acquire a: %v ok %v", err, ok)
	}
	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("re-acquire a should be a no-op, ok %v err %v", ok, err)
	}
	if ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("expected b to fail, ok %v err %v", ok, err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.IsAcquired() {
		t.Fatal("a still acquired after release")
	}
	if ok, err := b.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("expected b to acquire, ok %v err %v", ok, err)
	}
	if b.LockName() != "m" {
		t.Fatalf("unexpected lock name %q", b.LockName())
	}
}

func TestMutexTryAcquireCanceledContext(t *testing.T) {
	m := NewMutex("m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Create().TryAcquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMutexTryAcquireLosesToQueuedHandle(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b, c := m.Create(), m.Create(), m.Create()

	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatal("a should acquire")
	}
	w := b.AcquireAsync(ctx)
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := c.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("c should not take a lock handed to b, ok %v err %v", ok, err)
	}
	waitSettled(t, w.Done())
	if !b.IsAcquired() {
		t.Fatal("b should hold the lock")
	}
}

func TestMutexFIFOHandOff(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b, c := m.Create(), m.Create(), m.Create()
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	wb := b.AcquireAsync(ctx)
	wc := c.AcquireAsync(ctx)
	if wb.Settled() || wc.Settled() {
		t.Fatal("waiters settled while lock held")
	}
	if m.Waiting() != 2 {
		t.Fatalf("expected 2 waiting, got %d", m.Waiting())
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}
	waitSettled(t, wb.Done())
	if err := wb.Err(); err != nil {
		t.Fatalf("b: %v", err)
	}
	if !b.IsAcquired() || wc.Settled() {
		t.Fatal("lock must go to b first")
	}

	// a fast-path caller cannot take a lock that was handed over
	if ok, _ := a.TryAcquire(ctx); ok {
		t.Fatal("a should not get the lock while b holds it")
	}

	if err := b.Release(ctx); err != nil {
		t.Fatalf("release b: %v", err)
	}
	if err := wc.Wait(); err != nil {
		t.Fatalf("c: %v", err)
	}
	if !c.IsAcquired() {
		t.Fatal("c should hold the lock")
	}
}

func TestMutexAcquireJoinsPending(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b := m.Create(), m.Create()
	_ = a.Acquire(ctx)

	w1 := b.AcquireAsync(ctx)
	w2 := b.AcquireAsync(ctx)
	if m.Waiting() != 1 {
		t.Fatalf("handle queued twice: %d", m.Waiting())
	}
	_ = a.Release(ctx)
	if err := w1.Wait(); err != nil {
		t.Fatalf("w1: %v", err)
	}
	if err := w2.Wait(); err != nil {
		t.Fatalf("w2: %v", err)
	}
}

func TestMutexCancelWhileWaiting(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b, c := m.Create(), m.Create(), m.Create()
	_ = a.Acquire(ctx)

	cctx, cancel := context.WithCancel(ctx)
	wb := b.AcquireAsync(cctx)
	wc := c.AcquireAsync(ctx)
	cancel()
	if err := wb.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if wc.Settled() {
		t.Fatal("cancel must not affect other waiters")
	}

	_ = a.Release(ctx)
	if err := wc.Wait(); err != nil {
		t.Fatalf("c: %v", err)
	}
	if b.IsAcquired() {
		t.Fatal("canceled handle must not acquire")
	}
}

func TestMutexAcquireTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	_ = m.Create().Acquire(ctx)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	err := m.Create().Acquire(cctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMutexCanceledWaiterIsSkipped(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b := m.Create(), m.Create()
	_ = a.Acquire(ctx)

	cctx, cancel := context.WithCancel(ctx)
	wb := b.AcquireAsync(cctx)
	cancel()
	<-wb.Done()

	_ = a.Release(ctx)
	if ok, err := m.Create().TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("lock should be free, ok %v err %v", ok, err)
	}
}

func TestMutexReleasePendingFails(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	a, b := m.Create(), m.Create()
	_ = a.Acquire(ctx)

	wb := b.AcquireAsync(ctx)
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release pending: %v", err)
	}
	if err := wb.Wait(); !errors.Is(err, latcherrors.ErrSynchronization) {
		t.Fatalf("expected ErrSynchronization, got %v", err)
	}
	if m.Waiting() != 0 {
		t.Fatalf("pending handle left in queue")
	}

	_ = a.Release(ctx)
	if ok, _ := m.Create().TryAcquire(ctx); !ok {
		t.Fatal("lock should be free")
	}
}

func TestMutexReleaseWithoutAcquire(t *testing.T) {
	if err := NewMutex("m").Create().Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("m")
	var inside, peak atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				h := m.Create()
				if err := h.Acquire(gctx); err != nil {
					return err
				}
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				inside.Add(-1)
				if err := h.Release(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("stress: %v", err)
	}
	if peak.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak.Load())
	}
	if m.Waiting() != 0 {
		t.Fatalf("queue not empty: %d", m.Waiting())
	}
}
