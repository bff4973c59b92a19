package waiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMultiplexerCompleteReleasesAll(t *testing.T) {
	var mu sync.Mutex
	m := New[string](&mu, "owner", nil)

	mu.Lock()
	w1 := m.Register(context.Background())
	w2 := m.Register(context.Background())
	mu.Unlock()

	if w1.Settled() || w2.Settled() {
		t.Fatal("waiters settled before Complete")
	}

	mu.Lock()
	m.Complete()
	if m.Len() != 0 {
		t.Fatalf("expected no waiters after Complete, got %d", m.Len())
	}
	mu.Unlock()

	if err := w1.Wait(); err != nil {
		t.Fatalf("w1: %v", err)
	}
	if err := w2.Wait(); err != nil {
		t.Fatalf("w2: %v", err)
	}
}

func TestMultiplexerFailDeliversError(t *testing.T) {
	var mu sync.Mutex
	m := New[int](&mu, 1, nil)
	boom := errors.New("boom")

	mu.Lock()
	w := m.Register(context.Background())
	m.Fail(boom)
	mu.Unlock()

	if err := w.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestMultiplexerRegisterCanceledContext(t *testing.T) {
	var mu sync.Mutex
	m := New[int](&mu, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mu.Lock()
	w := m.Register(ctx)
	n := m.Len()
	mu.Unlock()

	if n != 0 {
		t.Fatalf("canceled context must not register, got %d waiters", n)
	}
	if err := w.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMultiplexerCancelIsLocal(t *testing.T) {
	var mu sync.Mutex
	emptied := make(chan struct{}, 1)
	m := New[int](&mu, 1, func(*Multiplexer[int]) { emptied <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	mu.Lock()
	canceled := m.Register(ctx)
	kept := m.Register(context.Background())
	mu.Unlock()

	cancel()
	if err := canceled.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if kept.Settled() {
		t.Fatal("cancellation leaked to another waiter")
	}
	select {
	case <-emptied:
		t.Fatal("onEmpty fired while a waiter remains")
	default:
	}

	mu.Lock()
	m.Complete()
	mu.Unlock()
	if err := kept.Wait(); err != nil {
		t.Fatalf("kept: %v", err)
	}
}

func TestMultiplexerLastCancelRunsOnEmpty(t *testing.T) {
	var mu sync.Mutex
	emptied := make(chan int, 1)
	m := New[int](&mu, 7, func(m *Multiplexer[int]) { emptied <- m.Owner() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	mu.Lock()
	w := m.Register(ctx)
	mu.Unlock()

	if err := w.Wait(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case owner := <-emptied:
		if owner != 7 {
			t.Fatalf("unexpected owner %d", owner)
		}
	case <-time.After(time.Second):
		t.Fatal("onEmpty not called")
	}
}

func TestMultiplexerCompleteWinsOverLateCancel(t *testing.T) {
	var mu sync.Mutex
	m := New[int](&mu, 1, func(*Multiplexer[int]) { t.Error("onEmpty after Complete") })
	ctx, cancel := context.WithCancel(context.Background())

	mu.Lock()
	w := m.Register(ctx)
	m.Complete()
	mu.Unlock()
	cancel()

	if err := w.Wait(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
}

func TestGoAndHelpers(t *testing.T) {
	if err := Completed().Wait(); err != nil {
		t.Fatalf("completed: %v", err)
	}
	boom := errors.New("boom")
	if err := Failed(boom).Err(); !errors.Is(err, boom) {
		t.Fatalf("failed: %v", err)
	}
	w := Go(func() error { return boom })
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Go did not settle")
	}
	if !errors.Is(w.Err(), boom) {
		t.Fatalf("go: %v", w.Err())
	}
}
