package watchbus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisWatchBus(t *testing.T, opts ...RedisOption) (*RedisWatchBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWatchBus(client, opts...), client
}

func TestRedisWatchBus(t *testing.T) {
	bus, client := newRedisWatchBus(t)
	ctx := context.Background()

	if err := bus.Publish(ctx, "jobs/1", []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	chKey, err := bus.Watch(ctx, "jobs/1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chPrefix, err := bus.WatchPrefix(ctx, "jobs/")
	if err != nil {
		t.Fatalf("watch prefix: %v", err)
	}

	if err := bus.Publish(ctx, "jobs/1", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := receive(t, chKey); string(msg) != "a" {
		t.Fatalf("unexpected %s", msg)
	}
	if msg := receive(t, chPrefix); string(msg) != "a" {
		t.Fatalf("unexpected %s", msg)
	}

	n, err := client.XLen(ctx, DefaultStreamPrefix+"jobs/1").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stream entries, got %d", n)
	}

	if err := bus.Unwatch(ctx, "jobs/1", chKey); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := bus.Unwatch(ctx, "jobs/", chPrefix); err != nil {
		t.Fatalf("unwatch prefix: %v", err)
	}
	for _, ch := range []chan []byte{chKey, chPrefix} {
		select {
		case <-drained(ch):
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after unwatch")
		}
	}
}

// drained closes the returned channel once ch is closed.
func drained(ch chan []byte) chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}

func TestRedisWatchBusHistory(t *testing.T) {
	bus, _ := newRedisWatchBus(t, WithMaxLen(3))
	ctx := context.Background()
	for _, m := range []string{"1", "2", "3", "4"} {
		if err := bus.Publish(ctx, "jobs", []byte(m)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got, err := bus.History(ctx, "jobs", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 3 || string(got[0]) != "2" || string(got[2]) != "4" {
		t.Fatalf("unexpected history %q", got)
	}
	got, err = bus.History(ctx, "jobs", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "4" {
		t.Fatalf("unexpected history %q", got)
	}
}

func TestRedisWatchBusContextUnwatches(t *testing.T) {
	bus, _ := newRedisWatchBus(t, WithStreamPrefix("test:"))
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case <-drained(ch):
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	deadline := time.Now().Add(time.Second)
	for {
		bus.mu.Lock()
		n := len(bus.cancels)
		bus.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected no tracked watchers, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
