package main

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/presets"
)

func startServer(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	locks := presets.NewFile(t.TempDir(), presets.WithPollInterval(5*time.Millisecond, 20*time.Millisecond))
	go newServer(locks).serve(ln)
	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = ln.Close()
		_ = locks.Close()
	})
	return client
}

func TestServerLockCommands(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	if got, err := c.Ping(ctx).Result(); err != nil || got != "PONG" {
		t.Fatalf("ping: %q %v", got, err)
	}
	if got, err := c.Do(ctx, "LOCK", "deploy", "alice", 60000).Text(); err != nil || got != "OK" {
		t.Fatalf("lock: %q %v", got, err)
	}
	if err := c.Do(ctx, "LOCK", "deploy", "bob").Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected nil reply for held lock, got %v", err)
	}
	if n, err := c.Do(ctx, "HELD", "deploy", "alice").Int(); err != nil || n != 1 {
		t.Fatalf("held: %d %v", n, err)
	}
	if n, err := c.Do(ctx, "UNLOCK", "deploy", "bob").Int(); err != nil || n != 0 {
		t.Fatalf("foreign unlock: %d %v", n, err)
	}
	if n, err := c.Do(ctx, "UNLOCK", "deploy", "alice").Int(); err != nil || n != 1 {
		t.Fatalf("unlock: %d %v", n, err)
	}
	if got, err := c.Do(ctx, "LOCK", "deploy", "bob").Text(); err != nil || got != "OK" {
		t.Fatalf("lock after unlock: %q %v", got, err)
	}
}

func TestServerLockWait(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	if err := c.Do(ctx, "LOCK", "deploy", "alice", 60000).Err(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := c.Do(ctx, "LOCKWAIT", "deploy", "bob", 60000, 50).Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected timeout nil reply, got %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = c.Do(ctx, "UNLOCK", "deploy", "alice").Err()
	}()
	if got, err := c.Do(ctx, "LOCKWAIT", "deploy", "bob", 60000, 2000).Text(); err != nil || got != "OK" {
		t.Fatalf("lockwait: %q %v", got, err)
	}
}

func TestServerSemaphoreCommands(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	if err := c.Do(ctx, "SEMCAPACITY", "pool", 2).Err(); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	if n, err := c.Do(ctx, "SEMCAPACITY", "pool").Int(); err != nil || n != 2 {
		t.Fatalf("capacity: %d %v", n, err)
	}
	if err := c.Do(ctx, "SEMACQUIRE", "pool", "alice", 2, 60000).Err(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.Do(ctx, "SEMACQUIRE", "pool", "bob", 1, 60000).Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected full semaphore, got %v", err)
	}
	if err := c.Do(ctx, "SEMRELEASE", "pool", "alice", 1).Err(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.Do(ctx, "SEMACQUIRE", "pool", "bob", 1, 60000).Err(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	err := c.Do(ctx, "SEMACQUIRE", "pool", "carol", 3, 60000).Err()
	if err == nil || !strings.Contains(err.Error(), "exceeds capacity") {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestServerErrors(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	if err := c.Do(ctx, "LOCK", "deploy").Err(); err == nil || !strings.Contains(err.Error(), "wrong number of arguments") {
		t.Fatalf("expected arity error, got %v", err)
	}
	if err := c.Do(ctx, "LOCK", "deploy", "alice", "soon").Err(); err == nil || !strings.Contains(err.Error(), "invalid milliseconds") {
		t.Fatalf("expected ttl error, got %v", err)
	}
	if err := c.Do(ctx, "LOCK", "deploy", "bad/owner").Err(); err == nil {
		t.Fatal("expected owner validation error")
	}
	if err := c.Do(ctx, "FLUSHALL").Err(); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command, got %v", err)
	}
}
