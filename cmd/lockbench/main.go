package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/filelock"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/redislock"
)

var (
	kind        = flag.String("kind", "mutex", "Primitive to benchmark: mutex, semaphore, file, filesem, redis")
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of acquisitions")
	capacity    = flag.Int("capacity", 4, "Semaphore capacity")
	hold        = flag.Duration("hold", 0, "Time spent inside the critical section")
	dir         = flag.String("dir", "", "Lease directory for file kinds (default: a temporary directory)")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address for the redis kind")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address while running")
)

// acquireFunc takes one slot and returns the function giving it back.
type acquireFunc func(ctx context.Context) (func(context.Context) error, error)

func main() {
	flag.Parse()
	if *concurrency < 1 || *requests < *concurrency {
		log.Fatalf("need 1 <= c <= n, got c=%d n=%d", *concurrency, *requests)
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("Serving metrics on %s", *metricsAddr)
			log.Println(http.ListenAndServe(*metricsAddr, mux))
		}()
	}

	acquire, limit, cleanup, err := setup()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()

	log.Printf("Starting benchmark: kind=%s, %d acquisitions, %d concurrency, hold %v", *kind, *requests, *concurrency, *hold)

	ctx := context.Background()
	var inside, peak, violations atomic.Int64
	var waited atomic.Int64

	perWorker := *requests / *concurrency
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				t0 := time.Now()
				release, err := acquire(gctx)
				if err != nil {
					return err
				}
				waited.Add(int64(time.Since(t0)))
				n := inside.Add(1)
				if n > int64(limit) {
					violations.Add(1)
				}
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if *hold > 0 {
					time.Sleep(*hold)
				}
				inside.Add(-1)
				if err := release(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	ops := perWorker * *concurrency
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f acquisitions/s", float64(ops)/elapsed.Seconds())
	log.Printf("Avg Wait: %v", time.Duration(waited.Load()/int64(ops)))
	log.Printf("Peak holders: %d (limit %d)", peak.Load(), limit)
	if v := violations.Load(); v > 0 {
		log.Fatalf("Exclusion violated %d times", v)
	}
}

// setup builds the primitive selected by -kind. limit is how many holders
// may be inside at once.
func setup() (acquireFunc, int, func(), error) {
	const name = "lockbench"
	noop := func() {}

	switch *kind {
	case "mutex":
		locks := presets.NewInMemory()
		m, err := locks.Mutexes.Get(name)
		if err != nil {
			return nil, 0, nil, err
		}
		return handles[*lock.MutexLocking](m), 1, noop, nil

	case "semaphore":
		locks := presets.NewInMemory()
		if err := locks.Semaphores.SetCapacity(name, *capacity); err != nil {
			return nil, 0, nil, err
		}
		s, err := locks.Semaphores.Get(name)
		if err != nil {
			return nil, 0, nil, err
		}
		return handles[*lock.SemaphoreLocking](s), *capacity, noop, nil

	case "file", "filesem":
		d, cleanup, err := leaseDir()
		if err != nil {
			return nil, 0, nil, err
		}
		locks := presets.NewFile(d, presets.WithPollInterval(time.Millisecond, 50*time.Millisecond))
		done := func() {
			_ = locks.Close()
			cleanup()
		}
		if *kind == "file" {
			l, err := locks.FileLocks.Get(name)
			if err != nil {
				done()
				return nil, 0, nil, err
			}
			return handles[*filelock.Locking](l), 1, done, nil
		}
		s, err := locks.FileSemaphores.Get(name)
		if err == nil {
			err = s.SetCapacity(context.Background(), *capacity)
		}
		if err != nil {
			done()
			return nil, 0, nil, err
		}
		return handles[*filelock.SemaphoreLocking](s), *capacity, done, nil

	case "redis":
		locks := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr},
			presets.WithPollInterval(time.Millisecond, 50*time.Millisecond))
		l, err := locks.RedisLocks.Get(name)
		if err != nil {
			_ = locks.Close()
			return nil, 0, nil, err
		}
		return handles[*redislock.Locking](l), 1, func() { _ = locks.Close() }, nil
	}
	return nil, 0, nil, fmt.Errorf("unknown kind %q", *kind)
}

// handles acquires through a fresh handle per acquisition.
func handles[L lock.Locking](l lock.Lock[L]) acquireFunc {
	return func(ctx context.Context) (func(context.Context) error, error) {
		h, err := lock.Acquire(ctx, l)
		if err != nil {
			return nil, err
		}
		return h.Release, nil
	}
}

func leaseDir() (string, func(), error) {
	if *dir != "" {
		return *dir, func() {}, nil
	}
	d, err := os.MkdirTemp("", "lockbench-")
	if err != nil {
		return "", nil, err
	}
	return d, func() { _ = os.RemoveAll(d) }, nil
}
