package syncbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// Attempt makes one acquisition attempt. When it fails it reports how long
// the lease standing in the way has left.
type Attempt func(ctx context.Context) (ok bool, untilExpiry time.Duration, err error)

// Poller retries lease acquisitions. Between attempts it sleeps for the
// holder's remaining lease clamped to [Min, Max]; a release notification on
// Bus, when set, cuts the sleep short.
type Poller struct {
	Bus  Bus
	Kind string // metrics label
	Min  time.Duration
	Max  time.Duration
}

// Delay clamps the time until the blocking lease expires to the poll bounds.
func (p Poller) Delay(untilExpiry time.Duration) time.Duration {
	return min(max(untilExpiry, p.Min), p.Max)
}

// Poll repeats attempt until it succeeds, fails or ctx is done.
func (p Poller) Poll(ctx context.Context, name string, attempt Attempt) error {
	ok, wait, err := attempt(ctx)
	if err != nil || ok {
		return err
	}
	metrics.ContendedCounter.WithLabelValues(p.Kind).Inc()
	start := time.Now()

	var wake chan struct{}
	if p.Bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		wake, err = p.Bus.Subscribe(subCtx, UnlockKey(name))
		if err != nil {
			slog.Warn("latch: release notifications unavailable, polling only", "lock", name, "error", err)
			wake = nil
		}
	}

	timer := time.NewTimer(p.Delay(wait))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			metrics.CancelCounter.WithLabelValues(p.Kind).Inc()
			return ctx.Err()
		case <-timer.C:
		case _, open := <-wake:
			if !open {
				wake = nil
			}
		}

		ok, wait, err = attempt(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.WaitHistogram.WithLabelValues(p.Kind).Observe(time.Since(start).Seconds())
			return nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.Delay(wait))
	}
}

// AnnounceRelease tells waiters on other processes that name was released.
// Failures are logged; waiters still find out on their next poll.
func (p Poller) AnnounceRelease(ctx context.Context, name string) {
	if p.Bus == nil {
		return
	}
	if err := p.Bus.Publish(ctx, UnlockKey(name)); err != nil {
		slog.Warn("latch: release notification failed", "lock", name, "error", err)
	}
}
