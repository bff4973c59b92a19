package watchbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
)

const publishTimeout = 5 * time.Second

// Notifier publishes lock events on a WatchBus under the lock name, encoded
// as JSON. Notify never blocks: events are queued and published from a
// background goroutine, and dropped when the queue is full.
type Notifier struct {
	bus     WatchBus
	events  chan lock.Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewNotifier starts a Notifier queueing up to buffer events.
func NewNotifier(bus WatchBus, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	n := &Notifier{
		bus:    bus,
		events: make(chan lock.Event, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify implements lock.Notifier.
func (n *Notifier) Notify(e lock.Event) {
	select {
	case <-n.quit:
		return
	default:
	}
	select {
	case n.events <- e:
	default:
		n.dropped.Add(1)
		slog.Debug("latch: event dropped", "lock", e.Lock, "kind", e.Kind)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Close publishes the queued events and stops the Notifier.
func (n *Notifier) Close() error {
	n.once.Do(func() { close(n.quit) })
	<-n.done
	return nil
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case e := <-n.events:
			n.publish(e)
		case <-n.quit:
			for {
				select {
				case e := <-n.events:
					n.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) publish(e lock.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("latch: encode event failed", "lock", e.Lock, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.bus.Publish(ctx, e.Lock, data); err != nil {
		slog.Warn("latch: publish event failed", "lock", e.Lock, "error", err)
	}
}
