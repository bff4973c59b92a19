package lock

import (
	"fmt"
	"time"
)

// EventKind identifies a lifecycle transition of a handle.
type EventKind int

const (
	EventAcquired EventKind = iota
	EventReleased
	EventCanceled
)

func (k EventKind) String() string {
	switch k {
	case EventAcquired:
		return "acquired"
	case EventReleased:
		return "released"
	case EventCanceled:
		return "canceled"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "acquired":
		*k = EventAcquired
	case "released":
		*k = EventReleased
	case "canceled":
		*k = EventCanceled
	default:
		return fmt.Errorf("lock: unknown event kind %q", b)
	}
	return nil
}

// Event describes a change in what a handle holds. Count is the number of
// slots the handle holds after the transition; Owner is empty for in-process
// primitives.
type Event struct {
	Lock  string    `json:"lock"`
	Kind  EventKind `json:"kind"`
	Owner string    `json:"owner,omitempty"`
	Count int       `json:"count"`
	Time  time.Time `json:"time"`
}

// Notifier receives lifecycle events. Notify is called synchronously, possibly
// while a handle's lock is held, so it must not block or call back into the
// primitive that emitted the event.
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(e Event) { f(e) }

type options struct {
	notifier Notifier
}

// Option configures a Mutex or a Semaphore.
type Option func(*options)

// WithNotifier delivers lifecycle events to n.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) notify(name string, kind EventKind, count int) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(Event{Lock: name, Kind: kind, Count: count, Time: time.Now()})
}
