// Package watchbus streams lock lifecycle events to interested watchers.
//
// Events are published under the name of the lock they describe, so a
// watcher can follow a single lock by key or a family of locks by prefix.
// Delivery is lossy: a watcher that does not keep up misses messages.
package watchbus

import "context"

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key and to every
	// prefix watcher whose prefix matches key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// WatchPrefix subscribes to messages for every key having prefix.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key (or prefix) to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
