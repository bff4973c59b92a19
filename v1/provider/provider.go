// Package provider maps lock names to lock instances. A lock is created on
// first use and cached for the lifetime of the provider, so every caller
// asking for the same name coordinates through the same instance.
//
// Providers also keep per-name and default settings (capacity, lease TTL);
// the empty name addresses the default. Changing a named setting updates the
// lock if it was already created.
package provider

import (
	"slices"
	"sync"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Provider hands out locks by name.
type Provider[L any] interface {
	Get(name string) (L, error)
}

// Registry caches values created by a factory, keyed by name.
type Registry[L any] struct {
	mu    sync.Mutex
	items map[string]L
	newFn func(name string) (L, error)
}

// NewRegistry returns a Registry creating missing entries with newFn.
func NewRegistry[L any](newFn func(name string) (L, error)) *Registry[L] {
	return &Registry[L]{items: make(map[string]L), newFn: newFn}
}

// Get returns the entry for name, creating it on first use. Failed creations
// are not cached.
func (r *Registry[L]) Get(name string) (L, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry[L]) getLocked(name string) (L, error) {
	if l, ok := r.items[name]; ok {
		return l, nil
	}
	if name == "" {
		var zero L
		return zero, latcherrors.ErrInvalidName
	}
	l, err := r.newFn(name)
	if err != nil {
		var zero L
		return zero, err
	}
	r.items[name] = l
	return l, nil
}

// Lookup returns the entry for name without creating it.
func (r *Registry[L]) Lookup(name string) (L, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.items[name]
	return l, ok
}

// Names returns the names created so far, sorted.
func (r *Registry[L]) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	r.mu.Unlock()
	slices.Sort(names)
	return names
}

// Len reports how many entries were created.
func (r *Registry[L]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// with runs fn under the registry lock, passing the entry for name if it
// exists. Settings changed inside fn are seen by any later creation.
func (r *Registry[L]) with(name string, fn func(l L, ok bool) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.items[name]
	return fn(l, ok)
}

// settings holds a default value and per-name overrides. Callers serialize
// access through the owning Registry.
type settings[V any] struct {
	def   V
	named map[string]V
}

func newSettings[V any](def V) settings[V] {
	return settings[V]{def: def, named: make(map[string]V)}
}

func (s *settings[V]) get(name string) V {
	if v, ok := s.named[name]; ok {
		return v
	}
	return s.def
}

func (s *settings[V]) set(name string, v V) {
	if name == "" {
		s.def = v
		return
	}
	s.named[name] = v
}
