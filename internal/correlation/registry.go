// Package correlation tracks in-flight work keyed by correlation id.
package correlation

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicate is returned when registering an id that is already tracked.
var ErrDuplicate = errors.New("correlation id already registered")

// Registry maps correlation ids to values. Each id settles at most once:
// Resolve and Forget both remove the entry, so a second call for the same id
// finds nothing.
type Registry[V any] struct {
	mu      sync.Mutex
	entries map[string]V
}

// NewRegistry creates an empty registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{entries: make(map[string]V)}
}

// Register tracks v under id.
func (r *Registry[V]) Register(id string, v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.entries[id] = v
	return nil
}

// Resolve removes and returns the value for id.
func (r *Registry[V]) Resolve(id string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return v, ok
}

// ResolveIf removes and returns the value for id only when match accepts it.
// A rejected entry stays tracked.
func (r *Registry[V]) ResolveIf(id string, match func(V) bool) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if !ok || !match(v) {
		var zero V
		return zero, false
	}
	delete(r.entries, id)
	return v, true
}

// Forget drops id without settling it. It reports whether the id was tracked.
func (r *Registry[V]) Forget(id string) bool {
	_, ok := r.Resolve(id)
	return ok
}

// Contains reports whether id is tracked.
func (r *Registry[V]) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of tracked ids.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ForgetWhere removes every entry whose value matches pred and returns the ids removed.
func (r *Registry[V]) ForgetWhere(pred func(id string, v V) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, v := range r.entries {
		if pred(id, v) {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}
