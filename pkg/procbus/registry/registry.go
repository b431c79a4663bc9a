// Package registry provides a generic thread-safe map keyed by name.
//
// It backs the action handler table and the hub's process table. All
// methods are safe for concurrent use.
//
//	handlers := registry.New[string, Handler]()
//	if !handlers.Add("double", double) {
//	    // name already taken
//	}
package registry

import "sync"

// Registry is a read-heavy map guarded by a sync.RWMutex.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]V)}
}

// Set stores value under key, replacing any previous value.
func (r *Registry[K, V]) Set(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// Add stores value under key only when the key is absent.
// Returns false if the key was already present.
func (r *Registry[K, V]) Add(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = value
	return true
}

// Get returns the value for key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Has reports whether key is present.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Remove deletes key and returns the value it held.
func (r *Registry[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return v, ok
}

// Keys returns all keys in unspecified order.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Drain empties the registry and returns what it held.
func (r *Registry[K, V]) Drain() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = make(map[K]V)
	return out
}
