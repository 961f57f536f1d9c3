// Package registry provides a concurrency-safe keyed store with
// point-in-time snapshot reads.
//
// It is the in-memory bookkeeping primitive behind the orchestrator: live
// update sessions, bootloader tracking records, and retry contexts are all
// held in a Map. Readers never observe a partially applied mutation, and
// every snapshot is an independent copy unaffected by later writes.
package registry

import "sync"

// Map is a thread-safe id->value store.
//
// Absent keys yield zero values and false, never an error. The zero Map is
// not usable; construct with New.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New creates an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// Get returns the value stored for key.
func (r *Map[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[key]
	return v, ok
}

// Set stores value for key, replacing any previous value.
func (r *Map[K, V]) Set(key K, value V) {
	r.mu.Lock()
	r.m[key] = value
	r.mu.Unlock()
}

// GetOrCreate returns the value for key, creating it with create if absent.
// create runs under the write lock, so it is invoked at most once per
// absent key even under concurrent callers. It must not call back into the Map.
func (r *Map[K, V]) GetOrCreate(key K, create func() V) (value V, created bool) {
	r.mu.RLock()
	v, ok := r.m[key]
	r.mu.RUnlock()
	if ok {
		return v, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.m[key]; ok {
		return v, false
	}
	v = create()
	r.m[key] = v
	return v, true
}

// Remove deletes key and returns the value it held.
func (r *Map[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	return v, ok
}

// ContainsKey reports whether key is present.
func (r *Map[K, V]) ContainsKey(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[key]
	return ok
}

// Len returns the number of entries.
func (r *Map[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Snapshot returns a consistent copy of the whole store.
func (r *Map[K, V]) Snapshot() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[K]V, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}

// SnapshotKeys returns the keys present at one instant, in no particular order.
func (r *Map[K, V]) SnapshotKeys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	return keys
}

// SnapshotValues returns the values present at one instant, in no particular order.
func (r *Map[K, V]) SnapshotValues() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make([]V, 0, len(r.m))
	for _, v := range r.m {
		values = append(values, v)
	}
	return values
}

// Clear removes every entry.
func (r *Map[K, V]) Clear() {
	r.mu.Lock()
	r.m = make(map[K]V)
	r.mu.Unlock()
}

// Drain atomically removes every entry and returns what was held.
// Used during teardown so each value is finalised exactly once.
func (r *Map[K, V]) Drain() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.m
	r.m = make(map[K]V)
	return out
}
