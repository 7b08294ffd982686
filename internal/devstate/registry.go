// Package devstate holds per-device engine state behind per-device locks.
//
// Webhook deliveries for the same device may race; every component that
// keeps incremental device state (motion baselines, alarm buckets, door
// sessions, presence counters) goes through a Registry so updates for one
// device serialize while distinct devices proceed in parallel. Records are
// created lazily on first observation and never expire, which matches the
// source behavior; high device churn would grow the map without bound.
package devstate

import "sync"

// Registry maps a device key to an independently lockable state record.
type Registry[T any] struct {
	mu      sync.RWMutex
	records map[string]*record[T]
}

type record[T any] struct {
	mu    sync.Mutex
	state T
}

// NewRegistry constructs an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{records: make(map[string]*record[T])}
}

// Do runs fn with the device's state under that device's lock.
func (r *Registry[T]) Do(key string, fn func(state *T)) {
	rec := r.acquire(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.state)
}

// Len reports the number of tracked devices.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Keys returns a snapshot of tracked device keys.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.records))
	for key := range r.records {
		keys = append(keys, key)
	}
	return keys
}

func (r *Registry[T]) acquire(key string) *record[T] {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if ok {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok = r.records[key]; ok {
		return rec
	}
	rec = &record[T]{}
	r.records[key] = rec
	return rec
}
