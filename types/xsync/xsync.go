// Package xsync implements the few synchronization tools used by the kernel caches: a latch that is
// triggered once with a value, and a typed sync.Map.
package xsync

import "sync"

// LatchWithValue is a signal that can be waited for until it is triggered, carrying the value given when
// it was triggered. Once triggered it never changes state.
//
// It is used to publish the result of a computation that must happen only once (e.g. the generation
// of a kernel) to every goroutine waiting for it.
type LatchWithValue[T any] struct {
	muTrigger sync.Mutex
	wait      chan struct{}
	value     T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		wait: make(chan struct{}),
	}
}

// Trigger latch and saves the associated value. Only the first value is kept.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	l.value = value
	close(l.wait)
}

// Wait waits for the latch to be triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.wait
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// SyncMap is a wrapper to sync.Map that casts the key and value types accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.Map.LoadOrStore(key, value)
	return v.(V), loaded
}

// Len counts the entries of the map. It is O(n).
func (m *SyncMap[K, V]) Len() (n int) {
	m.Map.Range(func(_, _ any) bool {
		n++
		return true
	})
	return
}

// Clear removes all key-value pairs from the map.
func (m *SyncMap[K, V]) Clear() {
	m.Map.Clear()
}
