// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Value guards a value and counts its revisions so readers can detect
// that a snapshot they acted on has since been replaced.
type Value[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{}
}

// NewValue creates a guarded value at version 0.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{value: initial, changed: make(chan struct{})}
}

// Get returns a copy of the value (T should be a value type or immutable).
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Load returns the value with its version.
func (v *Value[T]) Load() (T, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version
}

// Version returns the current revision.
func (v *Value[T]) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Set replaces the value and returns the new version.
func (v *Value[T]) Set(val T) uint64 {
	return v.Update(func(p *T) { *p = val })
}

// Update mutates the value under the write lock and returns the new version.
func (v *Value[T]) Update(fn func(*T)) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.value)
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	return v.version
}

// CompareAndSet replaces the value only if it is still at version.
func (v *Value[T]) CompareAndSet(version uint64, val T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.version != version {
		return false
	}
	v.value = val
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	return true
}

// Changed returns a channel closed at the next revision.
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.changed
}
