package mjpeg

import "sync"

// Latest is a single-slot hand-off that keeps only the newest value.
// Storing over an unconsumed value drops the older one.
type Latest[T any] struct {
	mu      sync.Mutex
	value   T
	full    bool
	dropped uint64
	ready   chan struct{}
}

// NewLatest creates an empty slot
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ready: make(chan struct{}, 1)}
}

// Store replaces the slot's value and wakes a waiting consumer
func (l *Latest[T]) Store(v T) {
	l.mu.Lock()
	if l.full {
		l.dropped++
	}
	l.value = v
	l.full = true
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after Store. A receive does not guarantee a value;
// call Take.
func (l *Latest[T]) Ready() <-chan struct{} {
	return l.ready
}

// Take empties the slot. ok is false when nothing was stored since the last Take.
func (l *Latest[T]) Take() (v T, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return v, false
	}
	v = l.value
	var zero T
	l.value = zero
	l.full = false
	return v, true
}

// Dropped returns how many values were overwritten before being taken
func (l *Latest[T]) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
