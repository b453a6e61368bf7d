// Package deferred provides a single-resolution future shared between the
// caller that awaits an outcome and the component that eventually produces
// it. Exactly one Resolve or Reject takes effect; later calls are no-ops.
package deferred

import (
	"context"
	"sync"
)

// Deferred is a write-once result of type T.
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates an unresolved Deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve completes the deferred with a value. Returns false if it was
// already settled.
func (d *Deferred[T]) Resolve(v T) bool {
	won := false
	d.once.Do(func() {
		d.value = v
		close(d.done)
		won = true
	})
	return won
}

// Reject completes the deferred with an error. Returns false if it was
// already settled.
func (d *Deferred[T]) Reject(err error) bool {
	won := false
	d.once.Do(func() {
		d.err = err
		close(d.done)
		won = true
	})
	return won
}

// Done returns a channel closed once the deferred settles.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Settled reports whether the deferred has been resolved or rejected.
func (d *Deferred[T]) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Await blocks until the deferred settles or ctx is done. Returns the
// resolution value, the rejection error, or ctx.Err().
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
