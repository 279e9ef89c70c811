package task

import (
	"context"
	"errors"
	"sync"
)

// ErrNotResumed is the panic value of Result when the awaiter has not been resumed yet.
var ErrNotResumed = errors.New("task: result read before resume")

// Awaiter is a single-slot rendezvous between one producer and one consumer.
// The producer calls Resume exactly once, the consumer suspends in Await.
type Awaiter[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewAwaiter creates an empty awaiter.
func NewAwaiter[T any]() *Awaiter[T] {
	return &Awaiter[T]{
		done: make(chan struct{}),
	}
}

// Resolved returns an awaiter already holding v.
func Resolved[T any](v T) *Awaiter[T] {
	a := NewAwaiter[T]()
	a.Resume(v)
	return a
}

// Resume stores the result and wakes the waiter.
// Returns false if the awaiter was already resumed, the value is dropped in that case.
func (a *Awaiter[T]) Resume(v T) bool {
	resumed := false
	a.once.Do(func() {
		a.value = v
		close(a.done)
		resumed = true
	})
	return resumed
}

// Ready reports whether the result is available.
func (a *Awaiter[T]) Ready() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Done is closed after Resume.
func (a *Awaiter[T]) Done() <-chan struct{} {
	return a.done
}

// Result returns the stored value, panics with ErrNotResumed if not ready.
func (a *Awaiter[T]) Result() T {
	if !a.Ready() {
		panic(ErrNotResumed)
	}
	return a.value
}

// Await blocks until the awaiter is resumed.
func (a *Awaiter[T]) Await() T {
	<-a.done
	return a.value
}

// AwaitContext is Await with cancellation.
func (a *Awaiter[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-a.done:
		return a.value, nil
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}
