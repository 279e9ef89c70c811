package task

import (
	"errors"
	"fmt"
)

// Fault is an initiation failure: the request could not even be queued to the backend.
// Inside a task body a Fault is raised with panic and unwinds the whole chain.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("task: %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Raise aborts the current task body with a Fault.
func Raise(op string, err error) {
	panic(&Fault{Op: op, Err: err})
}

// Await suspends on an awaiter returned by an initiating call, raising a Fault
// when the initiation itself failed.
func Await[T any](a *Awaiter[T], err error) T {
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			panic(f)
		}
		Raise("initiate", err)
	}
	return a.Await()
}

// Task is a running chain of asynchronous steps.
type Task[T any] struct {
	result *Awaiter[taskResult[T]]
}

type taskResult[T any] struct {
	value T
	err   error
}

// Go starts body immediately on a new goroutine.
func Go[T any](body func() T) *Task[T] {
	t := &Task[T]{
		result: NewAwaiter[taskResult[T]](),
	}
	go func() {
		var res taskResult[T]
		defer func() {
			if r := recover(); r != nil {
				f, ok := r.(*Fault)
				if !ok {
					panic(r)
				}
				res.err = f
			}
			t.result.Resume(res)
		}()
		res.value = body()
	}()
	return t
}

// Wait blocks the caller until the chain finishes.
// A Fault raised inside the chain is returned as the error.
func (t *Task[T]) Wait() (T, error) {
	res := t.result.Await()
	return res.value, res.err
}

// Done is closed when the chain has finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.result.Done()
}

// Then delivers the result of the chain on another goroutine.
func (t *Task[T]) Then(callback func(v T, err error)) {
	go func() {
		v, err := t.Wait()
		callback(v, err)
	}()
}

// RunSync runs body as a task and waits for it.
func RunSync[T any](body func() T) (T, error) {
	return Go(body).Wait()
}

// Detach runs a long-lived chain, a Fault is reported to onFault (if not nil).
func Detach(body func(), onFault func(err error)) {
	Go(func() struct{} {
		body()
		return struct{}{}
	}).Then(func(_ struct{}, err error) {
		if err != nil && onFault != nil {
			onFault(err)
		}
	})
}
