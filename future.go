// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"sync"
)

type (
	// CompletionHandler receives the outcome of an asynchronous operation.
	// Exactly one method is called, once. Cancellation is reported as a
	// failure with [context.Canceled].
	CompletionHandler[T any] interface {
		Completed(result T)
		Failed(err error)
	}

	// CompletionHandlerFuncs adapts functions to [CompletionHandler], nil
	// fields are ignored.
	CompletionHandlerFuncs[T any] struct {
		OnCompleted func(result T)
		OnFailed    func(err error)
	}

	// Future is the result of an asynchronous operation, it may be completed
	// only once. The zero value is not usable, see [NewFuture].
	Future[T any] struct {
		done     chan struct{}
		onCancel func()
		err      error
		value    T
		handlers []CompletionHandler[T]
		mu       sync.Mutex
	}
)

var _ CompletionHandler[any] = CompletionHandlerFuncs[any]{}

func (x CompletionHandlerFuncs[T]) Completed(result T) {
	if x.OnCompleted != nil {
		x.OnCompleted(result)
	}
}

func (x CompletionHandlerFuncs[T]) Failed(err error) {
	if x.OnFailed != nil {
		x.OnFailed(err)
	}
}

// NewFuture initialises a pending future. The optional onCancel hook is run
// (once, outside of any lock) if [Future.Cancel] wins the race to complete it.
func NewFuture[T any](onCancel func()) *Future[T] {
	return &Future[T]{done: make(chan struct{}), onCancel: onCancel}
}

// CompletedFuture returns a future already completed with value.
func CompletedFuture[T any](value T) *Future[T] {
	f := NewFuture[T](nil)
	f.Complete(value)
	return f
}

// FailedFuture returns a future already failed with err.
func FailedFuture[T any](err error) *Future[T] {
	f := NewFuture[T](nil)
	f.Fail(err)
	return f
}

// Complete resolves the future successfully, returning false if it was
// already resolved.
func (x *Future[T]) Complete(value T) bool { return x.resolve(value, nil) }

// Fail resolves the future with err, returning false if it was already
// resolved.
func (x *Future[T]) Fail(err error) bool {
	if err == nil {
		panic(`ioengine: future failed with nil error`)
	}
	var zero T
	return x.resolve(zero, err)
}

// Cancel fails the future with [context.Canceled], running the cancel hook.
func (x *Future[T]) Cancel() bool {
	var zero T
	if !x.resolve(zero, context.Canceled) {
		return false
	}
	if x.onCancel != nil {
		x.onCancel()
	}
	return true
}

func (x *Future[T]) resolve(value T, err error) bool {
	x.mu.Lock()
	select {
	case <-x.done:
		x.mu.Unlock()
		return false
	default:
	}
	x.value, x.err = value, err
	handlers := x.handlers
	x.handlers = nil
	close(x.done)
	x.mu.Unlock()
	for _, h := range handlers {
		x.notify(h)
	}
	return true
}

func (x *Future[T]) notify(h CompletionHandler[T]) {
	if x.err != nil {
		h.Failed(x.err)
	} else {
		h.Completed(x.value)
	}
}

// AddCompletionHandler registers h, calling it immediately (on the calling
// goroutine) if the future is already resolved.
func (x *Future[T]) AddCompletionHandler(h CompletionHandler[T]) {
	x.mu.Lock()
	select {
	case <-x.done:
		x.mu.Unlock()
		x.notify(h)
		return
	default:
	}
	x.handlers = append(x.handlers, h)
	x.mu.Unlock()
}

// Done is closed once the future is resolved.
func (x *Future[T]) Done() <-chan struct{} { return x.done }

// IsDone reports whether the future is resolved.
func (x *Future[T]) IsDone() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// Value returns the value of a successfully resolved future.
func (x *Future[T]) Value() (T, bool) {
	select {
	case <-x.done:
		if x.err == nil {
			return x.value, true
		}
	default:
	}
	var zero T
	return zero, false
}

// Err returns the failure of a resolved future, or nil if it is pending or
// was successful.
func (x *Future[T]) Err() error {
	select {
	case <-x.done:
		return x.err
	default:
		return nil
	}
}

// Wait blocks until the future is resolved or ctx is done. Abandoning a wait
// does not cancel the future.
func (x *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-x.done:
		return x.value, x.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
