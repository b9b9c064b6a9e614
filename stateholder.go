// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"slices"
	"sync"
)

// StateHolder guards a value with a read-write lock, and supports waiting
// for the value to satisfy a condition. The zero value holds the zero T.
type StateHolder[T comparable] struct {
	waiters []*stateWaiter[T]
	state   T
	mu      sync.RWMutex
}

type stateWaiter[T comparable] struct {
	cond func(state T) bool
	ch   chan T
}

// NewStateHolder returns a StateHolder with the initial state.
func NewStateHolder[T comparable](initial T) *StateHolder[T] {
	return &StateHolder[T]{state: initial}
}

func (x *StateHolder[T]) State() T {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

// Set stores state, notifying any waiters it satisfies.
func (x *StateHolder[T]) Set(state T) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.setLocked(state)
}

// CompareAndSet stores state only if the current state is old.
func (x *StateHolder[T]) CompareAndSet(old, state T) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != old {
		return false
	}
	x.setLocked(state)
	return true
}

// Update applies fn under the write lock, storing the result if ok is true.
// It returns the resulting state.
func (x *StateHolder[T]) Update(fn func(state T) (next T, ok bool)) (T, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	next, ok := fn(x.state)
	if ok {
		x.setLocked(next)
	}
	return x.state, ok
}

// Read calls fn with the state, under the read lock.
func (x *StateHolder[T]) Read(fn func(state T)) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	fn(x.state)
}

func (x *StateHolder[T]) setLocked(state T) {
	x.state = state
	if len(x.waiters) == 0 {
		return
	}
	waiters := x.waiters[:0]
	for _, w := range x.waiters {
		if w.cond(state) {
			w.ch <- state
		} else {
			waiters = append(waiters, w)
		}
	}
	clear(x.waiters[len(waiters):])
	x.waiters = waiters
}

// NotifyWhen returns a channel receiving the first state satisfying cond,
// which may be the current state.
func (x *StateHolder[T]) NotifyWhen(cond func(state T) bool) <-chan T {
	return x.addWaiter(cond).ch
}

func (x *StateHolder[T]) addWaiter(cond func(state T) bool) *stateWaiter[T] {
	w := &stateWaiter[T]{cond: cond, ch: make(chan T, 1)}
	x.mu.Lock()
	defer x.mu.Unlock()
	if cond(x.state) {
		w.ch <- x.state
	} else {
		x.waiters = append(x.waiters, w)
	}
	return w
}

func (x *StateHolder[T]) removeWaiter(w *stateWaiter[T]) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, v := range x.waiters {
		if v == w {
			x.waiters = slices.Delete(x.waiters, i, i+1)
			return
		}
	}
}

// NotifyWhenState is [StateHolder.NotifyWhen] for any of the states.
func (x *StateHolder[T]) NotifyWhenState(states ...T) <-chan T {
	return x.NotifyWhen(func(state T) bool {
		for _, s := range states {
			if s == state {
				return true
			}
		}
		return false
	})
}

// WaitFor blocks until cond is satisfied, or ctx is done.
func (x *StateHolder[T]) WaitFor(ctx context.Context, cond func(state T) bool) (T, error) {
	w := x.addWaiter(cond)
	select {
	case state := <-w.ch:
		return state, nil
	case <-ctx.Done():
		x.removeWaiter(w)
		var zero T
		return zero, ctx.Err()
	}
}
