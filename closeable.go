// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

type (
	// Closeable is a resource with an idempotent, listener-observable close.
	//
	// Close operations are "graceful" (pending writes get a best-effort
	// flush) while Terminate operations are abrupt. Only the first close call
	// has any effect, all calls return a future resolved with the same
	// [CloseReason].
	Closeable interface {
		IsOpen() bool
		// AssertOpen returns a [ClosedError] if the resource is closed.
		AssertOpen() error
		Close() *Future[CloseReason]
		CloseWithReason(reason CloseReason) *Future[CloseReason]
		CloseSilently()
		Terminate() *Future[CloseReason]
		TerminateWithReason(reason CloseReason) *Future[CloseReason]
		TerminateSilently()
		// CloseReason returns the recorded reason, and false while open.
		CloseReason() (CloseReason, bool)
		// AddCloseListener registers l, which will be called exactly once.
		// If the resource is already closed, l is called immediately, and
		// the returned id is 0.
		AddCloseListener(l CloseListener) ListenerID
		RemoveCloseListener(id ListenerID) bool
	}

	// CloseListener observes the close of a [Closeable].
	CloseListener interface {
		OnClosed(c Closeable, reason CloseReason)
	}

	// CloseListenerFunc implements [CloseListener].
	CloseListenerFunc func(c Closeable, reason CloseReason)

	// ListenerID identifies a registered listener, for removal.
	ListenerID uint64

	// CloseType is the direction of a close.
	CloseType uint8

	// CloseReason records why a [Closeable] was closed.
	CloseReason struct {
		// Cause is optional.
		Cause error
		Type  CloseType
	}
)

const (
	CloseLocal CloseType = iota
	CloseRemote
)

var (
	// LocalCloseReason is the reason used by [Closeable.Close] and
	// [Closeable.Terminate].
	LocalCloseReason = CloseReason{Type: CloseLocal}

	// RemoteCloseReason is the reason recorded when the peer closed the
	// stream.
	RemoteCloseReason = CloseReason{Type: CloseRemote, Cause: io.EOF}
)

func (f CloseListenerFunc) OnClosed(c Closeable, reason CloseReason) { f(c, reason) }

func (t CloseType) String() string {
	switch t {
	case CloseLocal:
		return "locally"
	case CloseRemote:
		return "remotely"
	default:
		return fmt.Sprintf("CloseType(%d)", uint8(t))
	}
}

// IsLocal is a convenience for Type == CloseLocal.
func (r CloseReason) IsLocal() bool { return r.Type == CloseLocal }

func (r CloseReason) String() string {
	if r.Cause == nil {
		return "closed " + r.Type.String()
	}
	return fmt.Sprintf("closed %s: %v", r.Type, r.Cause)
}

type closeListenerEntry struct {
	listener CloseListener
	id       ListenerID
}

// closer implements the state and listener bookkeeping of [Closeable].
type closer struct {
	future    *Future[CloseReason]
	listeners []closeListenerEntry
	reason    CloseReason
	nextID    ListenerID
	mu        sync.Mutex
	closed    atomic.Bool
}

func (x *closer) init() {
	x.future = NewFuture[CloseReason](nil)
}

// outcome returns a future resolved with the close reason. Each caller gets
// its own future, so cancelling one runs onCancel without resolving the
// others.
func (x *closer) outcome(onCancel func()) *Future[CloseReason] {
	if reason, ok := x.future.Value(); ok {
		return CompletedFuture(reason)
	}
	f := NewFuture[CloseReason](onCancel)
	x.future.AddCompletionHandler(CompletionHandlerFuncs[CloseReason]{
		OnCompleted: func(reason CloseReason) { f.Complete(reason) },
	})
	return f
}

func (x *closer) isOpen() bool { return !x.closed.Load() }

func (x *closer) closeReason() (CloseReason, bool) {
	if !x.closed.Load() {
		return CloseReason{}, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.reason, true
}

func (x *closer) assertOpen() error {
	if reason, ok := x.closeReason(); ok {
		return &ClosedError{Reason: reason}
	}
	return nil
}

// begin records reason, returning true only for the call that closed.
func (x *closer) begin(reason CloseReason) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed.Load() {
		return false
	}
	x.reason = reason
	x.closed.Store(true)
	return true
}

// finish notifies listeners then resolves the future. It must be called
// once, after a successful begin.
func (x *closer) finish(self Closeable, onPanic func(err error)) {
	x.mu.Lock()
	listeners := x.listeners
	x.listeners = nil
	reason := x.reason
	x.mu.Unlock()
	for _, entry := range listeners {
		x.callListener(self, entry.listener, reason, onPanic)
	}
	x.future.Complete(reason)
}

func (x *closer) callListener(self Closeable, l CloseListener, reason CloseReason, onPanic func(err error)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(newPanicError(r))
		}
	}()
	l.OnClosed(self, reason)
}

func (x *closer) addListener(self Closeable, l CloseListener, onPanic func(err error)) ListenerID {
	if l == nil {
		panic(`ioengine: nil close listener`)
	}
	x.mu.Lock()
	if x.closed.Load() {
		reason := x.reason
		x.mu.Unlock()
		x.callListener(self, l, reason, onPanic)
		return 0
	}
	x.nextID++
	id := x.nextID
	x.listeners = append(x.listeners, closeListenerEntry{id: id, listener: l})
	x.mu.Unlock()
	return id
}

func (x *closer) removeListener(id ListenerID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, entry := range x.listeners {
		if entry.id == id {
			x.listeners = append(x.listeners[:i:i], x.listeners[i+1:]...)
			return true
		}
	}
	return false
}
