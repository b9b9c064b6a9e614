// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// IdleTimeout closes connections that have had no event in progress for
	// the timeout. Overlapping operations are counted, and only the last to
	// end restarts the timer.
	IdleTimeout struct {
		tracker *timeoutTracker
	}

	// ActivityTimeout closes connections that have had no activity for the
	// timeout. Any activity restarts the timer.
	ActivityTimeout struct {
		tracker *timeoutTracker
	}

	// SilentConnectionTimeout closes connections that read or write nothing
	// within the timeout of being registered. The first I/O cancels it.
	SilentConnectionTimeout struct {
		tracker *timeoutTracker
	}

	timeoutTracker struct {
		queue   *DelayQueue[*Connection]
		attr    Attribute[*timeoutCell]
		timeout time.Duration
		kind    TimeoutKind
	}

	// timeoutCell is the per-connection state of one tracker.
	timeoutCell struct {
		deadline   atomic.Int64
		mu         sync.Mutex
		inFlight   int
		registered atomic.Bool
	}

	timeoutResolver struct {
		attr Attribute[*timeoutCell]
	}
)

var _ Resolver[*Connection] = timeoutResolver{}

func newTimeoutCell() *timeoutCell {
	var cell timeoutCell
	cell.deadline.Store(int64(DeadlineUnset))
	return &cell
}

func (x timeoutResolver) Get(c *Connection) Deadline {
	if cell, ok := x.attr.Get(c); ok {
		return Deadline(cell.deadline.Load())
	}
	return DeadlineUnset
}

func (x timeoutResolver) Set(c *Connection, deadline Deadline) {
	x.attr.GetOrCreate(c).deadline.Store(int64(deadline))
}

func (x timeoutResolver) CompareAndSet(c *Connection, old, deadline Deadline) bool {
	return x.attr.GetOrCreate(c).deadline.CompareAndSwap(int64(old), int64(deadline))
}

func newTimeoutTracker(x *DelayedExecutor, kind TimeoutKind, timeout time.Duration) *timeoutTracker {
	t := &timeoutTracker{
		attr:    NewAttributeWithInitializer(kind.String()+"-timeout", newTimeoutCell),
		timeout: timeout,
		kind:    kind,
	}
	t.queue = NewDelayQueue[*Connection](x, WorkerFunc[*Connection](t.expire), timeoutResolver{attr: t.attr})
	return t
}

func (t *timeoutTracker) expire(c *Connection) bool {
	c.CloseWithReason(CloseReason{
		Type:  CloseLocal,
		Cause: &TimeoutError{Kind: t.kind, Timeout: t.timeout},
	})
	return true
}

// register returns the cell, and true for the first registration of c.
func (t *timeoutTracker) register(c *Connection) (*timeoutCell, bool) {
	cell := t.attr.GetOrCreate(c)
	if !cell.registered.CompareAndSwap(false, true) {
		return cell, false
	}
	c.AddCloseListener(CloseListenerFunc(func(Closeable, CloseReason) { t.queue.Remove(c) }))
	return cell, true
}

func (t *timeoutTracker) start(c *Connection) {
	if t.timeout <= 0 || !c.IsOpen() {
		return
	}
	t.queue.Add(c, t.timeout)
}

// Deadline returns the current deadline of c.
func (t *timeoutTracker) deadline(c *Connection) Deadline {
	return t.queue.resolver.Get(c)
}

// NewIdleTimeout registers a new idle timeout tracker with x. A timeout <= 0
// disables it.
func NewIdleTimeout(x *DelayedExecutor, timeout time.Duration) *IdleTimeout {
	return &IdleTimeout{tracker: newTimeoutTracker(x, TimeoutIdle, timeout)}
}

func (t *IdleTimeout) Timeout() time.Duration { return t.tracker.timeout }

// Register starts the timer for c, if it is not already registered.
func (t *IdleTimeout) Register(c *Connection) {
	cell, ok := t.tracker.register(c)
	if !ok {
		return
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.inFlight == 0 {
		t.tracker.start(c)
	}
}

// Begin marks the start of an operation on c, suspending the timer.
func (t *IdleTimeout) Begin(c *Connection) {
	cell := t.tracker.attr.GetOrCreate(c)
	cell.mu.Lock()
	defer cell.mu.Unlock()
	cell.inFlight++
	cell.deadline.Store(int64(DeadlineForever))
}

// End marks the end of an operation on c, restarting the timer if no others
// remain.
func (t *IdleTimeout) End(c *Connection) {
	cell := t.tracker.attr.GetOrCreate(c)
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.inFlight == 0 {
		return
	}
	cell.inFlight--
	if cell.inFlight == 0 && cell.registered.Load() {
		t.tracker.start(c)
	}
}

// InFlight returns the number of operations in progress on c.
func (t *IdleTimeout) InFlight(c *Connection) int {
	cell, ok := t.tracker.attr.Get(c)
	if !ok {
		return 0
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.inFlight
}

// Deadline returns the current deadline of c.
func (t *IdleTimeout) Deadline(c *Connection) Deadline { return t.tracker.deadline(c) }

// Remove cancels the timer for c.
func (t *IdleTimeout) Remove(c *Connection) { t.tracker.queue.Remove(c) }

// NewActivityTimeout registers a new activity timeout tracker with x. A
// timeout <= 0 disables it.
func NewActivityTimeout(x *DelayedExecutor, timeout time.Duration) *ActivityTimeout {
	return &ActivityTimeout{tracker: newTimeoutTracker(x, TimeoutActivity, timeout)}
}

func (t *ActivityTimeout) Timeout() time.Duration { return t.tracker.timeout }

// Register starts the timer for c, if it is not already registered.
func (t *ActivityTimeout) Register(c *Connection) {
	if _, ok := t.tracker.register(c); ok {
		t.tracker.start(c)
	}
}

// Touch restarts the timer for a registered connection.
func (t *ActivityTimeout) Touch(c *Connection) {
	if cell, ok := t.tracker.attr.Get(c); ok && cell.registered.Load() {
		t.tracker.start(c)
	}
}

// Deadline returns the current deadline of c.
func (t *ActivityTimeout) Deadline(c *Connection) Deadline { return t.tracker.deadline(c) }

// Remove cancels the timer for c.
func (t *ActivityTimeout) Remove(c *Connection) { t.tracker.queue.Remove(c) }

// NewSilentConnectionTimeout registers a new silent connection timeout
// tracker with x. A timeout <= 0 disables it.
func NewSilentConnectionTimeout(x *DelayedExecutor, timeout time.Duration) *SilentConnectionTimeout {
	return &SilentConnectionTimeout{tracker: newTimeoutTracker(x, TimeoutSilentConnection, timeout)}
}

func (t *SilentConnectionTimeout) Timeout() time.Duration { return t.tracker.timeout }

// Register starts the timer for c, if it is not already registered.
func (t *SilentConnectionTimeout) Register(c *Connection) {
	if _, ok := t.tracker.register(c); ok {
		t.tracker.start(c)
	}
}

// Cancel permanently cancels the timer for c, it should be called on the
// first read or write.
func (t *SilentConnectionTimeout) Cancel(c *Connection) {
	if cell, ok := t.tracker.attr.Get(c); ok && Deadline(cell.deadline.Load()) != DeadlineUnset {
		t.tracker.queue.Remove(c)
	}
}

// Deadline returns the current deadline of c.
func (t *SilentConnectionTimeout) Deadline(c *Connection) Deadline { return t.tracker.deadline(c) }
