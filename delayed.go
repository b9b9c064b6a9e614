// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Deadline is an absolute time, in Unix nanoseconds, or one of the
	// sentinels [DeadlineUnset] and [DeadlineForever].
	Deadline int64

	// Worker performs the action for an expired element, returning false if
	// it did not finish, in which case the element is re-queued with its
	// original deadline.
	Worker[E any] interface {
		DoWork(element E) bool
	}

	// WorkerFunc implements [Worker].
	WorkerFunc[E any] func(element E) bool

	// Resolver reads and writes the deadline of an element, which is stored
	// by the consumer of the [DelayQueue], not by the queue.
	Resolver[E any] interface {
		Get(element E) Deadline
		Set(element E, deadline Deadline)
		CompareAndSet(element E, old, deadline Deadline) bool
	}

	// DelayedExecutor runs a single goroutine, periodically scanning every
	// [DelayQueue] created from it.
	DelayedExecutor struct {
		logger   *logiface.Logger[logiface.Event]
		now      func() time.Time
		stop     chan struct{}
		done     chan struct{}
		queues   []delayScanner
		interval time.Duration
		mu       sync.Mutex
		started  bool
		stopped  bool
	}

	// DelayQueue tracks elements with deadlines, resolved via a [Resolver].
	// An element whose deadline is unset is inert, and is dropped by the
	// next scan.
	DelayQueue[E comparable] struct {
		executor *DelayedExecutor
		worker   Worker[E]
		resolver Resolver[E]
		entries  map[E]struct{}
		mu       sync.Mutex
	}

	delayScanner interface {
		scan(now Deadline)
	}
)

const (
	DeadlineUnset   Deadline = -1
	DeadlineForever Deadline = math.MaxInt64
)

func (f WorkerFunc[E]) DoWork(element E) bool { return f(element) }

// DeadlineAt converts t to a Deadline.
func DeadlineAt(t time.Time) Deadline { return Deadline(t.UnixNano()) }

// After returns the deadline d after now, saturating at [DeadlineForever].
func After(now time.Time, d time.Duration) Deadline {
	if d < 0 {
		return DeadlineForever
	}
	n := now.UnixNano()
	if n > math.MaxInt64-int64(d) {
		return DeadlineForever
	}
	return Deadline(n + int64(d))
}

// Time converts a real deadline to a time.Time.
func (d Deadline) Time() time.Time { return time.Unix(0, int64(d)) }

// NewDelayedExecutor initialises a DelayedExecutor. The now function is
// optional, defaulting to time.Now.
func NewDelayedExecutor(interval time.Duration, now func() time.Time, logger *logiface.Logger[logiface.Event]) *DelayedExecutor {
	if interval <= 0 {
		interval = DefaultDelayedExecutorTick
	}
	if now == nil {
		now = time.Now
	}
	return &DelayedExecutor{
		logger:   logger,
		now:      now,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (x *DelayedExecutor) Interval() time.Duration { return x.interval }

// Now returns the current time, per the configured clock.
func (x *DelayedExecutor) Now() time.Time { return x.now() }

// Start launches the scanning goroutine. It is idempotent.
func (x *DelayedExecutor) Start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.started || x.stopped {
		return
	}
	x.started = true
	go x.loop()
}

// Stop halts scanning, waiting for any scan in progress. It is idempotent.
func (x *DelayedExecutor) Stop() {
	x.mu.Lock()
	if x.stopped {
		x.mu.Unlock()
		return
	}
	x.stopped = true
	started := x.started
	close(x.stop)
	x.mu.Unlock()
	if started {
		<-x.done
	}
}

func (x *DelayedExecutor) loop() {
	defer close(x.done)
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()
	for {
		select {
		case <-x.stop:
			return
		case <-ticker.C:
			x.scan()
		}
	}
}

func (x *DelayedExecutor) scan() {
	now := DeadlineAt(x.now())
	x.mu.Lock()
	queues := slices.Clone(x.queues)
	x.mu.Unlock()
	for _, q := range queues {
		q.scan(now)
	}
}

// NewDelayQueue registers a new queue with x.
func NewDelayQueue[E comparable](x *DelayedExecutor, worker Worker[E], resolver Resolver[E]) *DelayQueue[E] {
	q := &DelayQueue[E]{
		executor: x,
		worker:   worker,
		resolver: resolver,
		entries:  make(map[E]struct{}),
	}
	x.mu.Lock()
	x.queues = append(x.queues, q)
	x.mu.Unlock()
	return q
}

// Add sets the deadline of element to delay from now, and tracks it.
func (q *DelayQueue[E]) Add(element E, delay time.Duration) {
	q.AddDeadline(element, After(q.executor.now(), delay))
}

// AddDeadline sets the deadline of element, and tracks it.
func (q *DelayQueue[E]) AddDeadline(element E, deadline Deadline) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolver.Set(element, deadline)
	q.entries[element] = struct{}{}
}

// Remove unsets the deadline of element, which will be dropped by the next
// scan.
func (q *DelayQueue[E]) Remove(element E) {
	q.resolver.Set(element, DeadlineUnset)
}

// Len returns the number of tracked elements, including inert ones.
func (q *DelayQueue[E]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// scan claims each expired element by swapping its deadline for unset,
// which fails (deferring the element) if it was concurrently changed.
func (q *DelayQueue[E]) scan(now Deadline) {
	q.mu.Lock()
	elements := make([]E, 0, len(q.entries))
	for e := range q.entries {
		elements = append(elements, e)
	}
	q.mu.Unlock()

	for _, e := range elements {
		deadline := q.resolver.Get(e)
		if deadline == DeadlineUnset {
			q.dropIfUnset(e)
			continue
		}
		if now < deadline {
			continue
		}
		if !q.resolver.CompareAndSet(e, deadline, DeadlineUnset) {
			continue
		}
		q.dropIfUnset(e)
		if !q.doWork(e) && q.resolver.CompareAndSet(e, DeadlineUnset, deadline) {
			q.mu.Lock()
			q.entries[e] = struct{}{}
			q.mu.Unlock()
		}
	}
}

func (q *DelayQueue[E]) dropIfUnset(e E) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.resolver.Get(e) == DeadlineUnset {
		delete(q.entries, e)
	}
}

func (q *DelayQueue[E]) doWork(e E) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.executor.logger.Err().
				Err(newPanicError(r)).
				Log(`ioengine: delay queue worker panicked`)
			ok = true
		}
	}()
	return q.worker.DoWork(e)
}
