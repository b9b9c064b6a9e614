// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

type (
	// IOStrategy decides where the processing for each event runs.
	IOStrategy interface {
		// ExecuteIOEvent processes (or schedules processing of) the event,
		// returning false if the calling selector runner goroutine has handed
		// off its responsibilities, and must stop selecting.
		ExecuteIOEvent(d *Dispatch) bool

		// ThreadPoolFor returns the executor to process the event with, or
		// nil to process it inline.
		ThreadPoolFor(c *Connection, event IOEvent) Executor

		// DefaultWorkerPoolConfig returns the recommended worker pool, or nil
		// if the strategy does not need one.
		DefaultWorkerPoolConfig() *ThreadPoolConfig
	}

	// Dispatch is a ready event, passed to [IOStrategy.ExecuteIOEvent].
	Dispatch struct {
		Conn   *Connection
		runner *selectorRunner
		rest   []readyEvent
		Event  IOEvent
		// EventEnabled indicates that interest in the event was disabled for
		// dispatch, and must be re-enabled once processing completes or
		// leaves.
		EventEnabled bool
		handedOff    bool
	}

	// SameThreadIOStrategy processes every event on the selector runner.
	SameThreadIOStrategy struct{}

	// WorkerThreadIOStrategy processes READ and CLOSED events on the worker
	// pool, and all other events on the selector runner.
	WorkerThreadIOStrategy struct{}

	// LeaderFollowerIOStrategy hands selection off to a new runner goroutine,
	// processing READ and CLOSED events on the current one. If a hand-off is
	// not possible, the worker pool is used.
	LeaderFollowerIOStrategy struct{}

	// SimpleDynamicIOStrategy behaves like [SameThreadIOStrategy] while the
	// last batch drained by the selector runner was no larger than Threshold
	// (default 1), and like [WorkerThreadIOStrategy] otherwise.
	SimpleDynamicIOStrategy struct {
		Threshold int
	}

	enableInterestListener struct {
		UnimplementedLifecycleListener
		event IOEvent
	}
)

var (
	_ IOStrategy = SameThreadIOStrategy{}
	_ IOStrategy = WorkerThreadIOStrategy{}
	_ IOStrategy = LeaderFollowerIOStrategy{}
	_ IOStrategy = SimpleDynamicIOStrategy{}

	enableReadInterest  ContextLifecycleListener = &enableInterestListener{event: EventRead}
	enableWriteInterest ContextLifecycleListener = &enableInterestListener{event: EventWrite}
)

func (x *enableInterestListener) OnComplete(ctx *Context, _ any) error {
	return x.enable(ctx)
}

func (x *enableInterestListener) OnLeave(ctx *Context) error {
	return x.enable(ctx)
}

// enable re-enables interest, except for writes once the queue is drained,
// which would otherwise be reported as ready indefinitely.
func (x *enableInterestListener) enable(ctx *Context) error {
	c := ctx.Connection()
	if c == nil || !c.IsOpen() {
		return nil
	}
	if x.event == EventWrite && !c.writeQueue.hasPending() {
		return nil
	}
	return c.EnableIOEvent(x.event)
}

// Run processes the event on the calling goroutine.
func (d *Dispatch) Run() {
	c, event := d.Conn, d.Event
	t := c.transport

	p := ResolveProcessor(c, event)
	if p == nil {
		if event == EventWrite {
			t.writer.ProcessAsync(c)
		} else if event == EventRead && d.EventEnabled {
			// nothing can consume it: leave interest off, rather than spin
			t.logger().Debug().
				Uint64(`connection`, c.id).
				Log(`ioengine: no processor for read event`)
		}
		return
	}

	ctx := p.ObtainContext(c)
	ctx.event = event
	if ctx.executor == nil {
		ctx.executor = t.executor
	}
	if d.EventEnabled {
		switch event {
		case EventRead:
			ctx.AddLifecycleListener(enableReadInterest)
		case EventWrite:
			ctx.AddLifecycleListener(enableWriteInterest)
		}
	}

	ctx.executor.Execute(ctx)
}

// RunOn processes the event using executor, falling back to running it
// inline if the executor refuses.
func (d *Dispatch) RunOn(executor Executor) {
	task := *d
	task.rest = nil
	if err := executor.Execute(task.Run); err != nil {
		d.Conn.transport.logger().Debug().
			Err(err).
			Uint64(`connection`, d.Conn.id).
			Log(`ioengine: executor refused event, processing inline`)
		d.Run()
	}
}

// HandOff starts a new selector runner goroutine, which takes over the
// remainder of the current batch. If it returns true, the strategy must
// return false from [IOStrategy.ExecuteIOEvent].
func (d *Dispatch) HandOff() bool {
	if d.runner == nil || d.handedOff {
		return false
	}
	if !d.runner.handOff(d.Conn.transport.ctx, d.rest) {
		return false
	}
	d.handedOff = true
	d.rest = nil
	return true
}

// LastBatchSize returns the size of the batch the event was drained in.
func (d *Dispatch) LastBatchSize() int {
	if d.runner == nil {
		return 0
	}
	return d.runner.LastBatchSize()
}

// workerPoolFor implements the READ and CLOSED worker placement rule.
func workerPoolFor(c *Connection, event IOEvent) Executor {
	if event != EventRead && event != EventClosed {
		return nil
	}
	if c.transport == nil || c.transport.workerPool == nil {
		return nil
	}
	return c.transport.workerPool
}

func (SameThreadIOStrategy) ExecuteIOEvent(d *Dispatch) bool {
	d.Run()
	return true
}

func (SameThreadIOStrategy) ThreadPoolFor(*Connection, IOEvent) Executor { return nil }

func (SameThreadIOStrategy) DefaultWorkerPoolConfig() *ThreadPoolConfig { return nil }

func (x WorkerThreadIOStrategy) ExecuteIOEvent(d *Dispatch) bool {
	if e := x.ThreadPoolFor(d.Conn, d.Event); e != nil {
		d.RunOn(e)
	} else {
		d.Run()
	}
	return true
}

func (WorkerThreadIOStrategy) ThreadPoolFor(c *Connection, event IOEvent) Executor {
	return workerPoolFor(c, event)
}

func (WorkerThreadIOStrategy) DefaultWorkerPoolConfig() *ThreadPoolConfig {
	config := DefaultWorkerPoolConfig()
	return &config
}

func (x LeaderFollowerIOStrategy) ExecuteIOEvent(d *Dispatch) bool {
	e := x.ThreadPoolFor(d.Conn, d.Event)
	if e == nil {
		d.Run()
		return true
	}
	if d.HandOff() {
		d.Run()
		return false
	}
	d.RunOn(e)
	return true
}

func (LeaderFollowerIOStrategy) ThreadPoolFor(c *Connection, event IOEvent) Executor {
	return workerPoolFor(c, event)
}

func (LeaderFollowerIOStrategy) DefaultWorkerPoolConfig() *ThreadPoolConfig {
	config := DefaultWorkerPoolConfig()
	return &config
}

func (x SimpleDynamicIOStrategy) ExecuteIOEvent(d *Dispatch) bool {
	if d.LastBatchSize() > x.threshold() {
		return WorkerThreadIOStrategy{}.ExecuteIOEvent(d)
	}
	return SameThreadIOStrategy{}.ExecuteIOEvent(d)
}

func (x SimpleDynamicIOStrategy) threshold() int {
	if x.Threshold > 0 {
		return x.Threshold
	}
	return 1
}

func (SimpleDynamicIOStrategy) ThreadPoolFor(c *Connection, event IOEvent) Executor {
	return workerPoolFor(c, event)
}

func (SimpleDynamicIOStrategy) DefaultWorkerPoolConfig() *ThreadPoolConfig {
	config := DefaultWorkerPoolConfig()
	return &config
}
