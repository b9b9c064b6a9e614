// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"sync"
	"sync/atomic"
)

type (
	// Context is the unit of state for one in-flight processing pass. Its
	// fields are mutated only by the [ProcessorExecutor] and the processor it
	// invokes. Contexts are recycled by their [ContextPool], and must not be
	// used once recycled, see [Context.Generation].
	Context struct {
		attributes AttributeHolder
		state      any
		conn       *Connection
		processor  Processor
		pool       *ContextPool
		executor   *ProcessorExecutor
		listeners  []ContextLifecycleListener
		mu         sync.Mutex
		generation atomic.Uint64
		suspended  atomic.Bool
		event      IOEvent
	}

	// ContextLifecycleListener observes transitions of a [Context]. Each
	// method is called on the goroutine driving the transition. Errors are
	// logged, and do not alter the outcome.
	ContextLifecycleListener interface {
		OnSuspend(ctx *Context) error
		OnResume(ctx *Context) error
		OnComplete(ctx *Context, data any) error
		OnLeave(ctx *Context) error
		OnReregister(ctx *Context) error
		OnRerun(oldCtx, newCtx *Context) error
		OnError(ctx *Context, err error) error
		OnNotRun(ctx *Context) error
	}

	// UnimplementedLifecycleListener may be embedded to implement
	// [ContextLifecycleListener] partially.
	UnimplementedLifecycleListener struct{}

	// Releasable may be implemented by processor state (see
	// [Context.SetState]), to be released along with a failed context.
	Releasable interface {
		Release()
	}

	// ContextPool recycles contexts. The zero value is ready to use.
	ContextPool struct {
		pool     sync.Pool
		acquired atomic.Uint64
		recycled atomic.Uint64
		released atomic.Uint64
	}

	// ContextPoolStats are cumulative counters.
	ContextPoolStats struct {
		Acquired uint64
		Recycled uint64
		Released uint64
	}
)

var _ ContextLifecycleListener = UnimplementedLifecycleListener{}

func (UnimplementedLifecycleListener) OnSuspend(*Context) error         { return nil }
func (UnimplementedLifecycleListener) OnResume(*Context) error          { return nil }
func (UnimplementedLifecycleListener) OnComplete(*Context, any) error   { return nil }
func (UnimplementedLifecycleListener) OnLeave(*Context) error           { return nil }
func (UnimplementedLifecycleListener) OnReregister(*Context) error      { return nil }
func (UnimplementedLifecycleListener) OnRerun(*Context, *Context) error { return nil }
func (UnimplementedLifecycleListener) OnError(*Context, error) error    { return nil }
func (UnimplementedLifecycleListener) OnNotRun(*Context) error          { return nil }

// Acquire returns a context bound to c and processor. The event is assigned
// by the caller, see [Context.SetEvent].
func (x *ContextPool) Acquire(c *Connection, processor Processor) *Context {
	x.acquired.Add(1)
	ctx, _ := x.pool.Get().(*Context)
	if ctx == nil {
		ctx = new(Context)
	}
	ctx.pool = x
	ctx.conn = c
	ctx.processor = processor
	if c != nil && c.transport != nil {
		ctx.executor = c.transport.executor
	}
	return ctx
}

// Recycle resets ctx, returning it to the pool.
func (x *ContextPool) Recycle(ctx *Context) {
	x.recycled.Add(1)
	ctx.reset()
	x.pool.Put(ctx)
}

// Release resets ctx, releasing any [Releasable] state, without returning it
// to the pool.
func (x *ContextPool) Release(ctx *Context) {
	x.released.Add(1)
	if r, ok := ctx.state.(Releasable); ok {
		r.Release()
	}
	ctx.reset()
}

func (x *ContextPool) Stats() ContextPoolStats {
	return ContextPoolStats{
		Acquired: x.acquired.Load(),
		Recycled: x.recycled.Load(),
		Released: x.released.Load(),
	}
}

func (x *Context) reset() {
	x.mu.Lock()
	x.listeners = nil
	x.mu.Unlock()
	x.attributes.Clear()
	x.state = nil
	x.conn = nil
	x.processor = nil
	x.executor = nil
	x.event = EventNone
	x.suspended.Store(false)
	x.generation.Add(1)
}

// recycle returns x to its pool, if it has one.
func (x *Context) recycle() {
	if x.pool != nil {
		x.pool.Recycle(x)
	} else {
		x.reset()
	}
}

// release is the ERROR path counterpart of recycle.
func (x *Context) release() {
	if x.pool != nil {
		x.pool.Release(x)
	} else {
		if r, ok := x.state.(Releasable); ok {
			r.Release()
		}
		x.reset()
	}
}

func (x *Context) Connection() *Connection { return x.conn }

func (x *Context) Event() IOEvent { return x.event }

func (x *Context) SetEvent(event IOEvent) { x.event = event }

func (x *Context) Processor() Processor { return x.processor }

func (x *Context) SetProcessor(p Processor) { x.processor = p }

// State returns the processor-defined state.
func (x *Context) State() any { return x.state }

func (x *Context) SetState(state any) { x.state = state }

func (x *Context) Attributes() *AttributeHolder { return &x.attributes }

// Generation is incremented each time the context is recycled or released,
// it may be used to detect stale references.
func (x *Context) Generation() uint64 { return x.generation.Load() }

// AddLifecycleListener appends l. Listeners are cleared on recycle.
func (x *Context) AddLifecycleListener(l ContextLifecycleListener) {
	if l == nil {
		panic(`ioengine: nil lifecycle listener`)
	}
	x.mu.Lock()
	x.listeners = append(x.listeners, l)
	x.mu.Unlock()
}

// lifecycleListeners returns a snapshot, stable under concurrent appends.
func (x *Context) lifecycleListeners() []ContextLifecycleListener {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.listeners[:len(x.listeners):len(x.listeners)]
}

// Copy returns a new context, from the same pool, with the same connection,
// event, processor, state and listeners.
func (x *Context) Copy() *Context {
	var n *Context
	if x.pool != nil {
		n = x.pool.Acquire(x.conn, x.processor)
	} else {
		n = &Context{conn: x.conn, processor: x.processor}
	}
	n.executor = x.executor
	n.event = x.event
	n.state = x.state
	for _, l := range x.lifecycleListeners() {
		n.AddLifecycleListener(l)
	}
	return n
}

// IsSuspended reports whether [Context.Suspend] was called, and the context
// is yet to be resumed or completed.
func (x *Context) IsSuspended() bool { return x.suspended.Load() }

// Suspend detaches the context from the goroutine processing it. A processor
// that suspends must return [Terminate], and the context must later be
// passed to [Context.Resume] or [Context.Complete].
func (x *Context) Suspend() {
	if !x.suspended.CompareAndSwap(false, true) {
		return
	}
	x.executorOrDefault().notify(x, func(l ContextLifecycleListener) error { return l.OnSuspend(x) })
}

// Resume continues a suspended context, processing it again on the calling
// goroutine. It returns the status of the resumed pass.
func (x *Context) Resume() ResultStatus {
	if !x.suspended.CompareAndSwap(true, false) {
		return StatusInvalid
	}
	e := x.executorOrDefault()
	e.notify(x, func(l ContextLifecycleListener) error { return l.OnResume(x) })
	return e.Execute(x)
}

// Complete finishes a suspended context with result, as if its processor had
// returned it.
func (x *Context) Complete(result ProcessorResult) ResultStatus {
	if !x.suspended.CompareAndSwap(true, false) {
		return StatusInvalid
	}
	e := x.executorOrDefault()
	e.notify(x, func(l ContextLifecycleListener) error { return l.OnResume(x) })
	return e.finish(x, result)
}

func (x *Context) executorOrDefault() *ProcessorExecutor {
	if x.executor != nil {
		return x.executor
	}
	return defaultProcessorExecutor
}
