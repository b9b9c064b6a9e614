// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package filterchain

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	ioengine "github.com/joeycumines/go-ioengine"
)

// FilterChain is an [ioengine.Processor] that runs each event through its
// filters. It is immutable, and may be shared by any number of connections.
//
// A message that implements [ioengine.Releasable] (such as the buffers
// produced by [TransportFilter]) is released once the pass that carried it
// completes. Filters that retain a message must replace it, via
// [FilterContext.SetMessage], or hand it over as a [Stop] remainder.
type FilterChain struct {
	remainders ioengine.Attribute[*remainderStore]
	filters    []Filter
	contexts   ioengine.ContextPool
	interest   ioengine.InterestSet
}

type remainderStore struct {
	values map[int]any
	mu     sync.Mutex
}

var (
	// ErrIncompatibleRemainder is returned when a retained remainder cannot
	// be combined with the next message.
	ErrIncompatibleRemainder = errors.New("filterchain: incompatible remainder")

	// ErrUnsupportedMessage is returned by filters given a message of a type
	// they cannot handle.
	ErrUnsupportedMessage = errors.New("filterchain: unsupported message type")

	// ErrUnhandledWrite fails writes that pass the first filter without
	// being consumed.
	ErrUnhandledWrite = errors.New("filterchain: write was not consumed by any filter")

	errInvalidWriteAction = errors.New("filterchain: downstream filters may only invoke or stop")
)

var _ ioengine.Processor = (*FilterChain)(nil)

// New returns a chain of filters, which must be non-nil. The chain is
// interested in READ, WRITE, ACCEPTED, CONNECTED and CLOSED events.
func New(filters ...Filter) *FilterChain {
	for i, f := range filters {
		if f == nil {
			panic(fmt.Sprintf(`filterchain: nil filter at index %d`, i))
		}
	}
	x := &FilterChain{
		filters:    slices.Clone(filters),
		remainders: ioengine.NewAttributeWithInitializer(`filterchain.remainders`, newRemainderStore),
	}
	for _, event := range [...]ioengine.IOEvent{
		ioengine.EventRead,
		ioengine.EventWrite,
		ioengine.EventAccepted,
		ioengine.EventConnected,
		ioengine.EventClosed,
	} {
		x.interest.SetInterested(event, true)
	}
	return x
}

func newRemainderStore() *remainderStore {
	return &remainderStore{values: make(map[int]any)}
}

func (x *FilterChain) Len() int { return len(x.filters) }

func (x *FilterChain) Filter(index int) Filter { return x.filters[index] }

func (x *FilterChain) IsInterested(event ioengine.IOEvent) bool { return x.interest.IsInterested(event) }

func (x *FilterChain) SetInterested(event ioengine.IOEvent, interested bool) {
	x.interest.SetInterested(event, interested)
}

func (x *FilterChain) ObtainContext(c *ioengine.Connection) *ioengine.Context {
	pool := &x.contexts
	if t := c.Transport(); t != nil {
		pool = t.ContextPool()
	}
	ctx := pool.Acquire(c, x)
	ctx.SetState(&FilterContext{chain: x, ctx: ctx, conn: c})
	return ctx
}

func (x *FilterChain) Process(ctx *ioengine.Context) ioengine.ProcessorResult {
	fc, _ := ctx.State().(*FilterContext)
	if fc == nil || fc.ctx != ctx {
		fc = &FilterContext{chain: x, ctx: ctx, conn: ctx.Connection()}
		ctx.SetState(fc)
	}
	fc.event = ctx.Event()

	switch fc.event {
	case ioengine.EventWrite:
		if t := fc.conn.Transport(); t != nil {
			t.AsyncWriter().ProcessAsync(fc.conn)
		}
		return ioengine.Complete(nil)
	case ioengine.EventRead, ioengine.EventAccepted, ioengine.EventConnected:
	case ioengine.EventClosed:
		defer x.dropRemainders(fc.conn)
	default:
		return ioengine.NotRun()
	}

	start := 0
	if fc.resume {
		start, fc.resume = fc.resumeIndex, false
	}

	for {
		if result, done := x.upstream(fc, start); done {
			return result
		}
		fc.releaseMessage()
		if len(fc.pending) == 0 {
			return ioengine.Complete(nil)
		}
		next := fc.pending[len(fc.pending)-1]
		fc.pending = fc.pending[:len(fc.pending)-1]
		fc.message = next.remainder
		start = next.index
	}
}

// upstream invokes filters from start, returning done if the pass ended
// with a result other than completion.
func (x *FilterChain) upstream(fc *FilterContext, start int) (ioengine.ProcessorResult, bool) {
	for i := start; i < len(x.filters); i++ {
		fc.index = i

		if fc.event == ioengine.EventRead {
			if err := x.mergeRemainder(fc, i); err != nil {
				return x.fail(fc, i, err), true
			}
		}

		action, err := x.handle(fc, i)
		if err != nil {
			return x.fail(fc, i, err), true
		}

		switch action.kind {
		case actionInvoke:
			if action.remainder != nil {
				fc.pending = append(fc.pending, pendingInvocation{index: i, remainder: action.remainder})
			}

		case actionStop:
			if action.remainder != nil {
				x.remainders.GetOrCreate(fc.conn).put(i, action.remainder)
				// ownership of the message passed to the filter
				fc.message = nil
			}
			return ioengine.ProcessorResult{}, false

		case actionSuspend:
			fc.resume, fc.resumeIndex = true, i+1
			fc.ctx.Suspend()
			return ioengine.Terminate(), true

		case actionRerun:
			return x.rerun(fc), true

		default:
			return x.fail(fc, i, fmt.Errorf(`filterchain: invalid action %s`, action)), true
		}
	}
	return ioengine.ProcessorResult{}, false
}

func (x *FilterChain) handle(fc *FilterContext, i int) (NextAction, error) {
	f := x.filters[i]
	switch fc.event {
	case ioengine.EventRead:
		return f.HandleRead(fc)
	case ioengine.EventAccepted:
		return f.HandleAccept(fc)
	case ioengine.EventConnected:
		return f.HandleConnect(fc)
	case ioengine.EventClosed:
		return f.HandleClose(fc)
	default:
		return Invoke(), nil
	}
}

func (x *FilterChain) rerun(fc *FilterContext) ioengine.ProcessorResult {
	next := fc.ctx.Copy()
	next.SetState(&FilterContext{chain: x, ctx: next, conn: fc.conn})
	fc.releaseMessage()
	fc.releasePending()
	return ioengine.Rerun(next)
}

// fail notifies the filters up to and including i, in reverse, then closes
// the connection.
func (x *FilterChain) fail(fc *FilterContext, i int, err error) ioengine.ProcessorResult {
	for j := i; j >= 0; j-- {
		fc.index = j
		x.filters[j].ExceptionOccurred(fc, err)
	}
	fc.releaseMessage()
	fc.releasePending()
	if fc.event != ioengine.EventClosed {
		fc.conn.CloseWithReason(ioengine.CloseReason{Type: ioengine.CloseLocal, Cause: err})
	}
	return ioengine.ErrorResult(err)
}

// Write sends message down the whole chain, from the last filter. The
// handler is optional.
func (x *FilterChain) Write(c *ioengine.Connection, message any, handler ioengine.CompletionHandler[ioengine.WriteResult]) {
	x.downstream(c, len(x.filters)-1, nil, message, handler)
}

// WriteTo is [FilterChain.Write] with a destination address.
func (x *FilterChain) WriteTo(c *ioengine.Connection, dst net.Addr, message any, handler ioengine.CompletionHandler[ioengine.WriteResult]) {
	x.downstream(c, len(x.filters)-1, dst, message, handler)
}

func (x *FilterChain) downstream(c *ioengine.Connection, start int, dst net.Addr, message any, handler ioengine.CompletionHandler[ioengine.WriteResult]) {
	fc := &FilterContext{
		chain:   x,
		conn:    c,
		message: message,
		address: dst,
		handler: handler,
		event:   ioengine.EventWrite,
	}

	for i := start; i >= 0; i-- {
		fc.index = i
		action, err := x.filters[i].HandleWrite(fc)
		if err == nil {
			switch action.kind {
			case actionInvoke:
				if action.remainder == nil {
					continue
				}
				err = errInvalidWriteAction
			case actionStop:
				return
			default:
				err = errInvalidWriteAction
			}
		}
		for j := i; j <= start; j++ {
			fc.index = j
			x.filters[j].ExceptionOccurred(fc, err)
		}
		fc.failWrite(err)
		return
	}

	fc.failWrite(ErrUnhandledWrite)
}

func (x *FilterChain) mergeRemainder(fc *FilterContext, i int) error {
	store, ok := x.remainders.Get(fc.conn)
	if !ok {
		return nil
	}
	remainder, ok := store.take(i)
	if !ok {
		return nil
	}
	if fc.message == nil {
		fc.message = remainder
		return nil
	}
	merged, err := appendMessage(remainder, fc.message)
	if err != nil {
		return err
	}
	fc.message = merged
	return nil
}

func (x *FilterChain) dropRemainders(c *ioengine.Connection) {
	store, ok := x.remainders.Remove(c)
	if !ok {
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for i, v := range store.values {
		release(v)
		delete(store.values, i)
	}
}

// Remainder returns the remainder retained for the filter at index, on c.
func (x *FilterChain) Remainder(c *ioengine.Connection, index int) (any, bool) {
	store, ok := x.remainders.Get(c)
	if !ok {
		return nil, false
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	v, ok := store.values[index]
	return v, ok
}

func (x *remainderStore) put(index int, value any) {
	x.mu.Lock()
	x.values[index] = value
	x.mu.Unlock()
}

func (x *remainderStore) take(index int) (any, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.values[index]
	if ok {
		delete(x.values, index)
	}
	return v, ok
}

// appendMessage combines a retained remainder with the message following it.
func appendMessage(remainder, next any) (any, error) {
	if a, ok := remainder.(Appendable); ok {
		return a.AppendMessage(next), nil
	}
	b, ok := bytesOf(next)
	if !ok {
		return nil, fmt.Errorf(`%w: %T after %T`, ErrIncompatibleRemainder, next, remainder)
	}
	var out any
	switch v := remainder.(type) {
	case []byte:
		out = append(v, b...)
	case *ioengine.Buffer:
		v.Append(b)
		out = v
	default:
		return nil, fmt.Errorf(`%w: %T after %T`, ErrIncompatibleRemainder, next, remainder)
	}
	release(next)
	return out, nil
}

func bytesOf(message any) ([]byte, bool) {
	switch v := message.(type) {
	case []byte:
		return v, true
	case *ioengine.Buffer:
		return v.Bytes(), true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

func release(message any) {
	if r, ok := message.(ioengine.Releasable); ok {
		r.Release()
	}
}

func (x *FilterContext) releasePending() {
	for _, p := range x.pending {
		release(p.remainder)
	}
	x.pending = nil
}

func (x *FilterContext) failWrite(err error) {
	release(x.message)
	if x.handler != nil {
		x.handler.Failed(err)
	}
}
