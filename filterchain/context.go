// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package filterchain

import (
	"net"

	ioengine "github.com/joeycumines/go-ioengine"
)

type (
	// FilterContext carries the state of one pass through a [FilterChain].
	// Upstream passes are backed by an [ioengine.Context], downstream
	// (write) passes are not, see [FilterContext.Context].
	FilterContext struct {
		chain       *FilterChain
		ctx         *ioengine.Context
		conn        *ioengine.Connection
		message     any
		address     net.Addr
		handler     ioengine.CompletionHandler[ioengine.WriteResult]
		pending     []pendingInvocation
		event       ioengine.IOEvent
		index       int
		resumeIndex int
		resume      bool
	}

	pendingInvocation struct {
		remainder any
		index     int
	}
)

func (x *FilterContext) Chain() *FilterChain { return x.chain }

func (x *FilterContext) Connection() *ioengine.Connection { return x.conn }

// Context returns the processing context of an upstream pass, or nil.
func (x *FilterContext) Context() *ioengine.Context { return x.ctx }

// Event is the event being processed, [ioengine.EventWrite] for downstream
// passes.
func (x *FilterContext) Event() ioengine.IOEvent { return x.event }

// Index is the position of the filter currently being invoked.
func (x *FilterContext) Index() int { return x.index }

func (x *FilterContext) Message() any { return x.message }

// SetMessage replaces the message passed to the next filter.
func (x *FilterContext) SetMessage(message any) { x.message = message }

// Address is the destination of a write, or nil for the connection's peer.
func (x *FilterContext) Address() net.Addr { return x.address }

// CompletionHandler returns the handler of a downstream pass, which may be
// nil.
func (x *FilterContext) CompletionHandler() ioengine.CompletionHandler[ioengine.WriteResult] {
	return x.handler
}

// SetCompletionHandler replaces the handler of a downstream pass, e.g. to
// wrap it.
func (x *FilterContext) SetCompletionHandler(h ioengine.CompletionHandler[ioengine.WriteResult]) {
	x.handler = h
}

// Attributes returns the per-pass attributes of an upstream pass, falling
// back to the connection's.
func (x *FilterContext) Attributes() *ioengine.AttributeHolder {
	if x.ctx != nil {
		return x.ctx.Attributes()
	}
	return x.conn.Attributes()
}

// AddLifecycleListener registers l with the processing context, and is a
// no-op for downstream passes.
func (x *FilterContext) AddLifecycleListener(l ioengine.ContextLifecycleListener) {
	if x.ctx != nil {
		x.ctx.AddLifecycleListener(l)
	}
}

// Write sends message downstream, starting from the filter before the
// current one. The handler is optional.
func (x *FilterContext) Write(message any, handler ioengine.CompletionHandler[ioengine.WriteResult]) {
	x.WriteTo(nil, message, handler)
}

// WriteTo is [FilterContext.Write] with a destination address, for
// connectionless channels.
func (x *FilterContext) WriteTo(dst net.Addr, message any, handler ioengine.CompletionHandler[ioengine.WriteResult]) {
	x.chain.downstream(x.conn, x.index-1, dst, message, handler)
}

// Resume continues a pass suspended by [Suspend], from the filter after
// the one that suspended it.
func (x *FilterContext) Resume() ioengine.ResultStatus {
	if x.ctx == nil {
		return ioengine.StatusInvalid
	}
	return x.ctx.Resume()
}

// Complete finishes a suspended pass without invoking the remaining
// filters.
func (x *FilterContext) Complete() ioengine.ResultStatus {
	if x.ctx == nil {
		return ioengine.StatusInvalid
	}
	x.releaseMessage()
	x.releasePending()
	return x.ctx.Complete(ioengine.Complete(nil))
}

func (x *FilterContext) releaseMessage() {
	release(x.message)
	x.message = nil
}
