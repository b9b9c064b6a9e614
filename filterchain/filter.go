// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package filterchain implements an [ioengine.Processor] that passes each
// event through an ordered list of filters. Inbound events (read, accept,
// connect, close) travel upstream, from the first filter to the last, and
// writes travel downstream, from the writing filter towards the first,
// which is normally a [TransportFilter].
package filterchain

type (
	// Filter is one stage of a [FilterChain]. Each Handle method returns the
	// action the chain should take next. A non-nil error aborts the pass,
	// see [Filter.ExceptionOccurred].
	//
	// Filters are shared by every connection using the chain, per-connection
	// state belongs in [FilterContext.Connection] attributes.
	Filter interface {
		HandleRead(ctx *FilterContext) (NextAction, error)
		HandleWrite(ctx *FilterContext) (NextAction, error)
		HandleConnect(ctx *FilterContext) (NextAction, error)
		HandleAccept(ctx *FilterContext) (NextAction, error)
		HandleClose(ctx *FilterContext) (NextAction, error)

		// ExceptionOccurred is called, in reverse order, on the filter that
		// failed and every filter before it in the pass.
		ExceptionOccurred(ctx *FilterContext, err error)
	}

	// BaseFilter implements every [Filter] method as a pass-through, and may
	// be embedded.
	BaseFilter struct{}

	// NextAction instructs the chain how to proceed after a filter returns.
	// The zero value is equivalent to [Invoke].
	NextAction struct {
		remainder any
		kind      actionKind
	}

	// Appendable may be implemented by messages that are retained as a
	// remainder (see [Stop]), to combine them with the next message. Byte
	// slices and [*ioengine.Buffer] are supported without it.
	Appendable interface {
		AppendMessage(next any) any
	}

	actionKind uint8
)

const (
	actionInvoke actionKind = iota
	actionStop
	actionSuspend
	actionRerun
)

var _ Filter = BaseFilter{}

func (BaseFilter) HandleRead(*FilterContext) (NextAction, error)    { return Invoke(), nil }
func (BaseFilter) HandleWrite(*FilterContext) (NextAction, error)   { return Invoke(), nil }
func (BaseFilter) HandleConnect(*FilterContext) (NextAction, error) { return Invoke(), nil }
func (BaseFilter) HandleAccept(*FilterContext) (NextAction, error)  { return Invoke(), nil }
func (BaseFilter) HandleClose(*FilterContext) (NextAction, error)   { return Invoke(), nil }
func (BaseFilter) ExceptionOccurred(*FilterContext, error)          {}

// Invoke passes the current message to the next filter.
func Invoke() NextAction { return NextAction{} }

// InvokeWithRemainder passes the current message to the next filter, then,
// once the rest of the pass completes, calls the same filter again with
// remainder as the message. It is used by decoders that find more than one
// message in their input. A nil remainder is equivalent to [Invoke].
func InvokeWithRemainder(remainder any) NextAction {
	return NextAction{kind: actionInvoke, remainder: remainder}
}

// Stop ends the pass. A non-nil remainder is retained, per connection, and
// combined with the message that next reaches the same filter.
func Stop(remainder any) NextAction {
	return NextAction{kind: actionStop, remainder: remainder}
}

// Suspend ends the pass without completing it. The pass continues from the
// next filter once [FilterContext.Resume] is called, which must happen
// after the suspending filter returns.
func Suspend() NextAction { return NextAction{kind: actionSuspend} }

// RerunChain restarts the pass from the first filter, on a fresh context,
// for the same event.
func RerunChain() NextAction { return NextAction{kind: actionRerun} }

// Remainder returns the remainder carried by the action, if any.
func (a NextAction) Remainder() any { return a.remainder }

func (a NextAction) String() string {
	switch a.kind {
	case actionInvoke:
		return `INVOKE`
	case actionStop:
		return `STOP`
	case actionSuspend:
		return `SUSPEND`
	case actionRerun:
		return `RERUN`
	default:
		return `UNKNOWN`
	}
}
