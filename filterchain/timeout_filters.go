// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package filterchain

import (
	"time"

	ioengine "github.com/joeycumines/go-ioengine"
)

type (
	// IdleTimeoutFilter closes connections with no read or write in
	// progress for the timeout. Reads are in progress until their pass
	// finishes, and writes until their completion handler is called.
	IdleTimeoutFilter struct {
		BaseFilter
		timeout *ioengine.IdleTimeout
	}

	// ActivityCheckFilter closes connections with no read or write started
	// within the timeout.
	ActivityCheckFilter struct {
		BaseFilter
		timeout *ioengine.ActivityTimeout
	}

	// SilentConnectionFilter closes connections that neither read nor write
	// within the timeout of being accepted or connected.
	SilentConnectionFilter struct {
		BaseFilter
		timeout *ioengine.SilentConnectionTimeout
	}

	idleEndListener struct {
		ioengine.UnimplementedLifecycleListener
		timeout *ioengine.IdleTimeout
		conn    *ioengine.Connection
	}

	idleWriteHandler struct {
		next    ioengine.CompletionHandler[ioengine.WriteResult]
		timeout *ioengine.IdleTimeout
		conn    *ioengine.Connection
	}
)

var (
	_ Filter = (*IdleTimeoutFilter)(nil)
	_ Filter = (*ActivityCheckFilter)(nil)
	_ Filter = (*SilentConnectionFilter)(nil)
)

// NewIdleTimeoutFilter registers an idle timeout with the transport's
// delayed executor.
func NewIdleTimeoutFilter(t *ioengine.Transport, timeout time.Duration) *IdleTimeoutFilter {
	return &IdleTimeoutFilter{timeout: ioengine.NewIdleTimeout(t.DelayedExecutor(), timeout)}
}

func (x *IdleTimeoutFilter) Timeout() *ioengine.IdleTimeout { return x.timeout }

func (x *IdleTimeoutFilter) HandleAccept(ctx *FilterContext) (NextAction, error) {
	x.timeout.Register(ctx.Connection())
	return Invoke(), nil
}

func (x *IdleTimeoutFilter) HandleConnect(ctx *FilterContext) (NextAction, error) {
	x.timeout.Register(ctx.Connection())
	return Invoke(), nil
}

func (x *IdleTimeoutFilter) HandleRead(ctx *FilterContext) (NextAction, error) {
	if ctx.Context() == nil {
		return Invoke(), nil
	}
	c := ctx.Connection()
	x.timeout.Begin(c)
	ctx.AddLifecycleListener(&idleEndListener{timeout: x.timeout, conn: c})
	return Invoke(), nil
}

func (x *IdleTimeoutFilter) HandleWrite(ctx *FilterContext) (NextAction, error) {
	c := ctx.Connection()
	x.timeout.Begin(c)
	ctx.SetCompletionHandler(&idleWriteHandler{next: ctx.CompletionHandler(), timeout: x.timeout, conn: c})
	return Invoke(), nil
}

func (x *IdleTimeoutFilter) HandleClose(ctx *FilterContext) (NextAction, error) {
	x.timeout.Remove(ctx.Connection())
	return Invoke(), nil
}

func (x *idleEndListener) OnComplete(*ioengine.Context, any) error {
	x.timeout.End(x.conn)
	return nil
}

func (x *idleEndListener) OnLeave(*ioengine.Context) error {
	x.timeout.End(x.conn)
	return nil
}

func (x *idleEndListener) OnReregister(*ioengine.Context) error {
	x.timeout.End(x.conn)
	return nil
}

func (x *idleEndListener) OnError(*ioengine.Context, error) error {
	x.timeout.End(x.conn)
	return nil
}

func (x *idleEndListener) OnNotRun(*ioengine.Context) error {
	x.timeout.End(x.conn)
	return nil
}

func (x *idleWriteHandler) Completed(result ioengine.WriteResult) {
	x.timeout.End(x.conn)
	if x.next != nil {
		x.next.Completed(result)
	}
}

func (x *idleWriteHandler) Failed(err error) {
	x.timeout.End(x.conn)
	if x.next != nil {
		x.next.Failed(err)
	}
}

// NewActivityCheckFilter registers an activity timeout with the transport's
// delayed executor.
func NewActivityCheckFilter(t *ioengine.Transport, timeout time.Duration) *ActivityCheckFilter {
	return &ActivityCheckFilter{timeout: ioengine.NewActivityTimeout(t.DelayedExecutor(), timeout)}
}

func (x *ActivityCheckFilter) Timeout() *ioengine.ActivityTimeout { return x.timeout }

func (x *ActivityCheckFilter) HandleAccept(ctx *FilterContext) (NextAction, error) {
	x.timeout.Register(ctx.Connection())
	return Invoke(), nil
}

func (x *ActivityCheckFilter) HandleConnect(ctx *FilterContext) (NextAction, error) {
	x.timeout.Register(ctx.Connection())
	return Invoke(), nil
}

func (x *ActivityCheckFilter) HandleRead(ctx *FilterContext) (NextAction, error) {
	x.timeout.Touch(ctx.Connection())
	return Invoke(), nil
}

func (x *ActivityCheckFilter) HandleWrite(ctx *FilterContext) (NextAction, error) {
	x.timeout.Touch(ctx.Connection())
	return Invoke(), nil
}

func (x *ActivityCheckFilter) HandleClose(ctx *FilterContext) (NextAction, error) {
	x.timeout.Remove(ctx.Connection())
	return Invoke(), nil
}

// NewSilentConnectionFilter registers a silent connection timeout with the
// transport's delayed executor.
func NewSilentConnectionFilter(t *ioengine.Transport, timeout time.Duration) *SilentConnectionFilter {
	return &SilentConnectionFilter{timeout: ioengine.NewSilentConnectionTimeout(t.DelayedExecutor(), timeout)}
}

func (x *SilentConnectionFilter) Timeout() *ioengine.SilentConnectionTimeout { return x.timeout }

func (x *SilentConnectionFilter) HandleAccept(ctx *FilterContext) (NextAction, error) {
	x.timeout.Register(ctx.Connection())
	return Invoke(), nil
}

func (x *SilentConnectionFilter) HandleConnect(ctx *FilterContext) (NextAction, error) {
	x.timeout.Register(ctx.Connection())
	return Invoke(), nil
}

func (x *SilentConnectionFilter) HandleRead(ctx *FilterContext) (NextAction, error) {
	x.timeout.Cancel(ctx.Connection())
	return Invoke(), nil
}

func (x *SilentConnectionFilter) HandleWrite(ctx *FilterContext) (NextAction, error) {
	x.timeout.Cancel(ctx.Connection())
	return Invoke(), nil
}

func (x *SilentConnectionFilter) HandleClose(ctx *FilterContext) (NextAction, error) {
	x.timeout.Cancel(ctx.Connection())
	return Invoke(), nil
}
