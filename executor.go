// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"errors"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// ProcessorExecutor drives a [Processor] over a [Context] until a terminal
// result is reached, notifying lifecycle listeners exactly once per terminal
// outcome, and recycling contexts.
//
// Outcomes:
//
//   - RERUN: OnRerun(old, new), the old context is recycled, and processing
//     continues with the new one
//   - COMPLETE, LEAVE, NOT_RUN: notified then recycled
//   - REREGISTER: OnReregister(real) on the listeners of the real context,
//     which is recycled in place of the original
//   - ERROR: notified then released, see [ContextPool.Release]
//   - TERMINATE: nothing, the caller retains responsibility
//
// A panic during Process is converted to an ERROR result. Panics and errors
// from listeners are logged, and never escape.
type ProcessorExecutor struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

var (
	errInvalidResult = errors.New("ioengine: processor returned an invalid result")
	errMissingRerun  = errors.New("ioengine: processor returned RERUN without a new context")

	defaultProcessorExecutor = &ProcessorExecutor{}
)

// NewProcessorExecutor initialises a ProcessorExecutor. Both arguments are
// optional. Errors are logged at most per the rates, per category.
func NewProcessorExecutor(logger *logiface.Logger[logiface.Event], errorLogRates map[time.Duration]int) *ProcessorExecutor {
	x := ProcessorExecutor{logger: logger}
	if len(errorLogRates) != 0 {
		x.limiter = catrate.NewLimiter(errorLogRates)
	}
	return &x
}

// Execute runs the processing pass for ctx, returning the terminal status.
func (x *ProcessorExecutor) Execute(ctx *Context) ResultStatus {
	for {
		result := x.invoke(ctx)
		if result.status != StatusRerun {
			return x.finish(ctx, result)
		}

		next := result.context
		if next == nil || next == ctx {
			return x.finish(ctx, ErrorResult(errMissingRerun))
		}
		if next.executor == nil {
			next.executor = ctx.executor
		}

		listeners := ctx.lifecycleListeners()
		x.notifyListeners(ctx, listeners, func(l ContextLifecycleListener) error { return l.OnRerun(ctx, next) })
		if len(next.lifecycleListeners()) == 0 {
			for _, l := range listeners {
				next.AddLifecycleListener(l)
			}
		}

		ctx.recycle()
		ctx = next
	}
}

func (x *ProcessorExecutor) invoke(ctx *Context) (result ProcessorResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ErrorResult(newPanicError(r))
		}
	}()
	p := ctx.processor
	if p == nil {
		return NotRun()
	}
	result = p.Process(ctx)
	if result.status == StatusInvalid {
		result = ErrorResult(errInvalidResult)
	}
	return result
}

// finish handles a non-RERUN result.
func (x *ProcessorExecutor) finish(ctx *Context, result ProcessorResult) (status ResultStatus) {
	status = result.status
	defer func() {
		if r := recover(); r != nil {
			x.logError(`finish`, ctx, newPanicError(r), `ioengine: secondary panic while finishing context`)
		}
	}()

	switch result.status {
	case StatusComplete:
		defer ctx.recycle()
		x.notify(ctx, func(l ContextLifecycleListener) error { return l.OnComplete(ctx, result.data) })

	case StatusLeave:
		defer ctx.recycle()
		x.notify(ctx, func(l ContextLifecycleListener) error { return l.OnLeave(ctx) })

	case StatusReregister:
		real := result.context
		if real == nil {
			real = ctx
		}
		defer real.recycle()
		x.notify(real, func(l ContextLifecycleListener) error { return l.OnReregister(real) })

	case StatusNotRun:
		defer ctx.recycle()
		x.notify(ctx, func(l ContextLifecycleListener) error { return l.OnNotRun(ctx) })

	case StatusTerminate:

	default:
		status = StatusError
		err := result.err
		if result.status != StatusError {
			err = errInvalidResult
		}
		x.logError(`process`, ctx, err, `ioengine: processing failed`)
		defer ctx.release()
		x.notify(ctx, func(l ContextLifecycleListener) error { return l.OnError(ctx, err) })
	}

	return status
}

func (x *ProcessorExecutor) notify(ctx *Context, fn func(l ContextLifecycleListener) error) {
	x.notifyListeners(ctx, ctx.lifecycleListeners(), fn)
}

func (x *ProcessorExecutor) notifyListeners(ctx *Context, listeners []ContextLifecycleListener, fn func(l ContextLifecycleListener) error) {
	for _, l := range listeners {
		if err := x.callListener(l, fn); err != nil {
			x.logError(`listener`, ctx, err, `ioengine: lifecycle listener failed`)
		}
	}
}

func (x *ProcessorExecutor) callListener(l ContextLifecycleListener, fn func(l ContextLifecycleListener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn(l)
}

func (x *ProcessorExecutor) logError(category string, ctx *Context, err error, msg string) {
	if x.logger == nil {
		return
	}
	if _, ok := x.limiter.Allow(category); !ok {
		return
	}
	b := x.logger.Err()
	if !b.Enabled() {
		return
	}
	b = b.Err(err).Str(`category`, category)
	if ctx != nil {
		b = b.Stringer(`event`, ctx.event)
		if ctx.conn != nil {
			b = b.Uint64(`connection`, ctx.conn.id)
		}
	}
	b.Log(msg)
}
