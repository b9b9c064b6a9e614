// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"fmt"
)

// ResultStatus identifies the variant of a [ProcessorResult].
type ResultStatus uint8

const (
	// StatusInvalid is the status of the zero ProcessorResult, and is treated
	// as an error by the [ProcessorExecutor].
	StatusInvalid ResultStatus = iota
	StatusComplete
	StatusLeave
	StatusReregister
	StatusError
	StatusRerun
	StatusTerminate
	StatusNotRun
)

func (s ResultStatus) String() string {
	switch s {
	case StatusInvalid:
		return "INVALID"
	case StatusComplete:
		return "COMPLETE"
	case StatusLeave:
		return "LEAVE"
	case StatusReregister:
		return "REREGISTER"
	case StatusError:
		return "ERROR"
	case StatusRerun:
		return "RERUN"
	case StatusTerminate:
		return "TERMINATE"
	case StatusNotRun:
		return "NOT_RUN"
	default:
		return fmt.Sprintf("ResultStatus(%d)", uint8(s))
	}
}

// ProcessorResult is the outcome of [Processor.Process]. It is an immutable
// value, constructed using [Complete], [Leave], [Reregister], [ErrorResult],
// [Rerun], [Terminate] or [NotRun].
type ProcessorResult struct {
	data    any
	err     error
	context *Context
	status  ResultStatus
}

// Complete indicates processing finished, with optional data passed to
// [ContextLifecycleListener.OnComplete].
func Complete(data any) ProcessorResult {
	return ProcessorResult{status: StatusComplete, data: data}
}

// Leave indicates processing finished, without completing the event (e.g.
// more data is required, and will arrive with a later event).
func Leave() ProcessorResult { return ProcessorResult{status: StatusLeave} }

// Reregister indicates processing of the current context is over, but will
// continue using realContext, which becomes the long-lived context.
func Reregister(realContext *Context) ProcessorResult {
	return ProcessorResult{status: StatusReregister, context: realContext}
}

// ErrorResult indicates processing failed.
func ErrorResult(err error) ProcessorResult {
	return ProcessorResult{status: StatusError, err: err}
}

// Rerun indicates the event must be processed again, using newContext.
func Rerun(newContext *Context) ProcessorResult {
	return ProcessorResult{status: StatusRerun, context: newContext}
}

// Terminate indicates the caller of the processor has taken responsibility
// for the context, e.g. after [Context.Suspend].
func Terminate() ProcessorResult { return ProcessorResult{status: StatusTerminate} }

// NotRun indicates the processor declined to process the event.
func NotRun() ProcessorResult { return ProcessorResult{status: StatusNotRun} }

func (r ProcessorResult) Status() ResultStatus { return r.status }

// Data returns the COMPLETE payload.
func (r ProcessorResult) Data() any { return r.data }

// Err returns the ERROR description.
func (r ProcessorResult) Err() error { return r.err }

// Context returns the REREGISTER or RERUN context.
func (r ProcessorResult) Context() *Context { return r.context }

func (r ProcessorResult) String() string {
	switch r.status {
	case StatusError:
		return fmt.Sprintf("ERROR(%v)", r.err)
	case StatusComplete:
		if r.data != nil {
			return fmt.Sprintf("COMPLETE(%T)", r.data)
		}
	}
	return r.status.String()
}
