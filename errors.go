// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Standard errors.
var (
	// ErrNotOpen is matched (via [errors.Is]) by every [ClosedError].
	ErrNotOpen = errors.New("ioengine: not open")

	// ErrQueueLimitExceeded is matched by every [QueueLimitError].
	ErrQueueLimitExceeded = errors.New("ioengine: async write queue limit exceeded")

	// ErrWriteHandlerReplaced is reported to a write handler registered via
	// [AsyncQueueWriter.NotifyWritePossible], if another is registered
	// before it fires.
	ErrWriteHandlerReplaced = errors.New("ioengine: write handler replaced")

	// ErrTimeout is matched by every [TimeoutError].
	ErrTimeout = errors.New("ioengine: timeout")

	// ErrWouldBlock is returned by a [Channel] read that has nothing available.
	ErrWouldBlock = errors.New("ioengine: operation would block")

	// ErrExecutorShutdown is returned when submitting to a stopped executor.
	ErrExecutorShutdown = errors.New("ioengine: executor has been shut down")

	// ErrExecutorSaturated is returned when a bounded executor cannot accept
	// more tasks.
	ErrExecutorSaturated = errors.New("ioengine: executor queue is full")

	// ErrTransportNotRunning is returned by operations requiring a started
	// transport.
	ErrTransportNotRunning = errors.New("ioengine: transport is not running")

	// ErrInvalidState is returned for illegal lifecycle transitions.
	ErrInvalidState = errors.New("ioengine: invalid state transition")

	// ErrInvalidPortRange is matched by errors from [ParsePortRange] and
	// [NewPortRange].
	ErrInvalidPortRange = errors.New("ioengine: invalid port range")
)

// ClosedError is the "not open" error, carrying the reason a [Connection]
// was closed. It unwraps to the recorded cause, if any.
type ClosedError struct {
	Reason CloseReason
}

func (e *ClosedError) Error() string {
	if e.Reason.Cause != nil {
		return fmt.Sprintf("ioengine: not open: closed %s: %v", e.Reason.Type, e.Reason.Cause)
	}
	return fmt.Sprintf("ioengine: not open: closed %s", e.Reason.Type)
}

func (e *ClosedError) Unwrap() error { return e.Reason.Cause }

func (e *ClosedError) Is(target error) bool { return target == ErrNotOpen }

// QueueLimitError indicates an async write was refused because it would take
// the pending bytes of a connection over the configured ceiling.
type QueueLimitError struct {
	// Size is the number of bytes the refused write would have queued.
	Size int
	// Pending is the number of bytes queued at the time of the refusal.
	Pending int
	// Limit is the configured ceiling.
	Limit int
}

func (e *QueueLimitError) Error() string {
	return fmt.Sprintf("ioengine: async write queue limit exceeded: size=%d pending=%d limit=%d", e.Size, e.Pending, e.Limit)
}

func (e *QueueLimitError) Is(target error) bool { return target == ErrQueueLimitExceeded }

// TimeoutKind identifies which timeout subsystem closed a connection.
type TimeoutKind uint8

const (
	TimeoutIdle TimeoutKind = iota + 1
	TimeoutActivity
	TimeoutSilentConnection
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutIdle:
		return "idle"
	case TimeoutActivity:
		return "activity"
	case TimeoutSilentConnection:
		return "silent-connection"
	default:
		return fmt.Sprintf("TimeoutKind(%d)", uint8(k))
	}
}

// TimeoutError is the cause recorded when one of the timeout subsystems
// closes a connection.
type TimeoutError struct {
	Kind    TimeoutKind
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ioengine: %s timeout of %s elapsed", e.Kind, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PanicError wraps a value recovered from a panicking processor, listener or
// task. The recovery site stack trace is retained, see [PanicError.StackTrace].
type PanicError struct {
	Value any
	err   error
}

func newPanicError(value any) *PanicError {
	return &PanicError{Value: value, err: pkgerrors.Errorf("ioengine: recovered panic: %v", value)}
}

func (e *PanicError) Error() string { return e.err.Error() }

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// StackTrace implements the github.com/pkg/errors stack trace interface.
func (e *PanicError) StackTrace() pkgerrors.StackTrace {
	if st, ok := e.err.(interface{ StackTrace() pkgerrors.StackTrace }); ok {
		return st.StackTrace()
	}
	return nil
}

// Format supports %+v, printing the stack trace.
func (e *PanicError) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}
