// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// memChannel is an in-memory Channel. Reads drain in, writes append to out,
// up to writable bytes (negative means unlimited).
type memChannel struct {
	mu         sync.Mutex
	in         bytes.Buffer
	out        bytes.Buffer
	writeErr   error
	interest   Interest
	writable   int
	writes     int
	closes     int
	eof        bool
	closed     bool
	graceful   bool
	interestCh chan Interest
}

var _ Channel = (*memChannel)(nil)

func newMemChannel() *memChannel {
	return &memChannel{writable: -1}
}

func (m *memChannel) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.in.Len() == 0 {
		if m.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	return m.in.Read(p)
}

func (m *memChannel) Write(p []byte, _ net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	n := len(p)
	if m.writable >= 0 {
		n = min(n, m.writable)
		m.writable -= n
	}
	m.writes++
	m.out.Write(p[:n])
	return n, nil
}

func (m *memChannel) SetInterest(interest Interest, enabled bool) error {
	m.mu.Lock()
	if enabled {
		m.interest |= interest
	} else {
		m.interest &^= interest
	}
	ch := m.interestCh
	m.mu.Unlock()
	if ch != nil && enabled {
		select {
		case ch <- interest:
		default:
		}
	}
	return nil
}

func (m *memChannel) Close(graceful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.closed = true
	m.graceful = graceful
	return nil
}

func (m *memChannel) LocalAddr() net.Addr { return memAddr("local") }

func (m *memChannel) RemoteAddr() net.Addr { return memAddr("remote") }

// feed makes p available to read.
func (m *memChannel) feed(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in.Write(p)
}

func (m *memChannel) setWritable(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writable = n
}

func (m *memChannel) written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.String()
}

func (m *memChannel) hasInterest(i Interest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interest&i != 0
}

type memAddr string

func (a memAddr) Network() string { return "mem" }

func (a memAddr) String() string { return string(a) }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// newTestTransport starts a transport with a single runner, shut down on
// cleanup.
func newTestTransport(t *testing.T, opts ...TransportOption) *Transport {
	t.Helper()
	var logs syncBuffer
	opts = append([]TransportOption{
		WithName(t.Name()),
		WithLogger(newTestLogger(&logs)),
		WithSelectorRunners(1),
		WithDelayedExecutorInterval(10 * time.Millisecond),
	}, opts...)
	tr, err := NewTransport(opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
		if t.Failed() {
			t.Logf("transport logs:\n%s", logs.String())
		}
	})
	return tr
}

// funcProcessor adapts a function to Processor, interested in every event.
type funcProcessor struct {
	pool     *ContextPool
	fn       func(ctx *Context) ProcessorResult
	interest *InterestSet
}

func newFuncProcessor(pool *ContextPool, fn func(ctx *Context) ProcessorResult) *funcProcessor {
	return &funcProcessor{pool: pool, fn: fn, interest: AllEvents()}
}

func (p *funcProcessor) ObtainContext(c *Connection) *Context { return p.pool.Acquire(c, p) }

func (p *funcProcessor) Process(ctx *Context) ProcessorResult { return p.fn(ctx) }

func (p *funcProcessor) IsInterested(event IOEvent) bool { return p.interest.IsInterested(event) }

func (p *funcProcessor) SetInterested(event IOEvent, interested bool) {
	p.interest.SetInterested(event, interested)
}

// recordingListener records lifecycle notifications, in order.
type recordingListener struct {
	mu     sync.Mutex
	events []string
	data   []any
	errs   []error
}

func (x *recordingListener) record(event string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, event)
	return nil
}

func (x *recordingListener) OnSuspend(*Context) error { return x.record("suspend") }

func (x *recordingListener) OnResume(*Context) error { return x.record("resume") }

func (x *recordingListener) OnComplete(_ *Context, data any) error {
	x.mu.Lock()
	x.data = append(x.data, data)
	x.mu.Unlock()
	return x.record("complete")
}

func (x *recordingListener) OnLeave(*Context) error { return x.record("leave") }

func (x *recordingListener) OnReregister(*Context) error { return x.record("reregister") }

func (x *recordingListener) OnRerun(*Context, *Context) error { return x.record("rerun") }

func (x *recordingListener) OnError(_ *Context, err error) error {
	x.mu.Lock()
	x.errs = append(x.errs, err)
	x.mu.Unlock()
	return x.record("error")
}

func (x *recordingListener) OnNotRun(*Context) error { return x.record("notrun") }

func (x *recordingListener) Events() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.events...)
}

func (x *recordingListener) countTerminal() (n int) {
	for _, e := range x.Events() {
		switch e {
		case "complete", "leave", "reregister", "error", "notrun":
			n++
		}
	}
	return n
}

// resultRecorder is a CompletionHandler[WriteResult], recording the order
// of outcomes.
type resultRecorder struct {
	mu      sync.Mutex
	order   []string
	errs    map[string]error
	onWrite map[string]func()
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{errs: make(map[string]error), onWrite: make(map[string]func())}
}

func (x *resultRecorder) handler(name string) CompletionHandler[WriteResult] {
	return CompletionHandlerFuncs[WriteResult]{
		OnCompleted: func(WriteResult) {
			x.mu.Lock()
			x.order = append(x.order, name)
			fn := x.onWrite[name]
			x.mu.Unlock()
			if fn != nil {
				fn()
			}
		},
		OnFailed: func(err error) {
			x.mu.Lock()
			defer x.mu.Unlock()
			x.errs[name] = err
		},
	}
}

func (x *resultRecorder) Order() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.order...)
}

func (x *resultRecorder) Err(name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.errs[name]
}
