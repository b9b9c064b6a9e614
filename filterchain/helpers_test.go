// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package filterchain

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	ioengine "github.com/joeycumines/go-ioengine"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// memChannel is an in-memory ioengine.Channel, writes are limited to
// writable bytes, unless it is negative.
type memChannel struct {
	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	writable int
	eof      bool
	closed   bool
}

var _ ioengine.Channel = (*memChannel)(nil)

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
		return 0, ioengine.ErrWouldBlock
	}
	return m.in.Read(p)
}

func (m *memChannel) Write(p []byte, _ net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	n := len(p)
	if m.writable >= 0 {
		n = min(n, m.writable)
		m.writable -= n
	}
	m.out.Write(p[:n])
	return n, nil
}

func (m *memChannel) SetInterest(ioengine.Interest, bool) error { return nil }

func (m *memChannel) Close(bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memChannel) LocalAddr() net.Addr { return memAddr("local") }

func (m *memChannel) RemoteAddr() net.Addr { return memAddr("remote") }

func (m *memChannel) feed(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in.WriteString(s)
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

func newTestTransport(t *testing.T, opts ...ioengine.TransportOption) *ioengine.Transport {
	t.Helper()
	var logs syncBuffer
	opts = append([]ioengine.TransportOption{
		ioengine.WithName(t.Name()),
		ioengine.WithLogger(stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(&logs), stumpy.WithTimeField(``)),
			stumpy.L.WithLevel(logiface.LevelDebug),
		).Logger()),
		ioengine.WithSelectorRunners(1),
		ioengine.WithDelayedExecutorInterval(10 * time.Millisecond),
		ioengine.WithIOStrategy(ioengine.SameThreadIOStrategy{}),
	}, opts...)
	tr, err := ioengine.NewTransport(opts...)
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

func newTestConnection(t *testing.T, tr *ioengine.Transport) (*ioengine.Connection, *memChannel) {
	t.Helper()
	ch := &memChannel{writable: -1}
	c, err := tr.NewConnection(ch)
	require.NoError(t, err)
	return c, ch
}

// process runs one pass of event through chain, on the calling goroutine.
func process(chain *FilterChain, c *ioengine.Connection, event ioengine.IOEvent) ioengine.ResultStatus {
	ctx := chain.ObtainContext(c)
	ctx.SetEvent(event)
	return c.Transport().Executor().Execute(ctx)
}

// recordingFilter records the messages it receives, and returns the
// configured action.
type recordingFilter struct {
	BaseFilter
	mu         sync.Mutex
	reads      []any
	writes     []any
	closes     int
	accepts    int
	exceptions []error
	name       string
	order      *[]string
	onRead     func(ctx *FilterContext) (NextAction, error)
}

func (x *recordingFilter) HandleRead(ctx *FilterContext) (NextAction, error) {
	x.mu.Lock()
	x.reads = append(x.reads, ctx.Message())
	x.mu.Unlock()
	if x.order != nil {
		*x.order = append(*x.order, x.name+`.read`)
	}
	if x.onRead != nil {
		return x.onRead(ctx)
	}
	return Invoke(), nil
}

func (x *recordingFilter) HandleWrite(ctx *FilterContext) (NextAction, error) {
	x.mu.Lock()
	x.writes = append(x.writes, ctx.Message())
	x.mu.Unlock()
	return Invoke(), nil
}

func (x *recordingFilter) HandleAccept(*FilterContext) (NextAction, error) {
	x.mu.Lock()
	x.accepts++
	x.mu.Unlock()
	return Invoke(), nil
}

func (x *recordingFilter) HandleClose(*FilterContext) (NextAction, error) {
	x.mu.Lock()
	x.closes++
	x.mu.Unlock()
	return Invoke(), nil
}

func (x *recordingFilter) ExceptionOccurred(_ *FilterContext, err error) {
	x.mu.Lock()
	x.exceptions = append(x.exceptions, err)
	x.mu.Unlock()
	if x.order != nil {
		*x.order = append(*x.order, x.name+`.exception`)
	}
}

func (x *recordingFilter) Reads() []any {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]any(nil), x.reads...)
}

func (x *recordingFilter) Closes() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closes
}
