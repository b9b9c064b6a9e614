// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransportProbe struct {
	mu     sync.Mutex
	events []string
}

func (x *recordingTransportProbe) record(s string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, s)
}

func (x *recordingTransportProbe) Events() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.events...)
}

func (x *recordingTransportProbe) OnBeforeStart(*Transport)  { x.record("before-start") }
func (x *recordingTransportProbe) OnStart(*Transport)        { x.record("start") }
func (x *recordingTransportProbe) OnBeforeStop(*Transport)   { x.record("before-stop") }
func (x *recordingTransportProbe) OnStop(*Transport)         { x.record("stop") }
func (x *recordingTransportProbe) OnBeforePause(*Transport)  { x.record("before-pause") }
func (x *recordingTransportProbe) OnPause(*Transport)        { x.record("pause") }
func (x *recordingTransportProbe) OnBeforeResume(*Transport) { x.record("before-resume") }
func (x *recordingTransportProbe) OnResume(*Transport)       { x.record("resume") }
func (x *recordingTransportProbe) OnError(*Transport, error) { x.record("error") }

type recordingConnectionProbe struct {
	UnimplementedConnectionProbe
	mu     sync.Mutex
	events []string
}

func (x *recordingConnectionProbe) record(s string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, s)
}

func (x *recordingConnectionProbe) Events() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.events...)
}

func (x *recordingConnectionProbe) OnAccept(*Connection)               { x.record("accept") }
func (x *recordingConnectionProbe) OnRead(_ *Connection, data []byte)  { x.record("read:" + string(data)) }
func (x *recordingConnectionProbe) OnWrite(_ *Connection, data []byte) { x.record("write:" + string(data)) }
func (x *recordingConnectionProbe) OnClose(*Connection, CloseReason)   { x.record("close") }
func (x *recordingConnectionProbe) OnIOEventEnable(_ *Connection, e IOEvent) {
	x.record("enable:" + e.String())
}

// echoHarness wires a processor that echoes reads, and reports every event
// it processes.
type echoHarness struct {
	tr     *Transport
	events chan IOEvent
	pool   *ContextPool
}

func newEchoHarness(t *testing.T, opts ...TransportOption) *echoHarness {
	h := &echoHarness{events: make(chan IOEvent, 64)}
	p := newFuncProcessor(nil, func(ctx *Context) ProcessorResult {
		c := ctx.Connection()
		if ctx.Event() == EventRead {
			buf := make([]byte, 64)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					c.Write(append([]byte(nil), buf[:n]...), nil)
				}
				if err != nil {
					break
				}
			}
		}
		h.events <- ctx.Event()
		return Complete(nil)
	})
	h.tr = newTestTransport(t, append([]TransportOption{WithProcessor(p)}, opts...)...)
	p.pool = h.tr.ContextPool()
	h.pool = p.pool
	return h
}

func (h *echoHarness) expect(t *testing.T, event IOEvent) {
	t.Helper()
	select {
	case e := <-h.events:
		require.Equal(t, event, e)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
}

func TestTransport_dispatchStrategies(t *testing.T) {
	for _, tc := range [...]struct {
		name     string
		strategy IOStrategy
	}{
		{"same thread", SameThreadIOStrategy{}},
		{"worker thread", WorkerThreadIOStrategy{}},
		{"leader follower", LeaderFollowerIOStrategy{}},
		{"simple dynamic", SimpleDynamicIOStrategy{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newEchoHarness(t, WithIOStrategy(tc.strategy))
			ch := newMemChannel()
			c, err := h.tr.NewConnection(ch)
			require.NoError(t, err)

			require.NoError(t, h.tr.FireAccepted(c))
			h.expect(t, EventAccepted)

			for _, msg := range []string{"ping", "pong"} {
				require.Eventually(t, func() bool { return c.IsIOEventEnabled(EventRead) }, 5*time.Second, time.Millisecond)
				before := ch.written()
				ch.feed([]byte(msg))
				c.Notify(EventRead)
				h.expect(t, EventRead)
				assert.Equal(t, before+msg, ch.written())
			}

			c.Close()
			h.expect(t, EventClosed)
			assert.Empty(t, h.tr.Connections())

			_, isSame := tc.strategy.(SameThreadIOStrategy)
			assert.Equal(t, isSame, h.tr.WorkerPool() == nil)
		})
	}
}

func TestTransport_readiness(t *testing.T) {
	t.Run("disabled read is retained", func(t *testing.T) {
		h := newEchoHarness(t, WithIOStrategy(SameThreadIOStrategy{}))
		ch := newMemChannel()
		c, err := h.tr.NewConnection(ch)
		require.NoError(t, err)

		ch.feed([]byte("early"))
		c.Notify(EventRead)
		select {
		case e := <-h.events:
			t.Fatalf("unexpected event %s", e)
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, c.EnableIOEvent(EventRead))
		h.expect(t, EventRead)
		assert.Equal(t, "early", ch.written())
	})

	t.Run("write readiness flushes", func(t *testing.T) {
		tr := newTestTransport(t, WithIOStrategy(SameThreadIOStrategy{}))
		ch := newMemChannel()
		ch.setWritable(0)
		c, err := tr.NewConnection(ch)
		require.NoError(t, err)

		done := make(chan WriteResult, 1)
		c.Write([]byte("queued"), CompletionHandlerFuncs[WriteResult]{OnCompleted: func(r WriteResult) { done <- r }})
		require.True(t, c.IsIOEventEnabled(EventWrite))

		ch.setWritable(-1)
		c.Notify(EventWrite)
		select {
		case r := <-done:
			assert.Equal(t, 6, r.Written)
		case <-time.After(5 * time.Second):
			t.Fatal("write not flushed")
		}
		assert.Equal(t, "queued", ch.written())
		require.Eventually(t, func() bool { return !c.IsIOEventEnabled(EventWrite) }, 5*time.Second, time.Millisecond)
	})
}

func TestTransport_pauseDefersDispatch(t *testing.T) {
	h := newEchoHarness(t, WithIOStrategy(SameThreadIOStrategy{}))
	ch := newMemChannel()
	c, err := h.tr.NewConnection(ch)
	require.NoError(t, err)
	require.NoError(t, c.EnableIOEvent(EventRead))

	require.NoError(t, h.tr.Pause())
	assert.Equal(t, TransportPaused, h.tr.State())
	ch.feed([]byte("x"))
	c.Notify(EventRead)
	select {
	case e := <-h.events:
		t.Fatalf("unexpected event while paused %s", e)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.tr.Resume())
	h.expect(t, EventRead)
}

func TestTransport_lifecycle(t *testing.T) {
	probe := new(recordingTransportProbe)
	tr, err := NewTransport(WithTransportProbes(probe), WithSelectorRunners(2), nil)
	require.NoError(t, err)
	assert.Equal(t, TransportStopped, tr.State())
	assert.NotEmpty(t, tr.Name())
	assert.NotEqual(t, uuid.Nil, tr.ID())

	require.ErrorIs(t, tr.Pause(), ErrInvalidState)
	require.NoError(t, tr.Start())
	require.ErrorIs(t, tr.Start(), ErrInvalidState)
	require.ErrorIs(t, tr.Resume(), ErrInvalidState)
	require.NoError(t, tr.Pause())
	require.NoError(t, tr.Resume())

	c, err := tr.NewConnection(newMemChannel())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
	require.NoError(t, tr.Shutdown(ctx))
	assert.Equal(t, TransportStopped, tr.State())
	assert.False(t, c.IsOpen())

	_, err = tr.NewConnection(newMemChannel())
	assert.ErrorIs(t, err, ErrTransportNotRunning)
	assert.ErrorIs(t, tr.Start(), ErrInvalidState)

	assert.Equal(t, []string{
		"before-start", "start",
		"before-pause", "pause",
		"before-resume", "resume",
		"before-stop", "stop",
	}, probe.Events())
}

func TestTransport_shutdownNow(t *testing.T) {
	tr, err := NewTransport(WithSelectorRunners(1))
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	ch := newMemChannel()
	c, err := tr.NewConnection(ch)
	require.NoError(t, err)
	tr.ShutdownNow()
	assert.False(t, c.IsOpen())
	assert.False(t, ch.graceful)
	assert.Equal(t, TransportStopped, tr.State())
}

func TestTransport_connectionProbes(t *testing.T) {
	probe := new(recordingConnectionProbe)
	h := newEchoHarness(t, WithIOStrategy(SameThreadIOStrategy{}), WithConnectionProbes(probe))
	ch := newMemChannel()
	c, err := h.tr.NewConnection(ch)
	require.NoError(t, err)

	require.NoError(t, h.tr.FireAccepted(c))
	h.expect(t, EventAccepted)
	ch.feed([]byte("hi"))
	c.Notify(EventRead)
	h.expect(t, EventRead)
	require.Eventually(t, func() bool { return c.IsIOEventEnabled(EventRead) }, 5*time.Second, time.Millisecond)
	c.Close()
	h.expect(t, EventClosed)

	assert.Equal(t, []string{"accept", "enable:READ", "read:hi", "write:hi", "enable:READ", "close"}, probe.Events())
}

func TestNewTransport_options(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		opt  TransportOption
	}{
		{"selector runners", WithSelectorRunners(0)},
		{"nil strategy", WithIOStrategy(nil)},
		{"worker pool", WithWorkerPoolConfig(ThreadPoolConfig{MaxSize: 1, CoreSize: 2})},
		{"batch", WithSelectorBatch(1, 2, 0)},
		{"read buffer", WithReadBufferSize(0)},
		{"reentrants", WithMaxWriteReentrants(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTransport(tc.opt)
			assert.Error(t, err)
		})
	}

	tr, err := NewTransport(
		WithName("configured"),
		WithReadBufferSize(1024),
		WithMaxAsyncWriteQueueSize(-1),
		WithReuseAddress(true),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "configured", tr.Name())
	assert.Equal(t, 1024, tr.ConnectionConfig().ReadBufferSize)
	assert.Equal(t, -1, tr.ConnectionConfig().MaxAsyncWriteQueueSize)
	assert.Equal(t, DefaultBufferSize, tr.ConnectionConfig().WriteBufferSize)
	assert.True(t, tr.ReuseAddress())
	assert.IsType(t, WorkerThreadIOStrategy{}, tr.IOStrategy())
	assert.NotNil(t, tr.WorkerPool())
	assert.NotNil(t, tr.KernelPool())
}

func TestResolveProcessor(t *testing.T) {
	connP := newFuncProcessor(nil, nil)
	connP.SetInterested(EventWrite, false)
	transportP := newFuncProcessor(nil, nil)
	transportP.SetInterested(EventAccepted, false)
	transportP.SetInterested(EventConnected, false)
	selectorP := newFuncProcessor(nil, nil)
	fallbackP := newFuncProcessor(nil, nil)

	var selected atomic.Int32
	connSelector := ProcessorSelectorFunc(func(event IOEvent, c *Connection) Processor {
		selected.Add(1)
		if event == EventWrite {
			return selectorP
		}
		return nil
	})

	tr, err := NewTransport(
		WithProcessor(transportP),
		WithProcessorSelector(ChainProcessorSelector{
			nil,
			ProcessorSelectorFunc(func(event IOEvent, c *Connection) Processor {
				if event == EventAccepted {
					return fallbackP
				}
				return nil
			}),
		}),
	)
	require.NoError(t, err)
	c := newConnection(tr, newMemChannel(), nil)

	// transport processor, then transport selector
	assert.Same(t, transportP, ResolveProcessor(c, EventRead))
	assert.Same(t, fallbackP, ResolveProcessor(c, EventAccepted))
	assert.Nil(t, ResolveProcessor(c, EventConnected))

	c.SetProcessor(connP)
	c.SetProcessorSelector(connSelector)
	assert.Same(t, connP, ResolveProcessor(c, EventRead))
	assert.Zero(t, selected.Load())
	assert.Same(t, selectorP, ResolveProcessor(c, EventWrite))
	assert.Equal(t, int32(1), selected.Load())

	connP.SetInterested(EventRead, false)
	assert.Same(t, transportP, ResolveProcessor(c, EventRead))

	for range 3 {
		assert.Same(t, selectorP, ResolveProcessor(c, EventWrite))
	}
}

func TestTransport_SetProcessor(t *testing.T) {
	tr, err := NewTransport()
	require.NoError(t, err)
	c := newConnection(tr, newMemChannel(), nil)
	assert.Nil(t, tr.Processor())
	assert.Nil(t, ResolveProcessor(c, EventRead))

	p := newFuncProcessor(nil, nil)
	tr.SetProcessor(p)
	assert.Same(t, p, tr.Processor())
	assert.Same(t, p, ResolveProcessor(c, EventRead))

	fallback := newFuncProcessor(nil, nil)
	tr.SetProcessorSelector(ProcessorSelectorFunc(func(IOEvent, *Connection) Processor { return fallback }))
	assert.NotNil(t, tr.ProcessorSelector())
	assert.Same(t, p, tr.Processor())

	p.SetInterested(EventRead, false)
	assert.Same(t, fallback, ResolveProcessor(c, EventRead))

	tr.SetProcessor(nil)
	assert.Same(t, fallback, ResolveProcessor(c, EventWrite))
}

func TestStandaloneProcessor(t *testing.T) {
	reads := make(chan string, 4)
	p := NewStandaloneProcessor(func(c *Connection) error {
		buf := make([]byte, 16)
		n, err := c.Read(buf)
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		reads <- string(buf[:n])
		return nil
	})
	assert.True(t, p.IsInterested(EventRead))
	assert.True(t, p.IsInterested(EventWrite))
	assert.False(t, p.IsInterested(EventAccepted))

	tr := newTestTransport(t, WithProcessor(p), WithIOStrategy(SameThreadIOStrategy{}))
	ch := newMemChannel()
	c, err := tr.NewConnection(ch)
	require.NoError(t, err)
	require.NoError(t, tr.FireAccepted(c))

	ch.feed([]byte("data"))
	c.Notify(EventRead)
	select {
	case s := <-reads:
		assert.Equal(t, "data", s)
	case <-time.After(5 * time.Second):
		t.Fatal("no read")
	}
	require.Eventually(t, func() bool { return c.IsIOEventEnabled(EventRead) }, 5*time.Second, time.Millisecond)
}

func TestStandaloneProcessor_explicitReads(t *testing.T) {
	p := NewStandaloneProcessor(nil)
	tr := newTestTransport(t, WithProcessor(p), WithIOStrategy(SameThreadIOStrategy{}))
	ch := newMemChannel()
	c, err := tr.NewConnection(ch)
	require.NoError(t, err)
	require.NoError(t, c.EnableIOEvent(EventRead))

	ch.feed([]byte("x"))
	c.Notify(EventRead)
	require.Eventually(t, func() bool { return tr.ContextPool().Stats().Recycled == 1 }, 5*time.Second, time.Millisecond)
	assert.False(t, c.IsIOEventEnabled(EventRead))
}
