// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

// Package tcp implements a TCP transport for ioengine. Sockets are read and
// written without blocking. Readiness is polled by a go-eventloop Loop, with
// each socket registered only while the engine has interest armed, and is
// reported to the engine, which dispatches it to processors (e.g. a
// filterchain.FilterChain) per its IOStrategy.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eventloop"
	ioengine "github.com/joeycumines/go-ioengine"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type (
	// Transport binds listeners and connects clients, registering each
	// socket with an [ioengine.Transport].
	Transport struct {
		engine   *ioengine.Transport
		loop     *eventloop.Loop
		group    *errgroup.Group
		running  sync.Once
		ctx      context.Context
		cancel   context.CancelFunc
		limiter  *catrate.Limiter
		dialer   net.Dialer
		listenCf net.ListenConfig
	}

	// Listener is a bound server socket. It is represented to the engine as
	// a connection, which receives the bind and close notifications.
	Listener struct {
		ln   net.Listener
		conn *ioengine.Connection
	}
)

var (
	_ ioengine.Bindable[*Listener] = (*Transport)(nil)

	acceptErrorLogRates = map[time.Duration]int{
		time.Second: 1,
		time.Minute: 10,
	}
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// NewTransport initialises a transport, see [ioengine.NewTransport] for the
// options.
func NewTransport(opts ...ioengine.TransportOption) (*Transport, error) {
	engine, err := ioengine.NewTransport(opts...)
	if err != nil {
		return nil, err
	}
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf(`tcp: event loop: %w`, err)
	}
	x := Transport{
		engine:  engine,
		loop:    loop,
		limiter: catrate.NewLimiter(acceptErrorLogRates),
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	x.group = new(errgroup.Group)
	x.dialer.Control = x.control
	x.listenCf.Control = x.control
	return &x, nil
}

// Engine returns the underlying transport.
func (x *Transport) Engine() *ioengine.Transport { return x.engine }

// Start starts the engine, and the event loop polling the sockets.
func (x *Transport) Start() error {
	if err := x.engine.Start(); err != nil {
		return err
	}
	x.running.Do(func() {
		x.group.Go(func() error {
			err := x.loop.Run(context.Background())
			if errors.Is(err, eventloop.ErrLoopTerminated) {
				err = nil
			}
			return err
		})
	})
	return nil
}

func (x *Transport) Pause() error { return x.engine.Pause() }

func (x *Transport) Resume() error { return x.engine.Resume() }

func (x *Transport) State() ioengine.TransportState { return x.engine.State() }

// Shutdown gracefully closes every listener and connection, then stops the
// event loop, waiting for the engine and the transport's goroutines to stop,
// or for ctx to be done.
func (x *Transport) Shutdown(ctx context.Context) error {
	x.cancel()
	err := x.engine.Shutdown(ctx)
	if lerr := x.loop.Shutdown(ctx); lerr != nil && !errors.Is(lerr, eventloop.ErrLoopTerminated) {
		err = errors.Join(err, lerr)
	}
	return errors.Join(err, x.wait(ctx))
}

// ShutdownNow terminates every listener and connection, and the event loop,
// without waiting.
func (x *Transport) ShutdownNow() {
	x.cancel()
	x.engine.ShutdownNow()
	_ = x.loop.Close()
}

func (x *Transport) wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- x.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Transport) logger() *logiface.Logger[logiface.Event] { return x.engine.Logger() }

// control applies socket options, prior to bind or connect.
func (x *Transport) control(_, _ string, c syscall.RawConn) error {
	if !x.engine.ReuseAddress() {
		return nil
	}
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// Bind listens on addr, accepting connections until the listener or the
// transport is closed. Accepted connections receive
// [ioengine.EventAccepted], then read readiness.
func (x *Transport) Bind(ctx context.Context, addr string) (*Listener, error) {
	if err := x.ctx.Err(); err != nil {
		return nil, ioengine.ErrTransportNotRunning
	}
	ln, err := x.listenCf.Listen(ctx, `tcp`, addr)
	if err != nil {
		return nil, err
	}
	c, err := x.engine.NewConnection(&listenerChannel{ln: ln})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	l := &Listener{ln: ln, conn: c}
	x.engine.FireBind(c)

	x.logger().Info().
		Str(`transport`, x.engine.Name()).
		Stringer(`addr`, ln.Addr()).
		Log(`tcp: listening`)

	x.group.Go(func() error { return x.serve(l) })
	return l, nil
}

// BindToPortRange binds the first available port of r, see
// [ioengine.BindToPortRange].
func (x *Transport) BindToPortRange(ctx context.Context, host string, r ioengine.PortRange) (*Listener, error) {
	return ioengine.BindToPortRange[*Listener](ctx, x, host, r, x.engine.Rand())
}

func (x *Transport) serve(l *Listener) error {
	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.conn.IsOpen() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			x.logAcceptError(l, err, delay)
			select {
			case <-x.ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		c, err := x.register(conn.(*net.TCPConn))
		if err != nil {
			_ = conn.Close()
			x.logAcceptError(l, err, 0)
			continue
		}
		if err := x.engine.FireAccepted(c); err != nil {
			c.TerminateWithReason(ioengine.CloseReason{Type: ioengine.CloseLocal, Cause: err})
		}
	}
}

func (x *Transport) logAcceptError(l *Listener, err error, retry time.Duration) {
	if _, ok := x.limiter.Allow(l.conn.ID()); !ok {
		return
	}
	x.logger().Warning().
		Err(err).
		Str(`transport`, x.engine.Name()).
		Stringer(`addr`, l.Addr()).
		Dur(`retry`, retry).
		Log(`tcp: accept failed`)
}

// register wraps conn as a connection. Its socket is polled by the event
// loop once the engine arms interest.
func (x *Transport) register(conn *net.TCPConn) (*ioengine.Connection, error) {
	ch, err := newChannel(conn, x.loop)
	if err != nil {
		return nil, err
	}
	c, err := x.engine.NewConnection(ch)
	if err != nil {
		return nil, err
	}
	ch.bind(c)
	x.logger().Trace().
		Uint64(`connection`, c.ID()).
		Int(`fd`, ch.fd).
		Log(`tcp: registered`)
	return c, nil
}

// Connect dials addr, completing the future once the connection is
// registered, prior to [ioengine.EventConnected] being dispatched.
// Cancelling the future aborts the dial.
func (x *Transport) Connect(ctx context.Context, addr string) *ioengine.Future[*ioengine.Connection] {
	if err := x.ctx.Err(); err != nil {
		return ioengine.FailedFuture[*ioengine.Connection](ioengine.ErrTransportNotRunning)
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(x.ctx, cancel)
	future := ioengine.NewFuture[*ioengine.Connection](cancel)
	x.group.Go(func() error {
		defer stop()
		defer cancel()
		c, err := x.connect(ctx, addr)
		if err != nil {
			future.Fail(err)
			return nil
		}
		if !future.Complete(c) {
			c.TerminateSilently()
			return nil
		}
		if err := x.engine.FireConnected(c); err != nil {
			c.TerminateWithReason(ioengine.CloseReason{Type: ioengine.CloseLocal, Cause: err})
		}
		return nil
	})
	return future
}

func (x *Transport) connect(ctx context.Context, addr string) (*ioengine.Connection, error) {
	conn, err := x.dialer.DialContext(ctx, `tcp`, addr)
	if err != nil {
		return nil, err
	}
	c, err := x.register(conn.(*net.TCPConn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf(`tcp: register %s: %w`, addr, err)
	}
	return c, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Connection returns the engine's representation of the listener.
func (l *Listener) Connection() *ioengine.Connection { return l.conn }

// Close stops accepting, it does not affect accepted connections.
func (l *Listener) Close() {
	l.conn.CloseSilently()
}
