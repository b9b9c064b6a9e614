// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/joeycumines/go-eventloop"
	ioengine "github.com/joeycumines/go-ioengine"
	"golang.org/x/sys/unix"
)

type (
	// channel is a non-blocking ioengine.Channel over a TCP socket.
	// Readiness comes from the transport's event loop, which polls the fd
	// only while interest is armed. Interest is one-shot: it is disarmed
	// as it fires, and armed again by the engine once it wants more.
	channel struct {
		conn       *net.TCPConn
		raw        syscall.RawConn
		loop       *eventloop.Loop
		c          *ioengine.Connection
		fd         int
		mu         sync.Mutex
		armed      ioengine.Interest
		registered bool
		closed     bool
	}

	// listenerChannel backs the connection representing a listener, which
	// only supports Close.
	listenerChannel struct {
		ln net.Listener
	}
)

var (
	_ ioengine.Channel = (*channel)(nil)
	_ ioengine.Channel = (*listenerChannel)(nil)

	errListenerIO = errors.New("tcp: listener connections do not support reads or writes")
)

const watchedInterest = ioengine.InterestRead | ioengine.InterestWrite

func newChannel(conn *net.TCPConn, loop *eventloop.Loop) (*channel, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	x := channel{conn: conn, raw: raw, loop: loop, fd: -1}
	if err := raw.Control(func(fd uintptr) { x.fd = int(fd) }); err != nil {
		return nil, err
	}
	return &x, nil
}

// bind sets the connection notified of readiness.
func (x *channel) bind(c *ioengine.Connection) {
	x.mu.Lock()
	x.c = c
	x.mu.Unlock()
}

// Read never parks on the runtime netpoller, the callback always returns
// true.
func (x *channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	if rerr := x.raw.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	}); rerr != nil {
		return 0, rerr
	}
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, ioengine.ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write returns a short count, without error, if the socket buffer fills.
func (x *channel) Write(p []byte, _ net.Addr) (int, error) {
	var (
		written int
		err     error
	)
	if werr := x.raw.Write(func(fd uintptr) bool {
		for written < len(p) {
			var n int
			n, err = unix.Write(int(fd), p[written:])
			if n > 0 {
				written += n
			}
			if err == unix.EINTR {
				err = nil
				continue
			}
			if err != nil {
				break
			}
		}
		return true
	}); werr != nil {
		return written, werr
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		err = nil
	}
	return written, err
}

func (x *channel) SetInterest(interest ioengine.Interest, enabled bool) error {
	interest &= watchedInterest
	if interest == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return net.ErrClosed
	}
	armed := x.armed
	if enabled {
		armed |= interest
	} else {
		armed &^= interest
	}
	return x.watchLocked(armed)
}

// watchLocked registers, modifies or unregisters the fd with the loop, to
// poll for armed. The fd is unregistered while nothing is armed, so that
// error and hangup conditions, which are always reported, do not spin the
// loop.
func (x *channel) watchLocked(armed ioengine.Interest) error {
	if armed == x.armed && x.registered == (armed != 0) {
		return nil
	}
	var err error
	switch events := loopEvents(armed); {
	case events == 0:
		if x.registered {
			err = x.loop.UnregisterFD(x.fd)
			x.registered = false
		}
	case !x.registered:
		err = x.loop.RegisterFD(x.fd, events, x.ready)
		x.registered = err == nil
	default:
		err = x.loop.ModifyFD(x.fd, events)
	}
	if err != nil {
		return err
	}
	x.armed = armed
	return nil
}

// ready is called by the loop. Errors and hangups fire everything armed, so
// that the next read or write observes them.
func (x *channel) ready(events eventloop.IOEvents) {
	x.mu.Lock()
	c := x.c
	if x.closed || c == nil {
		x.mu.Unlock()
		return
	}
	fired := x.armed
	if events&(eventloop.EventError|eventloop.EventHangup) == 0 {
		fired &= engineInterest(events)
	}
	err := x.watchLocked(x.armed &^ fired)
	x.mu.Unlock()

	if err != nil {
		c.TerminateWithReason(ioengine.CloseReason{Type: ioengine.CloseLocal, Cause: err})
		return
	}
	if fired&ioengine.InterestRead != 0 {
		c.Notify(ioengine.EventRead)
	}
	if fired&ioengine.InterestWrite != 0 {
		c.Notify(ioengine.EventWrite)
	}
}

// Close performs an abortive close (RST) if graceful is false. The fd is
// removed from the loop first, as it may be reused once closed.
func (x *channel) Close(graceful bool) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return net.ErrClosed
	}
	x.closed = true
	if x.registered {
		_ = x.loop.UnregisterFD(x.fd)
		x.registered = false
	}
	x.armed = 0
	x.mu.Unlock()

	if !graceful {
		_ = x.conn.SetLinger(0)
	}
	return x.conn.Close()
}

func (x *channel) LocalAddr() net.Addr { return x.conn.LocalAddr() }

func (x *channel) RemoteAddr() net.Addr { return x.conn.RemoteAddr() }

func loopEvents(i ioengine.Interest) eventloop.IOEvents {
	var events eventloop.IOEvents
	if i&ioengine.InterestRead != 0 {
		events |= eventloop.EventRead
	}
	if i&ioengine.InterestWrite != 0 {
		events |= eventloop.EventWrite
	}
	return events
}

func engineInterest(events eventloop.IOEvents) ioengine.Interest {
	var i ioengine.Interest
	if events&eventloop.EventRead != 0 {
		i |= ioengine.InterestRead
	}
	if events&eventloop.EventWrite != 0 {
		i |= ioengine.InterestWrite
	}
	return i
}

func (x *listenerChannel) Read([]byte) (int, error) { return 0, errListenerIO }

func (x *listenerChannel) Write([]byte, net.Addr) (int, error) { return 0, errListenerIO }

func (x *listenerChannel) SetInterest(ioengine.Interest, bool) error { return nil }

func (x *listenerChannel) Close(bool) error { return x.ln.Close() }

func (x *listenerChannel) LocalAddr() net.Addr { return x.ln.Addr() }

func (x *listenerChannel) RemoteAddr() net.Addr { return nil }
