// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Channel is the I/O capability backing a [Connection], supplied by a
	// concrete transport (see the tcp package). Methods other than Close are
	// only called while the connection is open.
	Channel interface {
		// Read performs a non-blocking read, returning [ErrWouldBlock] if no
		// data is available, and [io.EOF] once the peer has closed.
		Read(p []byte) (n int, err error)

		// Write performs a non-blocking write, of up to len(p) bytes. A short
		// count with a nil error means the channel would block.
		Write(p []byte, dst net.Addr) (n int, err error)

		// SetInterest toggles readiness notifications, which are delivered
		// via [Connection.Notify].
		SetInterest(interest Interest, enabled bool) error

		Close(graceful bool) error

		LocalAddr() net.Addr
		RemoteAddr() net.Addr
	}

	// ConnectionConfig holds the per-connection settings, defaulted from the
	// [Transport].
	ConnectionConfig struct {
		ReadBufferSize  int
		WriteBufferSize int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		// MaxAsyncWriteQueueSize is the ceiling on queued, unwritten bytes. A
		// negative value disables the limit.
		MaxAsyncWriteQueueSize int
		Blocking               bool
	}

	// Connection is a handle to one duplex stream, owned by the [Transport]
	// that created it.
	Connection struct {
		closer
		attributes AttributeHolder
		channel    Channel
		processor  Processor
		selector   ProcessorSelector
		transport  *Transport
		runner     *selectorRunner
		writeQueue *writeQueue
		config     ConnectionConfig
		id         uint64
		mu         sync.RWMutex
		interest   atomic.Uint32
		pending    atomic.Uint32
	}
)

var (
	_ Closeable        = (*Connection)(nil)
	_ AttributeStorage = (*Connection)(nil)

	connectionIDCounter atomic.Uint64
)

func newConnection(t *Transport, ch Channel, runner *selectorRunner) *Connection {
	c := &Connection{
		id:         connectionIDCounter.Add(1),
		channel:    ch,
		transport:  t,
		runner:     runner,
		writeQueue: newWriteQueue(),
	}
	c.closer.init()
	if t != nil {
		c.config = t.opts.connectionConfig
	}
	return c
}

// ID is unique within the process.
func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Transport() *Transport { return c.transport }

func (c *Connection) Channel() Channel { return c.channel }

func (c *Connection) LocalAddr() net.Addr { return c.channel.LocalAddr() }

func (c *Connection) RemoteAddr() net.Addr { return c.channel.RemoteAddr() }

func (c *Connection) Attributes() *AttributeHolder { return &c.attributes }

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%d, local=%v, remote=%v}", c.id, addrString(c.channel.LocalAddr()), addrString(c.channel.RemoteAddr()))
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "<nil>"
	}
	return addr.String()
}

// Processor returns the processor bound to the connection, if any.
func (c *Connection) Processor() Processor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.processor
}

func (c *Connection) SetProcessor(p Processor) {
	c.mu.Lock()
	c.processor = p
	c.mu.Unlock()
}

// ProcessorSelector returns the selector bound to the connection, if any.
func (c *Connection) ProcessorSelector() ProcessorSelector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selector
}

func (c *Connection) SetProcessorSelector(s ProcessorSelector) {
	c.mu.Lock()
	c.selector = s
	c.mu.Unlock()
}

func (c *Connection) Config() ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// UpdateConfig modifies the configuration in place, under lock.
func (c *Connection) UpdateConfig(fn func(cfg *ConnectionConfig)) {
	c.mu.Lock()
	fn(&c.config)
	c.mu.Unlock()
}

func (c *Connection) IsOpen() bool { return c.closer.isOpen() }

func (c *Connection) AssertOpen() error { return c.closer.assertOpen() }

func (c *Connection) CloseReason() (CloseReason, bool) { return c.closer.closeReason() }

// Closed returns a future resolved with the reason, once c is closed.
// Cancelling it terminates c.
func (c *Connection) Closed() *Future[CloseReason] { return c.closer.outcome(c.TerminateSilently) }

func (c *Connection) AddCloseListener(l CloseListener) ListenerID {
	return c.closer.addListener(c, l, c.logPanic)
}

func (c *Connection) RemoveCloseListener(id ListenerID) bool { return c.closer.removeListener(id) }

func (c *Connection) Close() *Future[CloseReason] { return c.CloseWithReason(LocalCloseReason) }

func (c *Connection) CloseWithReason(reason CloseReason) *Future[CloseReason] {
	c.close(reason, true)
	return c.Closed()
}

func (c *Connection) CloseSilently() { c.close(LocalCloseReason, true) }

func (c *Connection) Terminate() *Future[CloseReason] { return c.TerminateWithReason(LocalCloseReason) }

func (c *Connection) TerminateWithReason(reason CloseReason) *Future[CloseReason] {
	c.close(reason, false)
	return c.Closed()
}

func (c *Connection) TerminateSilently() { c.close(LocalCloseReason, false) }

func (c *Connection) close(reason CloseReason, graceful bool) {
	if !c.closer.begin(reason) {
		return
	}

	if graceful && c.transport != nil {
		c.transport.writer.flushOnClose(c)
	}

	c.interest.Store(0)
	c.pending.Store(0)
	if err := c.channel.Close(graceful); err != nil {
		c.transport.logger().Debug().
			Err(err).
			Uint64(`connection`, c.id).
			Log(`ioengine: channel close failed`)
	}

	c.writeQueue.close(reason)

	c.closer.finish(c, c.logPanic)

	if c.transport != nil {
		c.transport.connectionClosed(c, reason)
	}
}

func (c *Connection) logPanic(err error) {
	c.transport.logger().Err().
		Err(err).
		Uint64(`connection`, c.id).
		Log(`ioengine: connection callback panicked`)
}

// Read reads from the channel, recording a remote close on [io.EOF], and
// terminating the connection on any other error except [ErrWouldBlock].
func (c *Connection) Read(p []byte) (int, error) {
	if err := c.AssertOpen(); err != nil {
		return 0, err
	}
	n, err := c.channel.Read(p)
	if n > 0 {
		c.transport.probes().read(c, p[:n])
	}
	switch {
	case err == nil, errors.Is(err, ErrWouldBlock):
	case errors.Is(err, io.EOF):
		c.TerminateWithReason(RemoteCloseReason)
	default:
		c.transport.probes().error(c, err)
		c.TerminateWithReason(CloseReason{Type: CloseLocal, Cause: err})
	}
	return n, err
}

// Write queues msg on the transport's [AsyncQueueWriter]. The handler is
// optional.
func (c *Connection) Write(msg []byte, handler CompletionHandler[WriteResult]) {
	c.transport.writer.Write(c, nil, msg, handler, nil)
}

// IsIOEventEnabled reports whether readiness for event is being delivered.
// Events without an [Interest] are always enabled.
func (c *Connection) IsIOEventEnabled(event IOEvent) bool {
	bit := uint32(event.Interest())
	return bit == 0 || c.interest.Load()&bit != 0
}

// EnableIOEvent enables readiness notifications for event. Readiness
// observed while it was disabled is re-delivered.
func (c *Connection) EnableIOEvent(event IOEvent) error {
	bit := uint32(event.Interest())
	if bit == 0 {
		return nil
	}
	if err := c.AssertOpen(); err != nil {
		return err
	}
	if c.interest.Or(bit)&bit == 0 {
		if err := c.channel.SetInterest(event.Interest(), true); err != nil {
			c.interest.And(^bit)
			return err
		}
		c.transport.probes().ioEventEnabled(c, event)
	}
	if c.pending.And(^bit)&bit != 0 {
		c.post(event)
	}
	return nil
}

// DisableIOEvent stops readiness notifications for event.
func (c *Connection) DisableIOEvent(event IOEvent) error {
	bit := uint32(event.Interest())
	if bit == 0 || !c.IsOpen() {
		return nil
	}
	if c.interest.And(^bit)&bit != 0 {
		if err := c.channel.SetInterest(event.Interest(), false); err != nil {
			return err
		}
		c.transport.probes().ioEventDisabled(c, event)
	}
	return nil
}

// claimIOEvent disables event prior to dispatch, returning false if it was
// not enabled (in which case it is marked as pending).
func (c *Connection) claimIOEvent(event IOEvent) bool {
	bit := uint32(event.Interest())
	if bit == 0 {
		return true
	}
	if c.interest.And(^bit)&bit == 0 {
		c.markPending(bit)
		return false
	}
	_ = c.channel.SetInterest(event.Interest(), false)
	return true
}

func (c *Connection) markPending(bit uint32) {
	c.pending.Or(bit)
	// an EnableIOEvent may have raced, and missed the pending bit
	if c.interest.Load()&bit != 0 && c.pending.And(^bit)&bit != 0 {
		c.post(eventForInterest(Interest(bit)))
	}
}

// Notify is how a [Channel] reports readiness (or a logical event) for the
// connection. The event is dispatched asynchronously by the selector runner
// that owns the connection. Readiness for a disabled event is retained, and
// delivered once it is enabled.
func (c *Connection) Notify(event IOEvent) {
	if !event.Valid() || event == EventNone || !c.IsOpen() {
		return
	}
	if bit := uint32(event.Interest()); bit != 0 && c.interest.Load()&bit == 0 {
		c.markPending(bit)
		return
	}
	c.post(event)
}

func (c *Connection) post(event IOEvent) {
	if c.runner != nil {
		c.runner.post(c, event)
	}
}

func eventForInterest(i Interest) IOEvent {
	switch i {
	case InterestRead:
		return EventRead
	case InterestWrite:
		return EventWrite
	case InterestAccept:
		return EventServerAccept
	case InterestConnect:
		return EventClientConnected
	default:
		return EventNone
	}
}
