// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"github.com/joeycumines/logiface"
)

type (
	// ConnectionProbe observes connection events. Probes are called
	// synchronously, on the triggering goroutine, and panics are recovered
	// and logged.
	ConnectionProbe interface {
		OnBind(c *Connection)
		OnAccept(c *Connection)
		OnConnect(c *Connection)
		OnRead(c *Connection, data []byte)
		OnWrite(c *Connection, data []byte)
		OnError(c *Connection, err error)
		OnClose(c *Connection, reason CloseReason)
		OnIOEventReady(c *Connection, event IOEvent)
		OnIOEventEnable(c *Connection, event IOEvent)
		OnIOEventDisable(c *Connection, event IOEvent)
	}

	// TransportProbe observes transport lifecycle events, see
	// [ConnectionProbe] for the calling convention.
	TransportProbe interface {
		OnBeforeStart(t *Transport)
		OnStart(t *Transport)
		OnBeforeStop(t *Transport)
		OnStop(t *Transport)
		OnBeforePause(t *Transport)
		OnPause(t *Transport)
		OnBeforeResume(t *Transport)
		OnResume(t *Transport)
		OnError(t *Transport, err error)
	}

	// ThreadPoolProbe observes [WorkerPool] events, see [ConnectionProbe] for
	// the calling convention.
	ThreadPoolProbe interface {
		OnThreadPoolStart(p *WorkerPool)
		OnThreadPoolStop(p *WorkerPool)
		OnThreadAllocate(p *WorkerPool)
		OnThreadRelease(p *WorkerPool)
		OnMaxNumberOfThreadsReached(p *WorkerPool, maxThreads int)
		OnTaskQueue(p *WorkerPool)
		OnTaskComplete(p *WorkerPool)
		OnTaskQueueOverflow(p *WorkerPool)
	}

	// UnimplementedConnectionProbe may be embedded, to implement
	// [ConnectionProbe] partially.
	UnimplementedConnectionProbe struct{}

	// UnimplementedTransportProbe may be embedded, to implement
	// [TransportProbe] partially.
	UnimplementedTransportProbe struct{}

	// UnimplementedThreadPoolProbe may be embedded, to implement
	// [ThreadPoolProbe] partially.
	UnimplementedThreadPoolProbe struct{}

	probeSet struct {
		logger     *logiface.Logger[logiface.Event]
		connection []ConnectionProbe
		transport  []TransportProbe
	}
)

var (
	_ ConnectionProbe = UnimplementedConnectionProbe{}
	_ TransportProbe  = UnimplementedTransportProbe{}
	_ ThreadPoolProbe = UnimplementedThreadPoolProbe{}
)

func (UnimplementedConnectionProbe) OnBind(*Connection)                    {}
func (UnimplementedConnectionProbe) OnAccept(*Connection)                  {}
func (UnimplementedConnectionProbe) OnConnect(*Connection)                 {}
func (UnimplementedConnectionProbe) OnRead(*Connection, []byte)            {}
func (UnimplementedConnectionProbe) OnWrite(*Connection, []byte)           {}
func (UnimplementedConnectionProbe) OnError(*Connection, error)            {}
func (UnimplementedConnectionProbe) OnClose(*Connection, CloseReason)      {}
func (UnimplementedConnectionProbe) OnIOEventReady(*Connection, IOEvent)   {}
func (UnimplementedConnectionProbe) OnIOEventEnable(*Connection, IOEvent)  {}
func (UnimplementedConnectionProbe) OnIOEventDisable(*Connection, IOEvent) {}

func (UnimplementedTransportProbe) OnBeforeStart(*Transport)  {}
func (UnimplementedTransportProbe) OnStart(*Transport)        {}
func (UnimplementedTransportProbe) OnBeforeStop(*Transport)   {}
func (UnimplementedTransportProbe) OnStop(*Transport)         {}
func (UnimplementedTransportProbe) OnBeforePause(*Transport)  {}
func (UnimplementedTransportProbe) OnPause(*Transport)        {}
func (UnimplementedTransportProbe) OnBeforeResume(*Transport) {}
func (UnimplementedTransportProbe) OnResume(*Transport)       {}
func (UnimplementedTransportProbe) OnError(*Transport, error) {}

func (UnimplementedThreadPoolProbe) OnThreadPoolStart(*WorkerPool)                {}
func (UnimplementedThreadPoolProbe) OnThreadPoolStop(*WorkerPool)                 {}
func (UnimplementedThreadPoolProbe) OnThreadAllocate(*WorkerPool)                 {}
func (UnimplementedThreadPoolProbe) OnThreadRelease(*WorkerPool)                  {}
func (UnimplementedThreadPoolProbe) OnMaxNumberOfThreadsReached(*WorkerPool, int) {}
func (UnimplementedThreadPoolProbe) OnTaskQueue(*WorkerPool)                      {}
func (UnimplementedThreadPoolProbe) OnTaskComplete(*WorkerPool)                   {}
func (UnimplementedThreadPoolProbe) OnTaskQueueOverflow(*WorkerPool)              {}

// safeProbe calls fn, logging rather than propagating a panic.
func safeProbe(logger *logiface.Logger[logiface.Event], fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Err().
				Err(newPanicError(r)).
				Log(`ioengine: probe panicked`)
		}
	}()
	fn()
}

func (x *probeSet) eachConnection(fn func(p ConnectionProbe)) {
	if x == nil {
		return
	}
	for _, p := range x.connection {
		safeProbe(x.logger, func() { fn(p) })
	}
}

func (x *probeSet) eachTransport(fn func(p TransportProbe)) {
	if x == nil {
		return
	}
	for _, p := range x.transport {
		safeProbe(x.logger, func() { fn(p) })
	}
}

func (x *probeSet) bind(c *Connection) {
	x.eachConnection(func(p ConnectionProbe) { p.OnBind(c) })
}

func (x *probeSet) accept(c *Connection) {
	x.eachConnection(func(p ConnectionProbe) { p.OnAccept(c) })
}

func (x *probeSet) connect(c *Connection) {
	x.eachConnection(func(p ConnectionProbe) { p.OnConnect(c) })
}

func (x *probeSet) read(c *Connection, data []byte) {
	x.eachConnection(func(p ConnectionProbe) { p.OnRead(c, data) })
}

func (x *probeSet) write(c *Connection, data []byte) {
	x.eachConnection(func(p ConnectionProbe) { p.OnWrite(c, data) })
}

func (x *probeSet) error(c *Connection, err error) {
	x.eachConnection(func(p ConnectionProbe) { p.OnError(c, err) })
}

func (x *probeSet) close(c *Connection, reason CloseReason) {
	x.eachConnection(func(p ConnectionProbe) { p.OnClose(c, reason) })
}

func (x *probeSet) ioEventReady(c *Connection, event IOEvent) {
	x.eachConnection(func(p ConnectionProbe) { p.OnIOEventReady(c, event) })
}

func (x *probeSet) ioEventEnabled(c *Connection, event IOEvent) {
	x.eachConnection(func(p ConnectionProbe) { p.OnIOEventEnable(c, event) })
}

func (x *probeSet) ioEventDisabled(c *Connection, event IOEvent) {
	x.eachConnection(func(p ConnectionProbe) { p.OnIOEventDisable(c, event) })
}
