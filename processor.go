// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"sync/atomic"
)

type (
	// Processor performs the work for an [IOEvent] on a [Connection].
	Processor interface {
		// ObtainContext returns a context bound to c and this processor.
		// Implementations typically use [ContextPool.Acquire].
		ObtainContext(c *Connection) *Context

		// Process performs one processing pass.
		Process(ctx *Context) ProcessorResult

		IsInterested(event IOEvent) bool
		SetInterested(event IOEvent, interested bool)
	}

	// ProcessorSelector picks the processor for an event, returning nil if it
	// has none.
	ProcessorSelector interface {
		Select(event IOEvent, c *Connection) Processor
	}

	// ProcessorSelectorFunc implements [ProcessorSelector].
	ProcessorSelectorFunc func(event IOEvent, c *Connection) Processor

	// ChainProcessorSelector returns the first non-nil selection, in order.
	ChainProcessorSelector []ProcessorSelector

	// InterestSet is a concurrency-safe set of events, intended to back
	// [Processor.IsInterested] and [Processor.SetInterested]. The zero value
	// is empty.
	InterestSet struct {
		bits atomic.Uint32
	}
)

var (
	_ ProcessorSelector = ProcessorSelectorFunc(nil)
	_ ProcessorSelector = ChainProcessorSelector(nil)
)

func (f ProcessorSelectorFunc) Select(event IOEvent, c *Connection) Processor { return f(event, c) }

func (x ChainProcessorSelector) Select(event IOEvent, c *Connection) Processor {
	for _, s := range x {
		if s == nil {
			continue
		}
		if p := s.Select(event, c); p != nil {
			return p
		}
	}
	return nil
}

// NewInterestSet returns a set containing events.
func NewInterestSet(events ...IOEvent) *InterestSet {
	var x InterestSet
	for _, e := range events {
		x.SetInterested(e, true)
	}
	return &x
}

// AllEvents returns a set containing every [IOEvent].
func AllEvents() *InterestSet { return NewInterestSet(IOEvents()...) }

func (x *InterestSet) IsInterested(event IOEvent) bool {
	return event.Valid() && x.bits.Load()&(1<<event) != 0
}

func (x *InterestSet) SetInterested(event IOEvent, interested bool) {
	if !event.Valid() {
		return
	}
	if interested {
		x.bits.Or(1 << event)
	} else {
		x.bits.And(^uint32(1 << event))
	}
}

// ResolveProcessor selects the processor for event on c, in priority order:
// the connection's processor (if interested), the connection's selector, the
// transport's processor (if interested), then the transport's selector. It
// returns nil if none apply.
func ResolveProcessor(c *Connection, event IOEvent) Processor {
	if p := c.Processor(); p != nil && p.IsInterested(event) {
		return p
	}
	if s := c.ProcessorSelector(); s != nil {
		if p := s.Select(event, c); p != nil {
			return p
		}
	}
	if c.transport == nil {
		return nil
	}
	defaults := c.transport.processing.Load()
	if p := defaults.processor; p != nil && p.IsInterested(event) {
		return p
	}
	if s := defaults.selector; s != nil {
		return s.Select(event, c)
	}
	return nil
}
