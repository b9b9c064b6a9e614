// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

// StandaloneProcessor handles only [EventRead] and [EventWrite], leaving
// accept and connect handling to the caller. A WRITE event flushes the
// connection's async write queue. A READ event calls ReadHandler, or, if it
// is nil, ends with [ResultNotRun], leaving read interest disabled: the
// caller reads explicitly, via [Connection.Read], then re-enables
// [EventRead].
type StandaloneProcessor struct {
	// ReadHandler is optional. Read interest is re-enabled if it returns
	// nil, and the connection is closed otherwise.
	ReadHandler func(c *Connection) error
	interest    InterestSet
}

var _ Processor = (*StandaloneProcessor)(nil)

// NewStandaloneProcessor returns a processor interested in READ and WRITE.
func NewStandaloneProcessor(readHandler func(c *Connection) error) *StandaloneProcessor {
	p := &StandaloneProcessor{ReadHandler: readHandler}
	p.interest.SetInterested(EventRead, true)
	p.interest.SetInterested(EventWrite, true)
	return p
}

func (p *StandaloneProcessor) ObtainContext(c *Connection) *Context {
	if t := c.Transport(); t != nil {
		return t.ContextPool().Acquire(c, p)
	}
	var pool ContextPool
	return pool.Acquire(c, p)
}

func (p *StandaloneProcessor) Process(ctx *Context) ProcessorResult {
	c := ctx.Connection()
	switch ctx.Event() {
	case EventWrite:
		if t := c.Transport(); t != nil {
			t.AsyncWriter().ProcessAsync(c)
		}
		return Complete(nil)
	case EventRead:
		if p.ReadHandler == nil {
			return NotRun()
		}
		if err := p.ReadHandler(c); err != nil {
			c.CloseWithReason(CloseReason{Type: CloseLocal, Cause: err})
			return ErrorResult(err)
		}
		return Complete(nil)
	default:
		return NotRun()
	}
}

func (p *StandaloneProcessor) IsInterested(event IOEvent) bool { return p.interest.IsInterested(event) }

func (p *StandaloneProcessor) SetInterested(event IOEvent, interested bool) {
	p.interest.SetInterested(event, interested)
}
