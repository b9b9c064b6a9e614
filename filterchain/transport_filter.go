// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package filterchain

import (
	"errors"
	"fmt"
	"io"

	ioengine "github.com/joeycumines/go-ioengine"
)

// TransportFilter is the first filter of a chain, reading from and writing
// to the connection. Reads produce an [*ioengine.Buffer], sized per
// [ioengine.ConnectionConfig.ReadBufferSize], and writes accept byte slices,
// strings and buffers, queued on the transport's [ioengine.AsyncQueueWriter].
type TransportFilter struct {
	BaseFilter
	// MemoryManager allocates read buffers, defaulting to the transport's.
	MemoryManager ioengine.MemoryManager
}

var (
	_ Filter = (*TransportFilter)(nil)

	defaultMemoryManager ioengine.PooledMemoryManager
)

func NewTransportFilter() *TransportFilter { return new(TransportFilter) }

func (x *TransportFilter) HandleRead(ctx *FilterContext) (NextAction, error) {
	c := ctx.Connection()

	size := c.Config().ReadBufferSize
	if size <= 0 {
		size = 8 << 10
	}
	buf := x.memoryManager(c).Allocate(size)

	n, err := c.Read(buf.Bytes())
	if n > 0 {
		buf.SetLimit(n)
		ctx.SetMessage(buf)
		return Invoke(), nil
	}
	buf.Release()

	switch {
	case err == nil, errors.Is(err, ioengine.ErrWouldBlock), errors.Is(err, io.EOF):
		// EOF is recorded as a remote close, by the connection
		return Stop(nil), nil
	default:
		return Stop(nil), err
	}
}

func (x *TransportFilter) HandleWrite(ctx *FilterContext) (NextAction, error) {
	c := ctx.Connection()
	t := c.Transport()
	if t == nil {
		return Stop(nil), ioengine.ErrTransportNotRunning
	}

	handler := ctx.CompletionHandler()
	var msg []byte
	switch v := ctx.Message().(type) {
	case []byte:
		msg = v
	case string:
		msg = []byte(v)
	case *ioengine.Buffer:
		msg = v.Bytes()
		handler = releasingHandler{buf: v, next: handler}
	default:
		return Stop(nil), fmt.Errorf(`%w: %T`, ErrUnsupportedMessage, v)
	}

	t.AsyncWriter().Write(c, ctx.Address(), msg, handler, nil)
	return Stop(nil), nil
}

func (x *TransportFilter) memoryManager(c *ioengine.Connection) ioengine.MemoryManager {
	if x.MemoryManager != nil {
		return x.MemoryManager
	}
	if t := c.Transport(); t != nil && t.MemoryManager() != nil {
		return t.MemoryManager()
	}
	return &defaultMemoryManager
}

// releasingHandler releases a written buffer once the write finishes.
type releasingHandler struct {
	buf  *ioengine.Buffer
	next ioengine.CompletionHandler[ioengine.WriteResult]
}

func (x releasingHandler) Completed(result ioengine.WriteResult) {
	x.buf.Release()
	if x.next != nil {
		x.next.Completed(result)
	}
}

func (x releasingHandler) Failed(err error) {
	x.buf.Release()
	if x.next != nil {
		x.next.Failed(err)
	}
}
