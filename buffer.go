// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"slices"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

type (
	// MemoryManager allocates buffers for reads, and for retaining write
	// remainders.
	MemoryManager interface {
		// Allocate returns a buffer with a limit of size bytes, and a
		// position of 0. The contents are unspecified.
		Allocate(size int) *Buffer
	}

	// PooledMemoryManager is a [MemoryManager] recycling buffers via
	// calibrated pools. The zero value is ready to use.
	PooledMemoryManager struct {
		pool bytebufferpool.Pool
	}

	// Buffer is a byte container addressed by a position and a limit, which
	// must be released when no longer needed. Buffers are not safe for
	// concurrent use.
	Buffer struct {
		bb       *bytebufferpool.ByteBuffer
		pool     *bytebufferpool.Pool
		pos      int
		released atomic.Bool
	}
)

var _ MemoryManager = (*PooledMemoryManager)(nil)

func (x *PooledMemoryManager) Allocate(size int) *Buffer {
	bb := x.pool.Get()
	bb.B = slices.Grow(bb.B[:0], size)[:size]
	return &Buffer{bb: bb, pool: &x.pool}
}

// Wrap returns an unpooled buffer using b.
func Wrap(b []byte) *Buffer {
	return &Buffer{bb: &bytebufferpool.ByteBuffer{B: b}}
}

// Bytes returns the remaining bytes, between the position and the limit.
func (x *Buffer) Bytes() []byte { return x.bb.B[x.pos:] }

func (x *Buffer) Position() int { return x.pos }

func (x *Buffer) Limit() int { return len(x.bb.B) }

func (x *Buffer) Remaining() int { return len(x.bb.B) - x.pos }

func (x *Buffer) HasRemaining() bool { return x.Remaining() > 0 }

// Advance moves the position forward by n bytes.
func (x *Buffer) Advance(n int) {
	if n < 0 || n > x.Remaining() {
		panic(`ioengine: buffer advance out of range`)
	}
	x.pos += n
}

// SetLimit truncates or extends the buffer, which must have capacity.
func (x *Buffer) SetLimit(limit int) {
	if limit < x.pos || limit > cap(x.bb.B) {
		panic(`ioengine: buffer limit out of range`)
	}
	x.bb.B = x.bb.B[:limit]
}

// Append writes p after the limit, growing the buffer.
func (x *Buffer) Append(p []byte) {
	x.bb.B = append(x.bb.B, p...)
}

// Compact discards the bytes before the position.
func (x *Buffer) Compact() {
	if x.pos == 0 {
		return
	}
	n := copy(x.bb.B, x.bb.B[x.pos:])
	x.bb.B = x.bb.B[:n]
	x.pos = 0
}

// Release returns a pooled buffer to its pool. It is idempotent, but the
// buffer must not be used afterward.
func (x *Buffer) Release() {
	if !x.released.CompareAndSwap(false, true) {
		return
	}
	if x.pool != nil {
		x.bb.Reset()
		x.pool.Put(x.bb)
	}
	x.bb = nil
}
