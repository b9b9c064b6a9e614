// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"bytes"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWriterConn returns a connection without a transport, with the given
// write ceiling.
func newWriterConn(limit int) (*Connection, *memChannel) {
	ch := newMemChannel()
	c := newConnection(nil, ch, nil)
	c.UpdateConfig(func(cfg *ConnectionConfig) { cfg.MaxAsyncWriteQueueSize = limit })
	return c, ch
}

func TestAsyncQueueWriter_directWrite(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()

	var result WriteResult
	w.Write(c, nil, []byte("hello"), CompletionHandlerFuncs[WriteResult]{
		OnCompleted: func(r WriteResult) { result = r },
	}, nil)
	w.Write(c, nil, []byte(" world"), rec.handler("2"), nil)

	assert.Equal(t, "hello world", ch.written())
	assert.Equal(t, 5, result.Written)
	assert.Same(t, c, result.Conn)
	assert.Equal(t, []string{"2"}, rec.Order())
	assert.Equal(t, 0, w.PendingBytes(c))
	assert.Equal(t, 0, w.QueuedRecords(c))
	assert.False(t, ch.hasInterest(InterestWrite))
}

func TestAsyncQueueWriter_partialWriteQueuesRemainder(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	ch.setWritable(3)

	w.Write(c, nil, []byte("abcdef"), rec.handler("1"), nil)
	assert.Equal(t, "abc", ch.written())
	assert.Empty(t, rec.Order())
	assert.Equal(t, 3, w.PendingBytes(c))
	assert.True(t, ch.hasInterest(InterestWrite))

	ch.setWritable(-1)
	w.ProcessAsync(c)
	assert.Equal(t, "abcdef", ch.written())
	assert.Equal(t, []string{"1"}, rec.Order())
	assert.False(t, ch.hasInterest(InterestWrite))
}

func TestAsyncQueueWriter_queueCeiling(t *testing.T) {
	c, ch := newWriterConn(2500)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	ch.setWritable(0)

	msg := bytes.Repeat([]byte{'x'}, 1000)
	w.Write(c, nil, msg, rec.handler("1"), nil)
	w.Write(c, nil, msg, rec.handler("2"), nil)
	require.NoError(t, rec.Err("1"))
	require.NoError(t, rec.Err("2"))
	pending, records := w.PendingBytes(c), w.QueuedRecords(c)

	w.Write(c, nil, msg, rec.handler("3"), nil)

	err := rec.Err("3")
	require.ErrorIs(t, err, ErrQueueLimitExceeded)
	var qle *QueueLimitError
	require.ErrorAs(t, err, &qle)
	assert.Equal(t, QueueLimitError{Size: 1000, Pending: 2000, Limit: 2500}, *qle)
	assert.Equal(t, pending, w.PendingBytes(c))
	assert.Equal(t, records, w.QueuedRecords(c))
	assert.True(t, w.CanWrite(c))
}

// three 1KB writes, 2KB ceiling, nothing drains
func TestAsyncQueueWriter_thirdWriteExceedsCeiling(t *testing.T) {
	c, ch := newWriterConn(2048)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	ch.setWritable(0)

	msg := bytes.Repeat([]byte{'k'}, 1024)
	for _, name := range []string{"1", "2", "3"} {
		w.Write(c, nil, msg, rec.handler(name), nil)
	}

	assert.NoError(t, rec.Err("1"))
	assert.NoError(t, rec.Err("2"))
	assert.ErrorIs(t, rec.Err("3"), ErrQueueLimitExceeded)
	assert.Equal(t, 2, w.QueuedRecords(c))
	assert.Equal(t, 2048, w.PendingBytes(c))
	assert.False(t, w.CanWrite(c))
	assert.Empty(t, rec.Order())
}

func TestAsyncQueueWriter_unlimitedCeiling(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	ch.setWritable(0)
	msg := bytes.Repeat([]byte{'u'}, 1<<16)
	for _, name := range []string{"1", "2", "3", "4"} {
		w.Write(c, nil, msg, rec.handler(name), nil)
		require.NoError(t, rec.Err(name))
	}
	assert.Equal(t, 4<<16, w.PendingBytes(c))
	assert.True(t, w.CanWrite(c))
}

func TestAsyncQueueWriter_fifoWithNestedWrite(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	rec.onWrite["2"] = func() { w.Write(c, nil, []byte("4444"), rec.handler("4"), nil) }
	ch.setWritable(0)

	w.Write(c, nil, []byte("1111"), rec.handler("1"), nil)
	w.Write(c, nil, []byte("2222"), rec.handler("2"), nil)
	w.Write(c, nil, []byte("3333"), rec.handler("3"), nil)
	require.Equal(t, 3, w.QueuedRecords(c))

	ch.setWritable(-1)
	w.ProcessAsync(c)

	assert.Equal(t, []string{"1", "2", "3", "4"}, rec.Order())
	assert.Equal(t, "1111222233334444", ch.written())
	assert.Equal(t, 0, w.QueuedRecords(c))
}

func TestAsyncQueueWriter_reentrancyDeferred(t *testing.T) {
	const total = 20
	c, ch := newWriterConn(-1)
	var deferred atomic.Int32
	w := NewAsyncQueueWriter(3, ExecutorFunc(func(task func()) error {
		deferred.Add(1)
		go task()
		return nil
	}), nil)
	rec := newResultRecorder()

	var write func(i int)
	write = func(i int) {
		name := string(rune('a' + i))
		if i+1 < total {
			rec.mu.Lock()
			rec.onWrite[name] = func() { write(i + 1) }
			rec.mu.Unlock()
		}
		w.Write(c, nil, []byte(name), rec.handler(name), nil)
	}
	write(0)

	require.Eventually(t, func() bool { return len(rec.Order()) == total }, 5*time.Second, time.Millisecond)
	var expected []string
	var out string
	for i := range total {
		name := string(rune('a' + i))
		expected = append(expected, name)
		out += name
	}
	assert.Equal(t, expected, rec.Order())
	assert.Equal(t, out, ch.written())
	assert.Positive(t, deferred.Load())
}

func TestAsyncQueueWriter_clonerCopiesRemainder(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	ch.setWritable(2)

	msg := []byte("abcdef")
	var done bool
	w.Write(c, nil, msg, CompletionHandlerFuncs[WriteResult]{
		OnCompleted: func(r WriteResult) {
			done = true
			assert.Equal(t, 6, r.Written)
		},
	}, CopyCloner(new(PooledMemoryManager)))
	copy(msg, "zzzzzz")

	ch.setWritable(-1)
	w.ProcessAsync(c)
	assert.True(t, done)
	assert.Equal(t, "abcdef", ch.written())
}

// gatedChannel blocks writes while gate is set, after signalling entered.
type gatedChannel struct {
	*memChannel
	gate    atomic.Pointer[chan struct{}]
	entered chan struct{}
}

func (x *gatedChannel) Write(p []byte, dst net.Addr) (int, error) {
	if gate := x.gate.Load(); gate != nil {
		x.entered <- struct{}{}
		<-*gate
	}
	return x.memChannel.Write(p, dst)
}

func TestAsyncQueueWriter_terminateDuringFlush(t *testing.T) {
	ch := &gatedChannel{memChannel: newMemChannel(), entered: make(chan struct{}, 1)}
	c := newConnection(nil, ch, nil)
	c.UpdateConfig(func(cfg *ConnectionConfig) { cfg.MaxAsyncWriteQueueSize = -1 })
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()

	var buf *Buffer
	cloner := MessageClonerFunc(func(c *Connection, remainder []byte) *Buffer {
		buf = CopyCloner(new(PooledMemoryManager)).Clone(c, remainder)
		return buf
	})
	ch.setWritable(0)
	w.Write(c, nil, []byte("queued"), rec.handler("1"), cloner)
	require.NotNil(t, buf)
	require.Equal(t, 1, w.QueuedRecords(c))

	gate := make(chan struct{})
	ch.gate.Store(&gate)
	ch.setWritable(-1)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		w.ProcessAsync(c)
	}()
	<-ch.entered

	c.Terminate()
	// the buffer is still being written
	assert.False(t, buf.released.Load())
	assert.NoError(t, rec.Err("1"))

	close(gate)
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not return")
	}
	assert.True(t, buf.released.Load())
	assert.ErrorIs(t, rec.Err("1"), ErrNotOpen)
	assert.Equal(t, 0, w.QueuedRecords(c))
}

func TestAsyncQueueWriter_closeFailsQueued(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	ch.setWritable(0)

	w.Write(c, nil, []byte("one"), rec.handler("1"), nil)
	w.Write(c, nil, []byte("two"), rec.handler("2"), nil)
	var handlerErr error
	w.NotifyWritePossible(c, WriteHandlerFuncs{Error: func(err error) { handlerErr = err }})

	cause := errors.New("gone")
	c.TerminateWithReason(CloseReason{Type: CloseLocal, Cause: cause})

	for _, name := range []string{"1", "2"} {
		err := rec.Err(name)
		assert.ErrorIs(t, err, ErrNotOpen)
		assert.ErrorIs(t, err, cause)
	}
	assert.ErrorIs(t, handlerErr, ErrNotOpen)
	assert.Equal(t, 0, w.QueuedRecords(c))

	w.Write(c, nil, []byte("three"), rec.handler("3"), nil)
	var ce *ClosedError
	require.ErrorAs(t, rec.Err("3"), &ce)
	assert.Same(t, cause, ce.Reason.Cause)
}

func TestAsyncQueueWriter_writeErrorTerminates(t *testing.T) {
	c, ch := newWriterConn(-1)
	w := NewAsyncQueueWriter(0, nil, nil)
	rec := newResultRecorder()
	errPipe := errors.New("broken pipe")
	ch.mu.Lock()
	ch.writeErr = errPipe
	ch.mu.Unlock()

	w.Write(c, nil, []byte("data"), rec.handler("1"), nil)

	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, rec.Err("1"), errPipe)
	reason, ok := c.CloseReason()
	require.True(t, ok)
	assert.Same(t, errPipe, reason.Cause)
}

func TestAsyncQueueWriter_notifyWritePossible(t *testing.T) {
	c, ch := newWriterConn(10)
	w := NewAsyncQueueWriter(0, nil, nil)

	var immediate bool
	w.NotifyWritePossible(c, WriteHandlerFuncs{WritePossible: func() error {
		immediate = true
		return nil
	}})
	assert.True(t, immediate)

	ch.setWritable(0)
	w.Write(c, nil, bytes.Repeat([]byte{'n'}, 20), nil, nil)
	require.False(t, w.CanWrite(c))

	var (
		firstFired, secondFired int
		firstErr, secondErr     error
	)
	w.NotifyWritePossible(c, WriteHandlerFuncs{
		WritePossible: func() error { firstFired++; return nil },
		Error:         func(err error) { firstErr = err },
	})
	w.NotifyWritePossible(c, WriteHandlerFuncs{
		WritePossible: func() error { secondFired++; return nil },
		Error:         func(err error) { secondErr = err },
	})
	assert.ErrorIs(t, firstErr, ErrWriteHandlerReplaced)
	assert.NoError(t, secondErr)
	assert.Zero(t, firstFired)
	assert.Zero(t, secondFired)

	ch.setWritable(-1)
	w.ProcessAsync(c)
	assert.Zero(t, firstFired)
	assert.Equal(t, 1, secondFired)
	assert.NoError(t, secondErr)
	assert.True(t, w.CanWrite(c))
}
