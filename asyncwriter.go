// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

type (
	// WriteResult describes a completed async write.
	WriteResult struct {
		Conn *Connection
		Dst  net.Addr
		// Message is the message as passed to Write.
		Message []byte
		Written int
	}

	// MessageCloner copies the unwritten remainder of a message, when it must
	// be queued, allowing the caller to reuse the message once Write returns.
	MessageCloner interface {
		Clone(c *Connection, remainder []byte) *Buffer
	}

	// MessageClonerFunc implements [MessageCloner].
	MessageClonerFunc func(c *Connection, remainder []byte) *Buffer

	// WriteHandler is notified once a connection's write queue has capacity,
	// see [AsyncQueueWriter.NotifyWritePossible].
	WriteHandler interface {
		OnWritePossible() error
		OnError(err error)
	}

	// WriteHandlerFuncs adapts functions to [WriteHandler], nil fields are
	// ignored.
	WriteHandlerFuncs struct {
		WritePossible func() error
		Error         func(err error)
	}

	// AsyncQueueWriter writes to connections via per-connection FIFO queues,
	// attempting writes inline when the queue is empty. Queued bytes are
	// bounded by [ConnectionConfig.MaxAsyncWriteQueueSize].
	AsyncQueueWriter struct {
		logger        *logiface.Logger[logiface.Event]
		executor      Executor
		maxReentrants int
	}

	writeRecord struct {
		handler CompletionHandler[WriteResult]
		cloner  MessageCloner
		dst     net.Addr
		buf     *Buffer
		msg     []byte
		data    []byte
		written int
		done    atomic.Bool
	}

	writeQueue struct {
		records      *queue.Queue
		current      *writeRecord
		writeHandler WriteHandler
		closeErr     error
		size         int
		depth        int
		mu           sync.Mutex
		flushing     bool
		closed       bool
	}
)

var _ MessageCloner = MessageClonerFunc(nil)

func (f MessageClonerFunc) Clone(c *Connection, remainder []byte) *Buffer { return f(c, remainder) }

func (x WriteHandlerFuncs) OnWritePossible() error {
	if x.WritePossible != nil {
		return x.WritePossible()
	}
	return nil
}

func (x WriteHandlerFuncs) OnError(err error) {
	if x.Error != nil {
		x.Error(err)
	}
}

// CopyCloner returns a [MessageCloner] copying into buffers from mm.
func CopyCloner(mm MemoryManager) MessageCloner {
	return MessageClonerFunc(func(_ *Connection, remainder []byte) *Buffer {
		b := mm.Allocate(len(remainder))
		copy(b.Bytes(), remainder)
		return b
	})
}

func newWriteQueue() *writeQueue {
	return &writeQueue{records: queue.New()}
}

// NewAsyncQueueWriter initialises an AsyncQueueWriter. Writes nested, via
// completion handlers, more than maxReentrants deep are flushed using
// executor, or a new goroutine if it is nil or refuses.
func NewAsyncQueueWriter(maxReentrants int, executor Executor, logger *logiface.Logger[logiface.Event]) *AsyncQueueWriter {
	if maxReentrants <= 0 {
		maxReentrants = DefaultMaxWriteReentrants
	}
	return &AsyncQueueWriter{
		logger:        logger,
		executor:      executor,
		maxReentrants: maxReentrants,
	}
}

// MaxReentrants returns the maximum write nesting depth.
func (w *AsyncQueueWriter) MaxReentrants() int { return w.maxReentrants }

// Write writes msg to c, asynchronously. If nothing is queued, the write is
// attempted inline. Any remainder is queued (cloned first, if cloner is
// provided), and written as the channel becomes writable. The handler, which
// is optional, is completed once the whole message is written, or failed,
// e.g. with a [QueueLimitError] or [ClosedError]. Refused writes leave the
// queue untouched. Handlers are completed in FIFO order.
func (w *AsyncQueueWriter) Write(c *Connection, dst net.Addr, msg []byte, handler CompletionHandler[WriteResult], cloner MessageCloner) {
	q := c.writeQueue

	if err := c.AssertOpen(); err != nil {
		failHandler(handler, err)
		return
	}

	rec := &writeRecord{
		handler: handler,
		cloner:  cloner,
		dst:     dst,
		msg:     msg,
		data:    msg,
	}
	limit := c.Config().MaxAsyncWriteQueueSize

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		failHandler(handler, c.AssertOpen())
		return
	}

	idle := q.isEmptyLocked() && !q.flushing

	if !idle && limit >= 0 && q.size+len(msg) > limit {
		err := &QueueLimitError{Size: len(msg), Pending: q.size, Limit: limit}
		q.mu.Unlock()
		failHandler(handler, err)
		return
	}

	q.size += len(msg)

	if !idle || q.depth >= w.maxReentrants {
		if cloner != nil && len(msg) != 0 {
			rec.buf = cloner.Clone(c, msg)
			rec.data = rec.buf.Bytes()
		}
		q.records.Add(rec)
		q.mu.Unlock()
		if idle {
			w.deferFlush(c)
		}
		return
	}

	q.flushing = true
	q.current = rec
	q.mu.Unlock()

	w.drain(c, q)
}

// ProcessAsync flushes queued writes, it is called when c is writable.
func (w *AsyncQueueWriter) ProcessAsync(c *Connection) {
	q := c.writeQueue
	q.mu.Lock()
	if q.flushing || q.closed {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()
	w.drain(c, q)
}

// CanWrite reports whether the write queue of c is below its ceiling.
func (w *AsyncQueueWriter) CanWrite(c *Connection) bool {
	limit := c.Config().MaxAsyncWriteQueueSize
	q := c.writeQueue
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canWriteLocked(limit)
}

// PendingBytes returns the number of queued, unwritten bytes.
func (w *AsyncQueueWriter) PendingBytes(c *Connection) int {
	q := c.writeQueue
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// QueuedRecords returns the number of writes queued, including any partially
// written.
func (w *AsyncQueueWriter) QueuedRecords(c *Connection) int {
	q := c.writeQueue
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.records.Length()
	if q.current != nil {
		n++
	}
	return n
}

// NotifyWritePossible registers a one-shot handler, called as soon as the
// write queue of c has capacity, which may be immediately. One handler is
// registered per connection, any that has not yet fired is replaced, and
// failed with [ErrWriteHandlerReplaced].
func (w *AsyncQueueWriter) NotifyWritePossible(c *Connection, handler WriteHandler) {
	if err := c.AssertOpen(); err != nil {
		handler.OnError(err)
		return
	}
	limit := c.Config().MaxAsyncWriteQueueSize
	q := c.writeQueue
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		handler.OnError(c.AssertOpen())
		return
	}
	replaced := q.writeHandler
	q.writeHandler = nil
	ready := q.canWriteLocked(limit)
	if !ready {
		q.writeHandler = handler
	}
	q.mu.Unlock()
	if replaced != nil {
		replaced.OnError(ErrWriteHandlerReplaced)
	}
	if ready {
		fireWriteHandler(handler)
	}
}

func (q *writeQueue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.isEmptyLocked() && !q.closed
}

func (q *writeQueue) isEmptyLocked() bool {
	return q.current == nil && q.records.Length() == 0
}

func (q *writeQueue) canWriteLocked(limit int) bool {
	return limit < 0 || q.size < limit
}

// takeWriteHandlerLocked removes the write handler, if there is capacity.
func (q *writeQueue) takeWriteHandlerLocked(limit int) WriteHandler {
	h := q.writeHandler
	if h == nil || !q.canWriteLocked(limit) {
		return nil
	}
	q.writeHandler = nil
	return h
}

// drain writes queued records until the queue is empty, the channel would
// block, or an error occurs. The caller must have claimed q.flushing.
func (w *AsyncQueueWriter) drain(c *Connection, q *writeQueue) {
	limit := c.Config().MaxAsyncWriteQueueSize
	for {
		q.mu.Lock()
		if q.closed {
			q.yieldLocked()
			return
		}
		rec := q.current
		if rec == nil {
			if q.records.Length() == 0 {
				q.mu.Unlock()
				if w.release(c, q) {
					return
				}
				continue
			}
			rec = q.records.Remove().(*writeRecord)
			q.current = rec
		}
		q.mu.Unlock()

		var (
			n   int
			err error
		)
		if len(rec.data) != 0 {
			n, err = c.channel.Write(rec.data, rec.dst)
		}

		q.mu.Lock()
		if q.closed {
			q.yieldLocked()
			return
		}
		q.mu.Unlock()

		if n > 0 {
			c.transport.probes().write(c, rec.data[:n])
			rec.data = rec.data[n:]
			rec.written += n
			q.mu.Lock()
			q.size -= n
			h := q.takeWriteHandlerLocked(limit)
			q.mu.Unlock()
			if h != nil {
				fireWriteHandler(h)
			}
		}

		if err != nil {
			q.mu.Lock()
			q.yieldLocked()
			c.transport.probes().error(c, err)
			c.TerminateWithReason(CloseReason{Type: CloseLocal, Cause: err})
			return
		}

		if len(rec.data) != 0 {
			if rec.cloner != nil && rec.buf == nil {
				rec.buf = rec.cloner.Clone(c, rec.data)
				rec.data = rec.buf.Bytes()
			}
			q.mu.Lock()
			if q.yieldLocked() {
				return
			}
			if err := c.EnableIOEvent(EventWrite); err != nil {
				w.logger.Debug().
					Err(err).
					Uint64(`connection`, c.id).
					Log(`ioengine: failed to enable write interest`)
			}
			return
		}

		q.mu.Lock()
		q.current = nil
		last := q.records.Length() == 0
		q.mu.Unlock()
		if last {
			last = w.release(c, q)
		}

		q.mu.Lock()
		q.depth++
		q.mu.Unlock()

		rec.complete(c)

		q.mu.Lock()
		q.depth--
		q.mu.Unlock()

		if last {
			return
		}
	}
}

// release gives up the flush claim if the queue is still empty, after
// disabling write interest, returning false if draining must continue.
func (w *AsyncQueueWriter) release(c *Connection, q *writeQueue) bool {
	_ = c.DisableIOEvent(EventWrite)
	q.mu.Lock()
	if !q.isEmptyLocked() && !q.closed {
		q.mu.Unlock()
		return false
	}
	q.yieldLocked()
	return true
}

// yieldLocked gives up the flush claim, unlocking q. The record being
// flushed is left for the flush owner by close, and is failed here, if q was
// closed meanwhile, returning true.
func (q *writeQueue) yieldLocked() bool {
	q.flushing = false
	closed, rec := q.closed, q.current
	if !closed || rec == nil {
		q.mu.Unlock()
		return closed
	}
	q.current = nil
	err := q.closeErr
	q.mu.Unlock()
	rec.fail(err)
	return true
}

// deferFlush flushes on another goroutine, bounding write nesting.
func (w *AsyncQueueWriter) deferFlush(c *Connection) {
	task := func() { w.ProcessAsync(c) }
	if w.executor != nil {
		if err := w.executor.Execute(task); err == nil {
			return
		}
	}
	go task()
}

// flushOnClose makes a best-effort attempt to write anything queued.
func (w *AsyncQueueWriter) flushOnClose(c *Connection) {
	w.ProcessAsync(c)
}

// close fails all queued writes, and any write handler.
func (q *writeQueue) close(reason CloseReason) {
	err := &ClosedError{Reason: reason}
	q.mu.Lock()
	q.closed = true
	q.closeErr = err
	var records []*writeRecord
	// a record being written is released by the flush, see yieldLocked
	if q.current != nil && !q.flushing {
		records = append(records, q.current)
		q.current = nil
	}
	for q.records.Length() != 0 {
		records = append(records, q.records.Remove().(*writeRecord))
	}
	q.size = 0
	h := q.writeHandler
	q.writeHandler = nil
	q.mu.Unlock()

	for _, rec := range records {
		rec.fail(err)
	}
	if h != nil {
		h.OnError(err)
	}
}

func (x *writeRecord) complete(c *Connection) {
	if !x.done.CompareAndSwap(false, true) {
		return
	}
	x.releaseBuffer()
	if x.handler != nil {
		x.handler.Completed(WriteResult{
			Conn:    c,
			Dst:     x.dst,
			Message: x.msg,
			Written: x.written,
		})
	}
}

func (x *writeRecord) fail(err error) {
	if !x.done.CompareAndSwap(false, true) {
		return
	}
	x.releaseBuffer()
	failHandler(x.handler, err)
}

func (x *writeRecord) releaseBuffer() {
	if x.buf != nil {
		x.buf.Release()
		x.buf = nil
	}
}

func failHandler(handler CompletionHandler[WriteResult], err error) {
	if handler != nil {
		handler.Failed(err)
	}
}

func fireWriteHandler(h WriteHandler) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicError(r)
			}
		}()
		err = h.OnWritePossible()
	}()
	if err != nil {
		h.OnError(err)
	}
}
