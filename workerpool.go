// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Executor runs tasks asynchronously.
	Executor interface {
		Execute(task func()) error
	}

	// ExecutorFunc implements [Executor].
	ExecutorFunc func(task func()) error

	// ThreadPoolConfig configures a [WorkerPool].
	ThreadPoolConfig struct {
		Logger *logiface.Logger[logiface.Event]
		Name   string
		Probes []ThreadPoolProbe
		// CoreSize is the number of workers kept alive while idle.
		CoreSize int
		// MaxSize is the maximum number of workers.
		MaxSize int
		// QueueLimit is the number of tasks that may wait for a worker. A
		// negative value selects a large default.
		QueueLimit int
		// KeepAlive is how long workers in excess of CoreSize may idle.
		KeepAlive time.Duration
	}

	// WorkerPool is an elastic, bounded pool of worker goroutines.
	WorkerPool struct {
		tasks    chan func()
		stopped  chan struct{}
		config   ThreadPoolConfig
		wg       sync.WaitGroup
		mu       sync.RWMutex
		workers  atomic.Int32
		idle     atomic.Int32
		closed   bool
		dropping atomic.Bool
	}
)

const defaultQueueLimit = 1 << 16

var (
	_ Executor = ExecutorFunc(nil)
	_ Executor = (*WorkerPool)(nil)

	// inlineExecutor runs tasks on the calling goroutine.
	inlineExecutor = ExecutorFunc(func(task func()) error {
		task()
		return nil
	})
)

func (f ExecutorFunc) Execute(task func()) error { return f(task) }

// DefaultWorkerPoolConfig returns the worker pool configuration used by the
// strategies that hand off to workers.
func DefaultWorkerPoolConfig() ThreadPoolConfig {
	n := runtime.GOMAXPROCS(0)
	return ThreadPoolConfig{
		Name:       "ioengine-worker",
		CoreSize:   n * 2,
		MaxSize:    n * 2,
		QueueLimit: -1,
		KeepAlive:  30 * time.Second,
	}
}

// Validate checks the sizes are consistent.
func (x ThreadPoolConfig) Validate() error {
	if x.MaxSize <= 0 {
		return fmt.Errorf("ioengine: thread pool %q: max size must be positive: %d", x.Name, x.MaxSize)
	}
	if x.CoreSize < 0 || x.CoreSize > x.MaxSize {
		return fmt.Errorf("ioengine: thread pool %q: core size must be in [0, %d]: %d", x.Name, x.MaxSize, x.CoreSize)
	}
	return nil
}

// NewWorkerPool validates config and starts a pool. Workers are started
// lazily.
func NewWorkerPool(config ThreadPoolConfig) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	queueLimit := config.QueueLimit
	if queueLimit < 0 {
		queueLimit = defaultQueueLimit
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = time.Minute
	}
	x := &WorkerPool{
		config:  config,
		tasks:   make(chan func(), queueLimit),
		stopped: make(chan struct{}),
	}
	x.probe(func(p ThreadPoolProbe) { p.OnThreadPoolStart(x) })
	return x, nil
}

func (x *WorkerPool) Config() ThreadPoolConfig { return x.config }

// Size returns the number of live workers.
func (x *WorkerPool) Size() int { return int(x.workers.Load()) }

// QueueSize returns the number of queued tasks.
func (x *WorkerPool) QueueSize() int { return len(x.tasks) }

// Execute schedules task, returning [ErrExecutorShutdown] or
// [ErrExecutorSaturated] if it cannot.
func (x *WorkerPool) Execute(task func()) error {
	if task == nil {
		panic(`ioengine: nil task`)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return ErrExecutorShutdown
	}

	if x.idle.Load() == 0 && x.spawn(task) {
		return nil
	}

	select {
	case x.tasks <- task:
		x.probe(func(p ThreadPoolProbe) { p.OnTaskQueue(x) })
		return nil
	default:
	}

	if x.spawn(task) {
		return nil
	}

	x.probe(func(p ThreadPoolProbe) { p.OnMaxNumberOfThreadsReached(x, x.config.MaxSize) })
	x.probe(func(p ThreadPoolProbe) { p.OnTaskQueueOverflow(x) })
	return ErrExecutorSaturated
}

func (x *WorkerPool) spawn(task func()) bool {
	for {
		n := x.workers.Load()
		if int(n) >= x.config.MaxSize {
			return false
		}
		if x.workers.CompareAndSwap(n, n+1) {
			break
		}
	}
	x.wg.Add(1)
	go x.worker(task)
	return true
}

func (x *WorkerPool) worker(task func()) {
	defer x.wg.Done()
	x.probe(func(p ThreadPoolProbe) { p.OnThreadAllocate(x) })
	defer x.probe(func(p ThreadPoolProbe) { p.OnThreadRelease(x) })

	if task != nil {
		x.run(task)
	}

	timer := time.NewTimer(x.config.KeepAlive)
	defer timer.Stop()

	for {
		x.idle.Add(1)
		select {
		case task, ok := <-x.tasks:
			x.idle.Add(-1)
			if !ok {
				x.workers.Add(-1)
				return
			}
			x.run(task)
			timer.Reset(x.config.KeepAlive)

		case <-timer.C:
			x.idle.Add(-1)
			if n := x.workers.Load(); int(n) > x.config.CoreSize && len(x.tasks) == 0 && x.workers.CompareAndSwap(n, n-1) {
				return
			}
			timer.Reset(x.config.KeepAlive)
		}
	}
}

func (x *WorkerPool) run(task func()) {
	if x.dropping.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			x.config.Logger.Err().
				Err(newPanicError(r)).
				Str(`pool`, x.config.Name).
				Log(`ioengine: worker task panicked`)
		}
		x.probe(func(p ThreadPoolProbe) { p.OnTaskComplete(x) })
	}()
	task()
}

func (x *WorkerPool) probe(fn func(p ThreadPoolProbe)) {
	for _, p := range x.config.Probes {
		safeProbe(x.config.Logger, func() { fn(p) })
	}
}

// Shutdown stops accepting tasks, and waits for queued tasks to complete,
// or ctx to be done.
func (x *WorkerPool) Shutdown(ctx context.Context) error {
	x.stop()
	select {
	case <-x.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownNow stops accepting tasks, and discards any that are queued. It
// does not wait for running tasks.
func (x *WorkerPool) ShutdownNow() {
	x.dropping.Store(true)
	x.stop()
}

func (x *WorkerPool) stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.closed = true
	close(x.tasks)
	go func() {
		x.wg.Wait()
		x.probe(func(p ThreadPoolProbe) { p.OnThreadPoolStop(x) })
		close(x.stopped)
	}()
}
