// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
)

// TransportState is the lifecycle state of a [Transport].
type TransportState uint8

const (
	TransportStopped TransportState = iota
	TransportStarting
	TransportStarted
	TransportPaused
	TransportStopping
)

func (s TransportState) String() string {
	switch s {
	case TransportStopped:
		return "STOPPED"
	case TransportStarting:
		return "STARTING"
	case TransportStarted:
		return "STARTED"
	case TransportPaused:
		return "PAUSED"
	case TransportStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("TransportState(%d)", uint8(s))
	}
}

// Transport owns connections, and the machinery processing their events:
// selector runners, worker and kernel pools, the async writer and the
// delayed executor. Concrete transports (e.g. TCP) create connections via
// [Transport.NewConnection], and report readiness via [Connection.Notify].
type Transport struct {
	ctx         context.Context
	state       *StateHolder[TransportState]
	opts        *transportOptions
	executor    *ProcessorExecutor
	writer      *AsyncQueueWriter
	delayed     *DelayedExecutor
	workerPool  *WorkerPool
	kernelPool  *WorkerPool
	cancel      context.CancelFunc
	connections map[*Connection]struct{}
	name        string
	runners     []*selectorRunner
	probeSet    probeSet
	processing  atomic.Pointer[processing]
	contexts    ContextPool
	runnerWG    sync.WaitGroup
	connMu      sync.Mutex
	nextRunner  atomic.Uint32
	id          uuid.UUID
	shutdown    atomic.Bool
}

// processing is the transport-level processor configuration.
type processing struct {
	processor Processor
	selector  ProcessorSelector
}

// NewTransport initialises a stopped transport.
func NewTransport(opts ...TransportOption) (*Transport, error) {
	cfg, err := resolveTransportOptions(opts)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:          uuid.New(),
		opts:        cfg,
		state:       NewStateHolder(TransportStopped),
		connections: make(map[*Connection]struct{}),
	}
	t.name = cfg.name
	if t.name == "" {
		t.name = "transport-" + t.id.String()
	}
	t.probeSet = probeSet{
		logger:     cfg.logger,
		connection: cfg.connectionProbes,
		transport:  cfg.transportProbes,
	}
	t.processing.Store(&processing{processor: cfg.processor, selector: cfg.processorSelector})
	t.executor = NewProcessorExecutor(cfg.logger, cfg.errorLogRates)
	t.delayed = NewDelayedExecutor(cfg.delayInterval, cfg.clock, cfg.logger)

	t.runners = make([]*selectorRunner, cfg.selectorRunners)
	for i := range t.runners {
		t.runners[i] = newSelectorRunner(t, i)
	}

	if err := t.initPools(); err != nil {
		return nil, err
	}

	var writerExecutor Executor = t.kernelPool
	if t.workerPool != nil {
		writerExecutor = t.workerPool
	}
	t.writer = NewAsyncQueueWriter(cfg.maxWriteReentrants, writerExecutor, cfg.logger)

	t.ctx, t.cancel = context.WithCancel(context.Background())

	return t, nil
}

func (t *Transport) initPools() error {
	workerConfig := t.opts.workerPoolConfig
	if workerConfig == nil {
		workerConfig = t.opts.strategy.DefaultWorkerPoolConfig()
	}
	if workerConfig != nil {
		config := t.poolConfig(*workerConfig)
		pool, err := NewWorkerPool(config)
		if err != nil {
			return err
		}
		t.workerPool = pool
	}

	var kernelConfig ThreadPoolConfig
	if t.opts.kernelPoolConfig != nil {
		kernelConfig = *t.opts.kernelPoolConfig
	} else {
		n := len(t.runners)
		kernelConfig = ThreadPoolConfig{
			Name:      "ioengine-kernel",
			CoreSize:  n,
			MaxSize:   n + runtime.GOMAXPROCS(0)*4,
			KeepAlive: 30 * time.Second,
		}
	}
	pool, err := NewWorkerPool(t.poolConfig(kernelConfig))
	if err != nil {
		return err
	}
	t.kernelPool = pool
	return nil
}

func (t *Transport) poolConfig(config ThreadPoolConfig) ThreadPoolConfig {
	if config.Logger == nil {
		config.Logger = t.opts.logger
	}
	config.Probes = append(append([]ThreadPoolProbe(nil), config.Probes...), t.opts.threadPoolProbes...)
	return config
}

func (t *Transport) ID() uuid.UUID { return t.id }

func (t *Transport) Name() string { return t.name }

func (t *Transport) String() string { return t.name }

func (t *Transport) State() TransportState { return t.state.State() }

// StateHolder exposes the lifecycle state, e.g. to wait for a transition.
func (t *Transport) StateHolder() *StateHolder[TransportState] { return t.state }

func (t *Transport) Executor() *ProcessorExecutor { return t.executor }

func (t *Transport) ContextPool() *ContextPool { return &t.contexts }

func (t *Transport) AsyncWriter() *AsyncQueueWriter { return t.writer }

func (t *Transport) DelayedExecutor() *DelayedExecutor { return t.delayed }

// WorkerPool returns nil if the strategy uses no worker pool.
func (t *Transport) WorkerPool() *WorkerPool { return t.workerPool }

func (t *Transport) KernelPool() *WorkerPool { return t.kernelPool }

func (t *Transport) IOStrategy() IOStrategy { return t.opts.strategy }

func (t *Transport) MemoryManager() MemoryManager { return t.opts.memoryManager }

func (t *Transport) Processor() Processor { return t.processing.Load().processor }

// SetProcessor replaces the default processor, see [ResolveProcessor].
// Events already dispatched are unaffected.
func (t *Transport) SetProcessor(p Processor) {
	for {
		old := t.processing.Load()
		if t.processing.CompareAndSwap(old, &processing{processor: p, selector: old.selector}) {
			return
		}
	}
}

func (t *Transport) ProcessorSelector() ProcessorSelector { return t.processing.Load().selector }

// SetProcessorSelector replaces the default processor selector.
func (t *Transport) SetProcessorSelector(s ProcessorSelector) {
	for {
		old := t.processing.Load()
		if t.processing.CompareAndSwap(old, &processing{processor: old.processor, selector: s}) {
			return
		}
	}
}

// ConnectionConfig returns the defaults applied to new connections.
func (t *Transport) ConnectionConfig() ConnectionConfig { return t.opts.connectionConfig }

func (t *Transport) ReuseAddress() bool { return t.opts.reuseAddress }

// Rand returns the configured random source, or nil.
func (t *Transport) Rand() *rand.Rand { return t.opts.rand }

func (t *Transport) Logger() *logiface.Logger[logiface.Event] { return t.opts.logger }

func (t *Transport) logger() *logiface.Logger[logiface.Event] {
	if t == nil {
		return nil
	}
	return t.opts.logger
}

func (t *Transport) probes() *probeSet {
	if t == nil {
		return nil
	}
	return &t.probeSet
}

// Connections returns a snapshot of the open connections.
func (t *Transport) Connections() []*Connection {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	conns := make([]*Connection, 0, len(t.connections))
	for c := range t.connections {
		conns = append(conns, c)
	}
	return conns
}

// Start launches the selector runners and the delayed executor.
func (t *Transport) Start() error {
	if t.shutdown.Load() || !t.state.CompareAndSet(TransportStopped, TransportStarting) {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, t.State())
	}
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnBeforeStart(t) })

	t.delayed.Start()
	for _, r := range t.runners {
		t.runnerWG.Add(1)
		if err := t.kernelPool.Execute(func() { r.run(t.ctx, nil) }); err != nil {
			t.runnerWG.Done()
			t.state.Set(TransportStopped)
			t.probeSet.eachTransport(func(p TransportProbe) { p.OnError(t, err) })
			return err
		}
	}

	t.state.Set(TransportStarted)
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnStart(t) })
	t.opts.logger.Info().
		Str(`transport`, t.name).
		Int(`runners`, len(t.runners)).
		Log(`ioengine: transport started`)
	return nil
}

// Pause stops event dispatch, until [Transport.Resume].
func (t *Transport) Pause() error {
	if state := t.State(); state != TransportStarted {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, state)
	}
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnBeforePause(t) })
	if !t.state.CompareAndSet(TransportStarted, TransportPaused) {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, t.State())
	}
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnPause(t) })
	return nil
}

func (t *Transport) Resume() error {
	if state := t.State(); state != TransportPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, state)
	}
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnBeforeResume(t) })
	if !t.state.CompareAndSet(TransportPaused, TransportStarted) {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, t.State())
	}
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnResume(t) })
	return nil
}

// awaitRunning blocks while the transport is paused (or still starting),
// returning false once it is stopped or ctx is done. Runners keep going
// while stopping, to drain close events.
func (t *Transport) awaitRunning(ctx context.Context) bool {
	state, err := t.state.WaitFor(ctx, func(s TransportState) bool {
		return s != TransportPaused && s != TransportStarting
	})
	return err == nil && state != TransportStopped
}

// Shutdown gracefully closes all connections, then stops the runners and
// pools, waiting for queued work, or until ctx is done. A transport cannot
// be restarted.
func (t *Transport) Shutdown(ctx context.Context) error {
	return t.stop(ctx, true)
}

// ShutdownNow terminates all connections, and stops without waiting for
// queued work.
func (t *Transport) ShutdownNow() {
	_ = t.stop(context.Background(), false)
}

func (t *Transport) stop(ctx context.Context, graceful bool) error {
	if !t.shutdown.CompareAndSwap(false, true) {
		_, err := t.state.WaitFor(ctx, func(s TransportState) bool { return s == TransportStopped })
		return err
	}

	t.probeSet.eachTransport(func(p TransportProbe) { p.OnBeforeStop(t) })
	wasStarted := t.state.State() != TransportStopped
	t.state.Set(TransportStopping)

	for _, c := range t.Connections() {
		if graceful {
			c.CloseSilently()
		} else {
			c.TerminateSilently()
		}
	}

	var errs []error
	if graceful && wasStarted {
		// let the runners drain the close events
		if err := t.drainRunners(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	t.cancel()
	t.delayed.Stop()

	done := make(chan struct{})
	go func() {
		t.runnerWG.Wait()
		close(done)
	}()

	if graceful {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		for _, pool := range []*WorkerPool{t.workerPool, t.kernelPool} {
			if pool == nil {
				continue
			}
			if err := pool.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	} else {
		for _, pool := range []*WorkerPool{t.workerPool, t.kernelPool} {
			if pool != nil {
				pool.ShutdownNow()
			}
		}
	}

	t.state.Set(TransportStopped)
	t.probeSet.eachTransport(func(p TransportProbe) { p.OnStop(t) })
	t.opts.logger.Info().
		Str(`transport`, t.name).
		Bool(`graceful`, graceful).
		Log(`ioengine: transport stopped`)

	return errors.Join(errs...)
}

func (t *Transport) drainRunners(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond * 5)
	defer ticker.Stop()
	for {
		pending := 0
		for _, r := range t.runners {
			r.mu.Lock()
			pending += r.queue.Length()
			r.mu.Unlock()
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// NewConnection registers a connection backed by ch, assigning it a selector
// runner. Readiness notifications are initially disabled, see
// [Connection.EnableIOEvent].
func (t *Transport) NewConnection(ch Channel) (*Connection, error) {
	if ch == nil {
		panic(`ioengine: nil channel`)
	}
	if t.shutdown.Load() {
		return nil, ErrTransportNotRunning
	}
	r := t.runners[int(t.nextRunner.Add(1)-1)%len(t.runners)]
	c := newConnection(t, ch, r)
	t.connMu.Lock()
	t.connections[c] = struct{}{}
	t.connMu.Unlock()
	return c, nil
}

// FireBind reports a connection bound by a concrete transport (e.g. a
// listener), dispatching [EventServerAccept] readiness thereafter.
func (t *Transport) FireBind(c *Connection) {
	t.probeSet.bind(c)
}

// FireAccepted reports a connection accepted from a listener, dispatching
// [EventAccepted], and enabling reads.
func (t *Transport) FireAccepted(c *Connection) error {
	t.probeSet.accept(c)
	c.Notify(EventAccepted)
	return c.EnableIOEvent(EventRead)
}

// FireConnected reports a client connection established, dispatching
// [EventConnected], and enabling reads.
func (t *Transport) FireConnected(c *Connection) error {
	t.probeSet.connect(c)
	c.Notify(EventConnected)
	return c.EnableIOEvent(EventRead)
}

// connectionClosed is called once, after c is closed.
func (t *Transport) connectionClosed(c *Connection, reason CloseReason) {
	t.connMu.Lock()
	delete(t.connections, c)
	t.connMu.Unlock()
	t.probeSet.close(c, reason)
	if c.runner != nil {
		c.runner.post(c, EventClosed)
	}
}
