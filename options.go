// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"errors"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

// transportOptions holds configuration options for Transport creation.
type transportOptions struct {
	logger             *logiface.Logger[logiface.Event]
	strategy           IOStrategy
	processor          Processor
	processorSelector  ProcessorSelector
	memoryManager      MemoryManager
	rand               *rand.Rand
	clock              func() time.Time
	errorLogRates      map[time.Duration]int
	workerPoolConfig   *ThreadPoolConfig
	kernelPoolConfig   *ThreadPoolConfig
	name               string
	transportProbes    []TransportProbe
	connectionProbes   []ConnectionProbe
	threadPoolProbes   []ThreadPoolProbe
	connectionConfig   ConnectionConfig
	selectorRunners    int
	maxWriteReentrants int
	delayInterval      time.Duration
	batch              runnerBatchConfig
	reuseAddress       bool
}

// --- Transport Options ---

// TransportOption configures a Transport instance.
type TransportOption interface {
	applyTransport(*transportOptions) error
}

// transportOptionImpl implements TransportOption.
type transportOptionImpl struct {
	applyTransportFunc func(*transportOptions) error
}

func (t *transportOptionImpl) applyTransport(opts *transportOptions) error {
	return t.applyTransportFunc(opts)
}

const (
	DefaultBufferSize             = 8 * 1024
	DefaultIOTimeout              = 30 * time.Second
	DefaultMaxAsyncWriteQueueSize = 4 * 1024 * 1024
	DefaultMaxWriteReentrants     = 10
	DefaultDelayedExecutorTick    = time.Second
)

// WithName sets the transport name, used in logs. Defaults to the
// transport ID.
func WithName(name string) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.name = name
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithErrorLogRates limits, per category, how often processing errors are
// logged. See catrate.NewLimiter for the format. A nil map disables the
// limit.
func WithErrorLogRates(rates map[time.Duration]int) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.errorLogRates = rates
		return nil
	}}
}

// WithIOStrategy sets the execution placement policy.
// Defaults to [WorkerThreadIOStrategy].
func WithIOStrategy(strategy IOStrategy) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if strategy == nil {
			return errors.New("ioengine: nil io strategy")
		}
		opts.strategy = strategy
		return nil
	}}
}

// WithWorkerPoolConfig overrides the worker pool configuration recommended
// by the [IOStrategy].
func WithWorkerPoolConfig(config ThreadPoolConfig) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if err := config.Validate(); err != nil {
			return err
		}
		opts.workerPoolConfig = &config
		return nil
	}}
}

// WithKernelPoolConfig overrides the configuration of the pool running the
// selector runners. Its max size bounds leader hand-offs.
func WithKernelPoolConfig(config ThreadPoolConfig) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if err := config.Validate(); err != nil {
			return err
		}
		opts.kernelPoolConfig = &config
		return nil
	}}
}

// WithSelectorRunners sets the number of selector runners, each of which
// owns a subset of connections. Defaults to GOMAXPROCS.
func WithSelectorRunners(n int) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if n <= 0 {
			return errors.New("ioengine: selector runners must be positive")
		}
		opts.selectorRunners = n
		return nil
	}}
}

// WithSelectorBatch configures how each selector runner drains readiness
// events: up to maxSize per batch, waiting up to partialTimeout for at least
// minSize. A zero value leaves the corresponding default.
func WithSelectorBatch(maxSize, minSize int, partialTimeout time.Duration) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if maxSize < 0 || minSize < 0 || partialTimeout < 0 || (maxSize > 0 && minSize > maxSize) {
			return errors.New("ioengine: invalid selector batch config")
		}
		if maxSize > 0 {
			opts.batch.maxSize = maxSize
		}
		if minSize > 0 {
			opts.batch.minSize = minSize
		}
		if partialTimeout > 0 {
			opts.batch.partialTimeout = partialTimeout
		}
		return nil
	}}
}

// WithMemoryManager sets the buffer allocator.
// Defaults to a [PooledMemoryManager].
func WithMemoryManager(mm MemoryManager) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if mm == nil {
			return errors.New("ioengine: nil memory manager")
		}
		opts.memoryManager = mm
		return nil
	}}
}

// WithReadBufferSize sets the default read buffer size of connections.
func WithReadBufferSize(size int) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if size <= 0 {
			return errors.New("ioengine: read buffer size must be positive")
		}
		opts.connectionConfig.ReadBufferSize = size
		return nil
	}}
}

// WithWriteBufferSize sets the default write buffer size of connections.
func WithWriteBufferSize(size int) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if size <= 0 {
			return errors.New("ioengine: write buffer size must be positive")
		}
		opts.connectionConfig.WriteBufferSize = size
		return nil
	}}
}

// WithReadTimeout sets the default (advisory) read timeout of connections.
func WithReadTimeout(d time.Duration) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.connectionConfig.ReadTimeout = d
		return nil
	}}
}

// WithWriteTimeout sets the default (advisory) write timeout of connections.
func WithWriteTimeout(d time.Duration) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.connectionConfig.WriteTimeout = d
		return nil
	}}
}

// WithBlocking sets the blocking-mode flag of connections, which concrete
// transports may consult.
func WithBlocking(blocking bool) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.connectionConfig.Blocking = blocking
		return nil
	}}
}

// WithMaxAsyncWriteQueueSize sets the default ceiling on queued, unwritten
// bytes per connection. A negative value disables the limit.
func WithMaxAsyncWriteQueueSize(size int) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.connectionConfig.MaxAsyncWriteQueueSize = size
		return nil
	}}
}

// WithMaxWriteReentrants bounds how deeply async writes may nest, via
// completion handlers, before being deferred to the worker pool.
func WithMaxWriteReentrants(n int) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if n <= 0 {
			return errors.New("ioengine: max write reentrants must be positive")
		}
		opts.maxWriteReentrants = n
		return nil
	}}
}

// WithReuseAddress sets the reuse-address flag, consulted by concrete
// transports when binding.
func WithReuseAddress(enabled bool) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.reuseAddress = enabled
		return nil
	}}
}

// WithProcessor sets the transport's default processor.
func WithProcessor(p Processor) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.processor = p
		return nil
	}}
}

// WithProcessorSelector sets the transport's default processor selector.
func WithProcessorSelector(s ProcessorSelector) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.processorSelector = s
		return nil
	}}
}

// WithDelayedExecutorInterval sets how often timeouts are scanned.
func WithDelayedExecutorInterval(d time.Duration) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if d <= 0 {
			return errors.New("ioengine: delayed executor interval must be positive")
		}
		opts.delayInterval = d
		return nil
	}}
}

// WithClock overrides the time source, used by the timeout subsystems.
func WithClock(now func() time.Time) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		if now == nil {
			return errors.New("ioengine: nil clock")
		}
		opts.clock = now
		return nil
	}}
}

// WithRand sets the random source, used e.g. by [BindToPortRange].
func WithRand(r *rand.Rand) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.rand = r
		return nil
	}}
}

// WithTransportProbes appends transport probes.
func WithTransportProbes(probes ...TransportProbe) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.transportProbes = append(opts.transportProbes, probes...)
		return nil
	}}
}

// WithConnectionProbes appends connection probes.
func WithConnectionProbes(probes ...ConnectionProbe) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.connectionProbes = append(opts.connectionProbes, probes...)
		return nil
	}}
}

// WithThreadPoolProbes appends probes to both the worker and kernel pools.
func WithThreadPoolProbes(probes ...ThreadPoolProbe) TransportOption {
	return &transportOptionImpl{func(opts *transportOptions) error {
		opts.threadPoolProbes = append(opts.threadPoolProbes, probes...)
		return nil
	}}
}

// resolveTransportOptions applies TransportOption instances to transportOptions.
func resolveTransportOptions(opts []TransportOption) (*transportOptions, error) {
	cfg := &transportOptions{
		connectionConfig: ConnectionConfig{
			ReadBufferSize:         DefaultBufferSize,
			WriteBufferSize:        DefaultBufferSize,
			ReadTimeout:            DefaultIOTimeout,
			WriteTimeout:           DefaultIOTimeout,
			MaxAsyncWriteQueueSize: DefaultMaxAsyncWriteQueueSize,
		},
		selectorRunners:    runtime.GOMAXPROCS(0),
		maxWriteReentrants: DefaultMaxWriteReentrants,
		delayInterval:      DefaultDelayedExecutorTick,
		batch:              defaultRunnerBatchConfig(),
		errorLogRates: map[time.Duration]int{
			time.Second: 10,
			time.Minute: 100,
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyTransport(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.strategy == nil {
		cfg.strategy = WorkerThreadIOStrategy{}
	}
	if cfg.memoryManager == nil {
		cfg.memoryManager = new(PooledMemoryManager)
	}
	if cfg.batch.minSize > cfg.batch.maxSize {
		cfg.batch.minSize = cfg.batch.maxSize
	}
	return cfg, nil
}
