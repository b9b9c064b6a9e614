// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/cpu"
)

type (
	readyEvent struct {
		conn  *Connection
		event IOEvent
	}

	// runnerBatchConfig mirrors the min/max/partial-timeout draining of a
	// long poll: block for the first event, then take up to maxSize, waiting
	// up to partialTimeout while fewer than minSize have been taken.
	runnerBatchConfig struct {
		maxSize        int
		minSize        int
		partialTimeout time.Duration
	}

	// selectorRunner owns a subset of connections, and dispatches their
	// events via the [IOStrategy]. At most one goroutine (the leader) drains
	// a runner at a time.
	selectorRunner struct {
		transport *Transport
		queue     *queue.Queue
		signal    chan struct{}
		_         cpu.CacheLinePad
		lastBatch atomic.Int32
		_         cpu.CacheLinePad
		mu        sync.Mutex
		index     int
	}
)

func defaultRunnerBatchConfig() runnerBatchConfig {
	return runnerBatchConfig{maxSize: 64, minSize: 1}
}

func newSelectorRunner(t *Transport, index int) *selectorRunner {
	return &selectorRunner{
		transport: t,
		queue:     queue.New(),
		signal:    make(chan struct{}, 1),
		index:     index,
	}
}

// post queues an event, it never blocks.
func (r *selectorRunner) post(c *Connection, event IOEvent) {
	r.mu.Lock()
	r.queue.Add(readyEvent{conn: c, event: event})
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// LastBatchSize returns the number of events in the batch most recently
// drained, see [SimpleDynamicIOStrategy].
func (r *selectorRunner) LastBatchSize() int { return int(r.lastBatch.Load()) }

// take moves up to n events into batch.
func (r *selectorRunner) take(batch []readyEvent, n int) []readyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n && r.queue.Length() != 0; i++ {
		batch = append(batch, r.queue.Remove().(readyEvent))
	}
	if r.queue.Length() != 0 {
		select {
		case r.signal <- struct{}{}:
		default:
		}
	}
	return batch
}

// next blocks until at least one event is available, returning nil if ctx is
// done.
func (r *selectorRunner) next(ctx context.Context, batch []readyEvent) []readyEvent {
	cfg := r.transport.opts.batch

	for len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-r.signal:
		}
		// events stay queued while paused
		if !r.transport.awaitRunning(ctx) {
			return nil
		}
		batch = r.take(batch, cfg.maxSize)
	}

	if len(batch) < cfg.minSize && cfg.partialTimeout > 0 {
		timer := time.NewTimer(cfg.partialTimeout)
		defer timer.Stop()
	PartialLoop:
		for len(batch) < cfg.minSize {
			select {
			case <-ctx.Done():
				break PartialLoop
			case <-timer.C:
				break PartialLoop
			case <-r.signal:
				batch = r.take(batch, cfg.maxSize-len(batch))
			}
		}
	}

	return batch
}

// run is the leader loop. If the strategy hands off leadership, the
// remainder of the current batch is passed to the new leader, and run
// returns.
func (r *selectorRunner) run(ctx context.Context, batch []readyEvent) {
	defer r.transport.runnerWG.Done()
	for {
		if len(batch) == 0 {
			if batch = r.next(ctx, batch); batch == nil {
				return
			}
		}

		r.lastBatch.Store(int32(len(batch)))

		for i, ev := range batch {
			d := Dispatch{
				Conn:   ev.conn,
				Event:  ev.event,
				runner: r,
				rest:   batch[i+1:],
			}
			if !r.dispatch(&d) && d.handedOff {
				return
			}
		}

		clear(batch)
		batch = batch[:0]
	}
}

// dispatch returns the result of [IOStrategy.ExecuteIOEvent], or true if the
// event was skipped.
func (r *selectorRunner) dispatch(d *Dispatch) bool {
	c := d.Conn
	if d.Event != EventClosed {
		if !c.IsOpen() {
			return true
		}
		if d.Event.isReadWrite() {
			if !c.claimIOEvent(d.Event) {
				return true
			}
			d.EventEnabled = d.Event == EventRead
		}
	}
	r.transport.probes().ioEventReady(c, d.Event)
	return r.transport.opts.strategy.ExecuteIOEvent(d)
}

// handOff starts a new leader, seeded with the rest of the batch.
func (r *selectorRunner) handOff(ctx context.Context, rest []readyEvent) bool {
	kernel := r.transport.kernelPool
	if kernel == nil {
		return false
	}
	rest = slices.Clone(rest)
	r.transport.runnerWG.Add(1)
	if err := kernel.Execute(func() { r.run(ctx, rest) }); err != nil {
		r.transport.runnerWG.Done()
		return false
	}
	return true
}
