// Package ioengine provides an asynchronous, event-driven network I/O
// engine: connections, readiness dispatch, processing contexts, pluggable
// execution strategies, bounded asynchronous write queues, and timeout
// tracking.
//
// # Architecture
//
// A [Transport] owns a set of [Connection] values, each backed by a
// non-blocking [Channel]. Concrete transports (see the tcp sub-package)
// report readiness via [Connection.Notify]. Each connection is assigned a
// selector runner, a goroutine which drains readiness events in batches,
// and dispatches them according to the configured [IOStrategy]:
//   - [SameThreadIOStrategy] processes on the runner goroutine
//   - [WorkerThreadIOStrategy] hands READ and CLOSED events to the worker pool
//   - [LeaderFollowerIOStrategy] hands the runner to a new goroutine, then
//     processes inline
//   - [SimpleDynamicIOStrategy] switches between the first two, based on the
//     size of the last batch
//
// # Processing
//
// A [Processor] is selected per event (see [ResolveProcessor]), then a
// [Context] is driven through a processing pass by the [ProcessorExecutor].
// The [ProcessorResult] returned from [Processor.Process] determines what
// happens next, and [ContextLifecycleListener] values observe the outcome.
// Contexts are pooled, see [ContextPool].
//
// READ interest is disabled while an event is processed, and re-enabled
// once the pass completes or leaves. Processors that suspend (see
// [Context.Suspend]) retain responsibility for the connection.
//
// # Writes
//
// Writes go through the [AsyncQueueWriter], which writes directly when the
// connection's queue is empty, and otherwise queues the message, bounded by
// [ConnectionConfig.MaxAsyncWriteQueueSize]. Queued writes complete in
// order. Use [AsyncQueueWriter.NotifyWritePossible] for back-pressure.
//
// # Timeouts
//
// The [DelayedExecutor] periodically scans [DelayQueue] instances, on a
// single goroutine. [IdleTimeout], [ActivityTimeout] and
// [SilentConnectionTimeout] build on it, closing connections with a
// [TimeoutError] cause.
package ioengine
