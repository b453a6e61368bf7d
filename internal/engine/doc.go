// Package engine is the master side of the dispatch runtime. It owns the
// priority work queue and the two in-flight tables, assigns queued items to
// workers supplied by the pool supervisor, and correlates asynchronous
// worker replies back to the deferred result handed out at submission time.
//
// Scheduling policy:
//   - Commands always dispatch ahead of events; within a class, items
//     dispatch in enqueue order. Sustained command load can therefore starve
//     events; that tradeoff is deliberate.
//   - A worker is eligible while it is online and holds fewer than
//     MaxConcurrentPerWorker in-flight items. Selection among eligible
//     workers is a pluggable policy, uniform random by default.
//   - Dispatch is greedy and non-blocking: when no worker has capacity the
//     item stays queued and is retried on the next capacity change (a reply
//     arrives, a worker comes online, a worker dies).
//
// Worker death purges every entry assigned to the dead worker and rejects
// each pending result with ErrWorkerLost. Purging without rejecting would
// leave those callers waiting forever, so every purge resolves the awaitable
// one way or the other and a crash is always observable upstream.
//
// All queue and table mutation happens under one mutex, preserving the
// single-writer invariant even though submissions and worker replies arrive
// on different goroutines. Nothing inside the lock performs blocking I/O:
// sends to workers are buffered-channel handoffs and observability sinks
// (metrics, history, event hub) absorb records asynchronously.
package engine
