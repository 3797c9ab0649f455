// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor contract: fd tracking with per-direction readiness callbacks.

package api

// EventCallback is invoked by a worker when the tracked fd is ready in the
// corresponding direction.
type EventCallback func(fd int)

// Reactor multiplexes many sockets onto one poll thread and dispatches
// readiness callbacks onto an Executor.
//
// Tracking state may be mutated from the poll goroutine, from callback
// workers and from arbitrary user goroutines; implementations serialize all
// of it behind a single tracking mutex and defer entry removal while a
// callback is in flight.
type Reactor interface {
	// Track inserts or overwrites the entry for fd with the given callbacks
	// (either may be nil) and clears all tracking flags.
	Track(fd int, rd, wr EventCallback)

	// SetReadCallback updates just the read callback for fd.
	SetReadCallback(fd int, cb EventCallback)

	// SetWriteCallback updates just the write callback for fd.
	SetWriteCallback(fd int, cb EventCallback)

	// Untrack removes fd from the reactor. If a callback is currently
	// executing, removal is deferred until it returns.
	Untrack(fd int)

	// WaitForRemoval blocks until fd's entry is absent from the tracking map.
	WaitForRemoval(fd int)

	// Notify wakes the poll thread so it re-examines tracking state.
	Notify()

	// SetWorkers resizes the callback worker pool.
	SetWorkers(n int)

	// Close stops the poll thread and the worker pool. Idempotent.
	Close() error
}
