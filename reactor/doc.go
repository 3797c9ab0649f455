// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the I/O reactor: one poll goroutine watching
// many sockets with optional read/write interest, dispatching readiness
// callbacks onto a worker pool, and coordinating out-of-band tracking
// changes through a self-pipe wake-up.
//
// Tracking state is mutated from three concurrent contexts: the poll
// goroutine, the callback workers, and arbitrary user goroutines. A single
// tracking mutex serializes the map; per-entry in-flight flags keep
// level-triggered readiness from dispatching the same direction twice and
// defer untracking until the running callback returns.
package reactor
