// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package concurrency provides the callback worker pool: a fixed group of
// goroutines consuming tasks from a FIFO, with dynamic resize and graceful
// shutdown. The reactor dispatches every readiness callback through it.
package concurrency
