// File: reactor/poll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll loop and event dispatch.

package reactor

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// errEvents are revents bits that must wake the corresponding direction so
// the callback's syscall observes the failure and tears the connection down.
const errEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// poll is the reactor's poll goroutine main loop.
func (r *Reactor) poll() {
	defer close(r.pollDone)

	r.log.Debug("starting poll worker")

	for !r.shouldStop.Load() {
		fds := r.buildPollFds()

		timeout := -1
		if r.pollTimeout > 0 {
			timeout = int(r.pollTimeout.Milliseconds())
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Warn("poll failure", zap.Error(err))
			continue
		}
		if n > 0 {
			r.processEvents(fds)
		}
	}

	r.log.Debug("stopping poll worker")
}

// buildPollFds rebuilds the interest vector from the tracking map. The
// self-pipe read end is always first. An entry contributes read interest iff
// it has a read callback with no read callback in flight; write is
// symmetric. An entry marked for untrack is polled even when it has no
// interest bits, so the next pass can erase it.
func (r *Reactor) buildPollFds() []unix.PollFd {
	r.mu.Lock()
	defer r.mu.Unlock()

	fds := make([]unix.PollFd, 1, len(r.tracked)+1)
	fds[0] = unix.PollFd{Fd: int32(r.notifier.ReadFD()), Events: unix.POLLIN}

	for fd, e := range r.tracked {
		var events int16

		shouldRead := e.rdCallback != nil && !e.rdInFlight.Load()
		if shouldRead {
			events |= unix.POLLIN
		}
		shouldWrite := e.wrCallback != nil && !e.wrInFlight.Load()
		if shouldWrite {
			events |= unix.POLLOUT
		}

		if shouldRead || shouldWrite || e.markedForUntrack.Load() {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}
	}
	return fds
}

// processEvents walks the polled vector under the tracking mutex and
// dispatches ready callbacks onto the worker pool.
func (r *Reactor) processEvents(fds []unix.PollFd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range fds {
		fd := int(fds[i].Fd)
		revents := fds[i].Revents

		if fd == r.notifier.ReadFD() {
			// The self-pipe is never dispatched.
			if revents&unix.POLLIN != 0 {
				r.notifier.ClearBuffer()
			}
			continue
		}

		e, ok := r.tracked[fd]
		if !ok {
			// Raced with untrack.
			continue
		}

		if revents&(unix.POLLIN|errEvents) != 0 && e.rdCallback != nil && !e.rdInFlight.Load() {
			r.dispatch(fd, e, e.rdCallback, &e.rdInFlight, &e.wrInFlight)
		}
		if revents&(unix.POLLOUT|errEvents) != 0 && e.wrCallback != nil && !e.wrInFlight.Load() {
			r.dispatch(fd, e, e.wrCallback, &e.wrInFlight, &e.rdInFlight)
		}

		if e.markedForUntrack.Load() && !e.rdInFlight.Load() && !e.wrInFlight.Load() {
			r.log.Debug("untrack socket", zap.Int("fd", fd))
			r.eraseLocked(fd)
		}
	}
}

// dispatch marks one direction in flight and hands the callback to a
// worker. The worker re-acquires the tracking mutex after the callback
// returns, clears the flag, honors a pending untrack once the opposite
// direction is idle, and notifies the poll loop. Caller holds the tracking
// mutex.
func (r *Reactor) dispatch(fd int, e *entry, cb func(int), own, other *atomic.Bool) {
	own.Store(true)

	task := func() {
		cb(fd)

		r.mu.Lock()
		if cur, ok := r.tracked[fd]; ok && cur == e {
			own.Store(false)
			if cur.markedForUntrack.Load() && !other.Load() {
				r.log.Debug("untrack socket", zap.Int("fd", fd))
				r.eraseLocked(fd)
			}
		}
		r.mu.Unlock()

		r.notifier.Notify()
	}

	if err := r.pool.Submit(task); err != nil {
		// Pool stopped during shutdown; the callback will never run.
		own.Store(false)
	}
}
