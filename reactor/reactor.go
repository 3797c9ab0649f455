// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll-vector reactor. The interest vector is rebuilt from the tracking map
// on every cycle, so poll(2) stays level-triggered and the fd count is not
// capped the way select(2) fd-sets are.

package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/concurrency"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/internal/notify"
)

const (
	// DefaultWorkerCount is the initial callback worker pool size.
	DefaultWorkerCount = 1

	// DefaultPollTimeout of zero means every poll wait blocks until an fd is
	// ready or the self-pipe is written.
	DefaultPollTimeout = time.Duration(0)
)

// entry is the per-socket tracking record.
type entry struct {
	rdCallback api.EventCallback
	wrCallback api.EventCallback

	rdInFlight       atomic.Bool // a worker is running the read callback
	wrInFlight       atomic.Bool // a worker is running the write callback
	markedForUntrack atomic.Bool
}

// Reactor multiplexes tracked sockets onto one poll goroutine and a worker
// pool. It implements api.Reactor.
type Reactor struct {
	mu        sync.Mutex // tracking mutex
	removalCV *sync.Cond // signalled whenever an entry is erased
	tracked   map[int]*entry

	notifier *notify.Notifier
	pool     *concurrency.Pool

	shouldStop  atomic.Bool
	pollDone    chan struct{}
	closeOnce   sync.Once
	closeErr    error
	pollTimeout time.Duration

	log   *zap.Logger
	stats *control.StatsRegistry

	workerCount int
}

var _ api.Reactor = (*Reactor)(nil)

// Option customizes reactor construction.
type Option func(*Reactor)

// WithWorkers sets the initial callback worker count.
func WithWorkers(n int) Option {
	return func(r *Reactor) { r.workerCount = n }
}

// WithPollTimeout sets an optional timeout per poll wait, used only for
// periodic wake-up.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Reactor) { r.pollTimeout = d }
}

// WithLogger attaches a zap logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reactor) { r.log = l }
}

// WithStats attaches a stats registry receiving the reactor gauges.
func WithStats(sr *control.StatsRegistry) Option {
	return func(r *Reactor) { r.stats = sr }
}

// New creates a reactor and starts its poll goroutine.
func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		tracked:     make(map[int]*entry),
		pollDone:    make(chan struct{}),
		pollTimeout: DefaultPollTimeout,
		log:         zap.NewNop(),
		workerCount: DefaultWorkerCount,
	}
	r.removalCV = sync.NewCond(&r.mu)
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("reactor")

	n, err := notify.New()
	if err != nil {
		return nil, err
	}
	r.notifier = n

	poolOpts := []concurrency.Option{concurrency.WithLogger(r.log)}
	if r.stats != nil {
		poolOpts = append(poolOpts, concurrency.WithStats(r.stats))
	}
	r.pool = concurrency.NewPool(r.workerCount, poolOpts...)

	go r.poll()
	return r, nil
}

// Track inserts or overwrites the entry for fd, clearing all flags.
func (r *Reactor) Track(fd int, rd, wr api.EventCallback) {
	r.mu.Lock()
	e := r.entryLocked(fd)
	e.rdCallback = rd
	e.wrCallback = wr
	e.rdInFlight.Store(false)
	e.wrInFlight.Store(false)
	e.markedForUntrack.Store(false)
	r.publishLocked()
	r.mu.Unlock()

	r.log.Debug("track socket", zap.Int("fd", fd))
	r.notifier.Notify()
}

// SetReadCallback updates just the read callback for fd. Clearing the
// callback of an fd that is no longer tracked is a no-op.
func (r *Reactor) SetReadCallback(fd int, cb api.EventCallback) {
	r.mu.Lock()
	if cb == nil {
		if e, ok := r.tracked[fd]; ok {
			e.rdCallback = nil
		}
	} else {
		r.entryLocked(fd).rdCallback = cb
	}
	r.mu.Unlock()

	r.notifier.Notify()
}

// SetWriteCallback updates just the write callback for fd. Clearing the
// callback of an fd that is no longer tracked is a no-op.
func (r *Reactor) SetWriteCallback(fd int, cb api.EventCallback) {
	r.mu.Lock()
	if cb == nil {
		if e, ok := r.tracked[fd]; ok {
			e.wrCallback = nil
		}
	} else {
		r.entryLocked(fd).wrCallback = cb
	}
	r.mu.Unlock()

	r.notifier.Notify()
}

// entryLocked returns the tracking record for fd, creating it if absent.
// Caller holds the tracking mutex.
func (r *Reactor) entryLocked(fd int) *entry {
	e, ok := r.tracked[fd]
	if !ok {
		e = &entry{}
		r.tracked[fd] = e
	}
	return e
}

// Untrack removes fd. If a callback is executing, the entry is only marked;
// the worker completing the last in-flight callback erases it.
func (r *Reactor) Untrack(fd int) {
	r.mu.Lock()
	e, ok := r.tracked[fd]
	if ok {
		if e.rdInFlight.Load() || e.wrInFlight.Load() {
			r.log.Debug("mark socket for untracking", zap.Int("fd", fd))
			e.markedForUntrack.Store(true)
		} else {
			r.log.Debug("untrack socket", zap.Int("fd", fd))
			r.eraseLocked(fd)
		}
	}
	r.mu.Unlock()

	r.notifier.Notify()
}

// WaitForRemoval blocks until fd's entry is absent from the tracking map,
// i.e. until all pending callbacks for it have executed.
func (r *Reactor) WaitForRemoval(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if _, ok := r.tracked[fd]; !ok {
			return
		}
		r.removalCV.Wait()
	}
}

// Notify wakes the poll goroutine.
func (r *Reactor) Notify() {
	r.notifier.Notify()
}

// SetWorkers resizes the callback worker pool.
func (r *Reactor) SetWorkers(n int) {
	r.pool.Resize(n)
}

// TrackedCount returns the current size of the tracking map.
func (r *Reactor) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Close stops the poll goroutine, then the worker pool, then the notifier.
// Idempotent.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.shouldStop.Store(true)
		r.notifier.Notify()
		<-r.pollDone

		r.pool.Stop()
		r.closeErr = multierr.Append(r.closeErr, r.notifier.Close())
		r.log.Debug("reactor closed")
	})
	return r.closeErr
}

// eraseLocked removes fd and wakes WaitForRemoval callers. Caller holds the
// tracking mutex.
func (r *Reactor) eraseLocked(fd int) {
	delete(r.tracked, fd)
	r.removalCV.Broadcast()
	r.publishLocked()
}

// publishLocked pushes the tracked gauge. Caller holds the tracking mutex.
func (r *Reactor) publishLocked() {
	if r.stats != nil {
		r.stats.Set("reactor.tracked", len(r.tracked))
	}
}
