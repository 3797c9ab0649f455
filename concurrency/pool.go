// File: concurrency/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool dispatching tasks across a resizable set of goroutines.
// Workers block on a condition variable until a task arrives or a
// stop/resize signal is delivered; a shrink never interrupts a task in
// progress.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/control"
)

// Task is a unit of work executed by one worker.
type Task func()

// Pool implements api.Executor over a mutex-guarded FIFO.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	stopped bool

	// target worker count; workers observing running > target exit once
	// their current task completes.
	target  int
	running int

	wg    sync.WaitGroup
	log   *zap.Logger
	stats *control.StatsRegistry
}

var _ api.Executor = (*Pool)(nil)

// Option customizes pool construction.
type Option func(*Pool)

// WithLogger attaches a zap logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l.Named("pool") }
}

// WithStats attaches a stats registry receiving the pool gauges.
func WithStats(sr *control.StatsRegistry) Option {
	return func(p *Pool) { p.stats = sr }
}

// NewPool creates a pool with n workers.
func NewPool(n int, opts ...Option) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		tasks: queue.New(),
		log:   zap.NewNop(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	p.Resize(n)
	return p
}

// Submit appends task to the queue and wakes one worker.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return api.ErrPoolClosed
	}
	p.tasks.Add(Task(task))
	p.cond.Signal()
	return nil
}

// Resize changes the target worker count. Raising spawns new workers
// immediately; lowering broadcasts so idle surplus workers exit.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.target = n
	for p.running < p.target {
		p.running++
		p.wg.Add(1)
		go p.run()
	}
	if p.running > p.target {
		p.cond.Broadcast()
	}
	p.publish()
}

// NumWorkers returns the current target worker count.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Stop sets the stop flag, wakes every worker and joins them. Queued tasks
// that no worker has started are discarded. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug("pool stopped")
}

// run is the worker main loop.
func (p *Pool) run() {
	defer p.wg.Done()

	for {
		task, ok := p.fetchTaskOrStop()
		if !ok {
			return
		}
		p.execute(task)
	}
}

// fetchTaskOrStop blocks until a task is available or the worker must exit.
func (p *Pool) fetchTaskOrStop() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.shouldExitLocked() && p.tasks.Length() == 0 {
		p.cond.Wait()
	}

	if p.shouldExitLocked() {
		p.running--
		p.publish()
		return nil, false
	}

	task := p.tasks.Remove().(Task)
	return task, true
}

func (p *Pool) shouldExitLocked() bool {
	return p.stopped || p.running > p.target
}

// execute runs one task behind a panic barrier: a failing user callback must
// not terminate the worker.
func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("task panic recovered", zap.Any("panic", r))
		}
	}()
	task()
}

// publish pushes gauges to the attached stats registry. Caller holds mu.
func (p *Pool) publish() {
	if p.stats == nil {
		return
	}
	p.stats.Set("pool.workers", p.running)
	p.stats.Set("pool.pending", p.tasks.Length())
}
