// Package workerpool provides a bounded goroutine pool. Broker consumer
// groups execute their handlers on a pool so a burst of dispatch
// messages cannot spawn an unbounded number of goroutines.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool manages a fixed pool of worker goroutines. Workers are started
// lazily when tasks are submitted and reused across tasks.
type Pool struct {
	workers int32
	tasks   chan func()
	running int32
	closed  int32
	wg      sync.WaitGroup
}

// New creates a pool with the specified number of workers. Non-positive
// values fall back to GOMAXPROCS.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return &Pool{
		workers: int32(workers),
		tasks:   make(chan func(), workers*16), // buffered for bursts
	}
}

// Submit adds a task to the pool. If all workers are busy the task waits
// in the queue. Returns false if the pool is closed.
func (p *Pool) Submit(task func()) bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}

	// Spawn a worker if below the limit.
	for {
		running := atomic.LoadInt32(&p.running)
		if running >= p.workers {
			break
		}
		if atomic.CompareAndSwapInt32(&p.running, running, running+1) {
			p.wg.Add(1)
			go p.worker()
			break
		}
	}

	p.tasks <- task
	return true
}

// worker processes tasks until the queue closes. A panicking task
// replaces its worker so pool capacity is maintained; handler-level
// recovery is the consumer's job.
func (p *Pool) worker() {
	defer func() {
		if r := recover(); r != nil {
			if atomic.LoadInt32(&p.closed) == 0 {
				// Replacement inherits the running count and wg slot.
				go p.worker()
				return
			}
		}
		atomic.AddInt32(&p.running, -1)
		p.wg.Done()
	}()

	for task := range p.tasks {
		if task != nil {
			task()
		}
	}
}

// Running returns the current number of running workers.
func (p *Pool) Running() int {
	return int(atomic.LoadInt32(&p.running))
}

// Cap returns the worker capacity.
func (p *Pool) Cap() int {
	return int(atomic.LoadInt32(&p.workers))
}

// Waiting returns the number of tasks waiting in the queue.
func (p *Pool) Waiting() int {
	return len(p.tasks)
}

// Close shuts down the pool gracefully. All queued tasks complete
// before Close returns.
func (p *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// IsClosed reports whether the pool is closed.
func (p *Pool) IsClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}
