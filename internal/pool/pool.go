// Package pool provides a fixed-size worker pool over a shared FIFO task queue.
//
// Workers are long-lived goroutines that block on a condition variable while
// the queue is empty. Submit hands back a Future that resolves once the task
// has run. After Shutdown begins, Submit rejects new work with ErrClosed, but
// tasks that were already queued still run to completion.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Submit once Shutdown has begun.
var ErrClosed = errors.New("pool: shutting down, submission rejected")

// Task is a unit of work executed by a pool worker.
type Task func() error

// Future is the deferred result of a submitted Task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task has finished and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

type job struct {
	task   Task
	future *Future
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []job
	closing bool

	size int
	wg   sync.WaitGroup
}

// New starts a pool with size workers.
func New(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: invalid worker count %d", size)
	}

	p := &Pool{size: size}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Submit queues task for execution.
// It returns ErrClosed if Shutdown has already begun.
func (p *Pool) Submit(task Task) (*Future, error) {
	if task == nil {
		return nil, fmt.Errorf("pool: nil task")
	}

	future := newFuture()

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.queue = append(p.queue, job{task: task, future: future})
	p.mu.Unlock()

	p.cond.Signal()
	return future, nil
}

// Shutdown stops accepting new tasks, lets queued tasks finish and waits for
// every worker to exit. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closing {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// closing and drained
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		next.future.resolve(run(next.task))
	}
}

func run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: task panicked: %v", r)
		}
	}()
	return task()
}
