package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// WorkerPool runs tasks on a fixed number of goroutines that drain one shared FIFO queue.
//
// Tasks are handed out in submission order, but with more than one worker their completion
// order is not guaranteed. After Shutdown, Submit fails with ErrPoolClosed while tasks that were
// already queued still run to completion. A panicking task does not take its worker down: the
// panic is recovered and reported through the task's Future.
type WorkerPool struct {
	size    int
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	workers sync.WaitGroup
	stopped chan struct{}
}

// PoolOption represents the options for the WorkerPool.
type PoolOption func(*WorkerPool)

// Future is the completion handle of a task submitted to a WorkerPool.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// NewWorkerPool starts a pool with size workers. A non-positive size uses GOMAXPROCS.
func NewWorkerPool(size int, options ...PoolOption) *WorkerPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &WorkerPool{
		size:    size,
		logger:  slog.Default(),
		stopped: make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(size)
	for range size {
		go p.work()
	}
	go func() {
		p.workers.Wait()
		close(p.stopped)
	}()

	return p
}

// WithPoolLogger sets the logger for the pool.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *WorkerPool) {
		p.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "pool"),
		)
	}
}

// WithPoolMetrics makes the pool report queue depth and task outcomes.
func WithPoolMetrics(m *Metrics) PoolOption {
	return func(p *WorkerPool) {
		p.metrics = m
	}
}

// Submit queues task on the pool and returns its completion handle. It fails immediately with
// ErrPoolClosed once the pool has been shut down.
func Submit[T any](p *WorkerPool, task func() (T, error)) (*Future[T], error) {
	f := &Future[T]{done: make(chan struct{})}

	run := func() {
		defer close(f.done)

		var pc panics.Catcher
		pc.Try(func() {
			f.val, f.err = task()
		})
		if r := pc.Recovered(); r != nil {
			var zero T
			f.val = zero
			f.err = fmt.Errorf("%w: %v", ErrTaskPanicked, r.Value)
			p.logger.Error("task panicked",
				slog.Any("panic", r.Value),
				slog.String("stack", string(r.Stack)))
			p.metrics.observeTask("panic")
			return
		}
		if f.err != nil {
			p.metrics.observeTask("error")
			return
		}
		p.metrics.observeTask("success")
	}

	if err := p.enqueue(run); err != nil {
		return nil, err
	}
	return f, nil
}

// Done is closed when the task has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *WorkerPool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits for the queue to drain and every worker to exit.
// If ctx is done first the workers keep draining in the background and ctx.Err() is returned.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for workers: %w", ctx.Err())
	}
}

func (p *WorkerPool) enqueue(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.metrics.setQueueDepth(len(p.queue))
	p.cond.Signal()
	return nil
}

func (p *WorkerPool) work() {
	defer p.workers.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// Closed and drained.
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.metrics.setQueueDepth(len(p.queue))
		p.mu.Unlock()

		task()
	}
}
