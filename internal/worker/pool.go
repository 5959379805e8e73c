package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that was shut down
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrQueueFull is returned by TrySubmit when every queue slot is taken
	ErrQueueFull = errors.New("worker queue full")
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// Pool runs jobs on a fixed set of workers. Long-lived pools, such as the
// engine's vote ingestion, stream results through Results; one-shot batches
// close the queue and drain.
type Pool struct {
	workers    int
	jobQueue   chan Job
	results    chan Result
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
}

// NewPool creates a pool of workers with room for queue waiting jobs. A
// queue of zero or less defaults to twice the worker count.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers:    workers,
		jobQueue:   make(chan Job, queue),
		results:    make(chan Result, queue),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start starts the workers
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := job.Execute(p.ctx)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Submit queues a job, blocking while the queue is full
func (p *Pool) Submit(job Job) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.jobQueue <- job:
		return nil
	}
}

// TrySubmit queues a job without blocking. Callers facing clients use it so
// a saturated pool pushes back instead of stalling requests.
func (p *Pool) TrySubmit(job Job) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	select {
	case p.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Queued is the number of jobs waiting for a worker
func (p *Pool) Queued() int {
	return len(p.jobQueue)
}

// Results streams results as jobs complete. Exactly one of Results or Wait
// may be used.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Wait stops accepting jobs, waits for queued ones and returns their results
func (p *Pool) Wait() []Result {
	p.closeQueue()

	var results []Result
	for result := range p.results {
		results = append(results, result)
	}
	return results
}

// closeQueue stops accepting jobs and closes results once workers finish
func (p *Pool) closeQueue() {
	close(p.jobQueue)

	go func() {
		p.wg.Wait()
		p.closeResults()
	}()
}

// Shutdown cancels running jobs, waits for the workers and closes results
func (p *Pool) Shutdown() {
	p.cancelFunc()
	p.wg.Wait()
	p.closeResults()
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}
