// Package tasks runs named background jobs off the request path.
package tasks

import (
	"context"
	"log"
	"sync"
)

const defaultQueueDepth = 64

// Job is one unit of background work. Errors are logged, never retried;
// whoever enqueued the job owns any retry policy.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher executes jobs sequentially on a single worker goroutine. The
// enqueueing request returns immediately; if the process dies mid-job the
// work is simply lost, which every job here must tolerate.
type Dispatcher struct {
	queue chan Job
	once  sync.Once
	done  chan struct{}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		queue: make(chan Job, defaultQueueDepth),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. Safe to call more than once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		go d.run(ctx)
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			if err := job.Run(ctx); err != nil {
				log.Printf("tasks: %s failed: %v", job.Name, err)
			}
		}
	}
}

// Enqueue hands a job to the worker. A full queue drops the job with a log
// line rather than blocking the caller.
func (d *Dispatcher) Enqueue(job Job) {
	select {
	case d.queue <- job:
	default:
		log.Printf("tasks: queue full, dropping %s", job.Name)
	}
}

// Wait blocks until the worker has exited after its context is canceled.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Inline is a dispatcher substitute that runs jobs synchronously in the
// caller's goroutine. Tests use it to observe job side effects directly.
type Inline struct{}

func (Inline) Start(context.Context) {}

func (Inline) Enqueue(job Job) {
	if err := job.Run(context.Background()); err != nil {
		log.Printf("tasks: %s failed: %v", job.Name, err)
	}
}
