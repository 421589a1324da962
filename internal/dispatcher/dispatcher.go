// Package dispatcher fans scrape jobs out to workers and stamps jobs on submit.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// Runner is a queue consumer started by the dispatcher.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Runner
	ids     crawler.IDGenerator
	clock   crawler.Clock
}

// New creates a Dispatcher. ids and clock may be nil when jobs arrive fully
// stamped.
func New(queue crawler.Queue, workers []Runner, ids crawler.IDGenerator, clock crawler.Clock) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		ids:     ids,
		clock:   clock,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue validates the job, fills in its ID and submit time and queues it.
// It returns the stamped job.
func (d *Dispatcher) Enqueue(ctx context.Context, job crawler.ScrapeJob) (crawler.ScrapeJob, error) {
	if err := job.Validate(); err != nil {
		return job, fmt.Errorf("invalid job: %w", err)
	}
	if job.ID == "" && d.ids != nil {
		id, err := d.ids.NewID()
		if err != nil {
			return job, fmt.Errorf("generate job id: %w", err)
		}
		job.ID = id
	}
	if job.Submitted.IsZero() && d.clock != nil {
		job.Submitted = d.clock.Now()
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return job, fmt.Errorf("queue enqueue: %w", err)
	}
	return job, nil
}
