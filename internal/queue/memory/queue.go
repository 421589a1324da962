// Package memory provides an in-process scrape job queue for single-node runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. Items
// carry no Ack/Nack, so workers re-enqueue jobs they want retried.
type Queue struct {
	ch        chan crawler.ScrapeJob
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.ScrapeJob, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, job crawler.ScrapeJob) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.QueueItem{}, ErrClosed
	case job := <-q.ch:
		return crawler.QueueItem{Job: job}, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Buffered jobs are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
