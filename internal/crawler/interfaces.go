package crawler

import (
	"context"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Executor performs a single fetch. Target failures come back as
// RawResult{Success: false}; the error return is reserved for failures of the
// executor itself (capacity, cancellation, programming errors).
type Executor interface {
	Execute(ctx context.Context, req FetchRequest) (RawResult, error)
}

// Parser turns retailer markup into product records. Unparseable input yields
// an empty slice or nil, never an error.
type Parser interface {
	Parse(html []byte, retailer string) []ParsedProduct
	ParseDetail(html []byte, retailer string) *ParsedProduct
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, job ScrapeJob) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run. Ack and Nack are set by queues with
// delivery acknowledgement and are nil otherwise.
type QueueItem struct {
	Job  ScrapeJob
	Ack  func()
	Nack func()
}

// Done acknowledges the item if the queue supports it.
func (q QueueItem) Done() {
	if q.Ack != nil {
		q.Ack()
	}
}

// Retry negatively acknowledges the item. It reports false when the queue
// has no redelivery and the caller must re-enqueue.
func (q QueueItem) Retry() bool {
	if q.Nack == nil {
		return false
	}
	q.Nack()
	return true
}
