// Package pubsub implements the scrape job queue on Google Cloud Pub/Sub.
// Jobs are JSON messages; a dequeued item acks on Done and nacks on Retry so
// Pub/Sub redelivers it with the subscription's backoff.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// ErrNotStarted is returned by Dequeue before Start.
var ErrNotStarted = errors.New("pubsub queue not started")

// Config names the topic jobs are published to and the subscription they are
// consumed from.
type Config struct {
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	// Buffer bounds received-but-not-dequeued messages.
	Buffer int `mapstructure:"buffer"`
}

// Queue implements crawler.Queue.
type Queue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	items   chan crawler.QueueItem
	startMu sync.Mutex
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a queue to the client's publisher and subscriber. Either name may
// be empty for produce-only or consume-only processes.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" && cfg.Subscription == "" {
		return nil, fmt.Errorf("topic or subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	q := &Queue{
		logger: logger.Named("pubsub_queue"),
		items:  make(chan crawler.QueueItem, cfg.Buffer),
	}
	if cfg.Topic != "" {
		q.publisher = client.Publisher(cfg.Topic)
	}
	if cfg.Subscription != "" {
		q.subscriber = client.Subscriber(cfg.Subscription)
	}
	return q, nil
}

// Enqueue publishes the job and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, job crawler.ScrapeJob) error {
	if q.publisher == nil {
		return fmt.Errorf("pubsub queue has no topic")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": string(job.Kind), "retailer": job.Retailer},
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))
	if _, err := q.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Start begins receiving messages in the background until ctx ends or Close
// is called.
func (q *Queue) Start(ctx context.Context) error {
	if q.subscriber == nil {
		return fmt.Errorf("pubsub queue has no subscription")
	}
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	q.started = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.subscriber.Receive(rctx, q.handle); err != nil && rctx.Err() == nil {
			q.logger.Error("receive stopped", zap.Error(err))
		}
	}()
	return nil
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	var job crawler.ScrapeJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Redelivery cannot fix a malformed payload.
		q.logger.Warn("dropping undecodable job", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > job.Attempt {
		job.Attempt = *msg.DeliveryAttempt - 1
	}
	item := crawler.QueueItem{Job: job, Ack: msg.Ack, Nack: msg.Nack}
	select {
	case q.items <- item:
	case <-ctx.Done():
		msg.Nack()
	}
}

// Dequeue returns the next received job.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	q.startMu.Lock()
	started := q.started
	q.startMu.Unlock()
	if !started {
		return crawler.QueueItem{}, ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	}
}

// Close stops receiving, nacks buffered messages and flushes the publisher.
func (q *Queue) Close() {
	q.startMu.Lock()
	stop := q.stop
	q.startMu.Unlock()
	if stop != nil {
		stop()
		q.wg.Wait()
	}
	for {
		select {
		case item := <-q.items:
			item.Retry()
		default:
			if q.publisher != nil {
				q.publisher.Stop()
			}
			return
		}
	}
}

type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
