// Package worker consumes scrape jobs: paginated search crawls and single
// product detail scrapes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/lock"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/orchestrator"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

// Errors surfaced by the detail flow.
var (
	ErrUnknownRetailer = errors.New("unknown retailer")
	ErrLocked          = errors.New("product scrape already in progress")
	ErrUnparseable     = errors.New("page did not contain a product")
)

// Scraper runs one orchestrated fetch.
type Scraper interface {
	Scrape(ctx context.Context, rawURL, domain string, opts orchestrator.Options) crawler.ScrapeResult
}

// Locker guards product detail scrapes.
type Locker interface {
	Acquire(ctx context.Context, targetID string) (lock.Lease, bool, error)
	Release(ctx context.Context, lease lock.Lease) error
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
	// MaxAttempts bounds retries of one job, including the first run.
	MaxAttempts int
	// RetryDelay is the base of the exponential backoff for failed pages and
	// the delay used when capacity is exhausted or the domain is backing off.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// StoreTimeout bounds the bookkeeping that must run even after the job
	// context is canceled.
	StoreTimeout time.Duration
}

// Deps are the collaborators of a Worker. Blob, Publisher and Locker are
// optional.
type Deps struct {
	Queue     crawler.Queue
	Progress  store.ProgressTracker
	Products  store.ProductRepository
	Scraper   Scraper
	Parser    crawler.Parser
	Locker    Locker
	Blob      crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Retailers []crawler.Retailer
}

// Worker consumes queue items and executes the crawl pipeline.
type Worker struct {
	Deps
	retailers map[string]crawler.Retailer
	cfg       Config
	logger    *zap.Logger
	after     func(time.Duration) <-chan time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithAfterFunc replaces time.After for delayed re-enqueues (for testing).
func WithAfterFunc(fn func(time.Duration) <-chan time.Time) Option {
	return func(w *Worker) { w.after = fn }
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 5 * time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	idx := make(map[string]crawler.Retailer, len(deps.Retailers))
	for _, r := range deps.Retailers {
		idx[strings.ToLower(r.Name)] = r
	}
	w := &Worker{
		Deps:      deps,
		retailers: idx,
		cfg:       cfg,
		logger:    logger.Named("worker"),
		after:     time.After,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-w.after(time.Second):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.Job.ID), zap.String("kind", string(item.Job.Kind)))
		w.processJob(ctx, item)
	}
}

// retryError asks for the job to run again after a delay.
type retryError struct {
	after time.Duration
	err   error
}

func (e *retryError) Error() string { return e.err.Error() }

func (e *retryError) Unwrap() error { return e.err }

func retryAfter(d time.Duration, err error) error {
	return &retryError{after: d, err: err}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	job := item.Job
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)), zap.String("retailer", job.Retailer))
	if err := job.Validate(); err != nil {
		log.Warn("dropping invalid job", zap.Error(err))
		telemetry.ObserveJob(string(job.Kind), "invalid")
		item.Done()
		return
	}

	var (
		status string
		err    error
	)
	switch job.Kind {
	case crawler.JobCrawlPage:
		status, err = w.crawlPage(ctx, job)
	case crawler.JobProductDetail:
		_, err = w.ScrapeDetail(ctx, job)
		status = "succeeded"
		if errors.Is(err, ErrLocked) {
			status, err = "locked", nil
		}
	}

	var retry *retryError
	switch {
	case err == nil:
		log.Debug("job finished", zap.String("status", status))
		telemetry.ObserveJob(string(job.Kind), status)
		item.Done()
	case errors.As(err, &retry) && ctx.Err() == nil:
		w.retry(ctx, item, retry.after, log, err)
	default:
		log.Error("job failed", zap.Error(err))
		telemetry.ObserveJob(string(job.Kind), "failed")
		item.Done()
	}
}

func (w *Worker) retry(ctx context.Context, item crawler.QueueItem, delay time.Duration, log *zap.Logger, cause error) {
	job := item.Job
	job.Attempt++
	if job.Attempt >= w.cfg.MaxAttempts {
		log.Error("job out of attempts", zap.Int("attempts", job.Attempt), zap.Error(cause))
		telemetry.ObserveJob(string(job.Kind), "exhausted_retries")
		item.Done()
		return
	}
	telemetry.ObserveJob(string(job.Kind), "retried")
	if item.Retry() {
		log.Info("job nacked for redelivery", zap.Error(cause))
		return
	}
	log.Info("job re-enqueued", zap.Duration("delay", delay), zap.Int("attempt", job.Attempt), zap.Error(cause))
	w.enqueueLater(ctx, job, delay)
}

func (w *Worker) enqueueLater(ctx context.Context, job crawler.ScrapeJob, delay time.Duration) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-w.after(delay):
		}
		if err := w.Queue.Enqueue(ctx, job); err != nil && ctx.Err() == nil {
			w.logger.Error("re-enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

// backoff doubles RetryDelay per attempt up to MaxRetryDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.RetryDelay
	for i := 0; i < attempt && d < w.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxRetryDelay)
}

// failureDelay classifies a failed scrape into a retry delay.
func (w *Worker) failureDelay(res crawler.ScrapeResult, attempt int) time.Duration {
	var rl *orchestrator.RateLimitError
	switch {
	case errors.As(orchestrator.CheckRateLimit(res), &rl):
		return rl.RetryAfter
	case res.Metadata.Capacity, res.Metadata.BackedOff:
		return w.cfg.RetryDelay
	default:
		return w.backoff(attempt)
	}
}

// detached returns a context that survives job cancellation for bookkeeping.
func (w *Worker) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StoreTimeout)
}

func (w *Worker) retailer(name string) (crawler.Retailer, error) {
	r, ok := w.retailers[strings.ToLower(name)]
	if !ok {
		return crawler.Retailer{}, fmt.Errorf("%w: %s", ErrUnknownRetailer, name)
	}
	return r, nil
}

func (w *Worker) archive(ctx context.Context, path string, html []byte) string {
	if w.Blob == nil || len(html) == 0 {
		return ""
	}
	if prefix := strings.Trim(w.cfg.BlobPrefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	uri, err := w.Blob.PutObject(ctx, path, w.cfg.ContentType, html)
	if err != nil {
		w.logger.Warn("archive page failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func toProduct(p crawler.ParsedProduct, retailer string, now time.Time) store.Product {
	return store.Product{
		ID:         store.ProductID(retailer, p.ExternalID),
		Retailer:   retailer,
		ExternalID: p.ExternalID,
		Title:      p.Title,
		URL:        p.URL,
		ImageURL:   p.ImageURL,
		PriceMinor: p.PriceMinor,
		Currency:   p.Currency,
		Rating:     p.Rating,
		Attributes: p.Attributes,
		ScrapedAt:  now,
	}
}
