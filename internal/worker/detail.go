package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/orchestrator"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

// ScrapeDetail refreshes one product from its detail page under the scrape
// lock. It returns ErrLocked when another scrape of the product is running.
// Failed scrapes that are worth retrying come back as retryable errors for
// the queue loop; API callers treat every error alike.
func (w *Worker) ScrapeDetail(ctx context.Context, job crawler.ScrapeJob) (store.Product, error) {
	r, err := w.retailer(job.Retailer)
	if err != nil {
		return store.Product{}, err
	}
	targetID := store.ProductID(r.Name, job.ExternalID)
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("product_id", targetID))

	if w.Locker != nil {
		lease, ok, err := w.Locker.Acquire(ctx, targetID)
		if err != nil {
			return store.Product{}, retryAfter(w.cfg.RetryDelay, fmt.Errorf("acquire lock: %w", err))
		}
		if !ok {
			return store.Product{}, ErrLocked
		}
		defer func() {
			rctx, cancel := w.detached(ctx)
			defer cancel()
			if err := w.Locker.Release(rctx, lease); err != nil {
				log.Warn("release lock failed", zap.Error(err))
			}
		}()
	}

	target := job.URL
	if target == "" {
		target = r.DetailURLFor(job.ExternalID)
	}
	if target == "" {
		return store.Product{}, fmt.Errorf("no detail url for %s", targetID)
	}

	res := w.Scraper.Scrape(ctx, target, r.Domain, orchestrator.Options{WaitSelector: r.Selectors.DetailRoot})
	if !res.Success {
		return store.Product{}, retryAfter(w.failureDelay(res, job.Attempt), fmt.Errorf("scrape %s: %s", target, res.Error))
	}

	parsed := w.Parser.ParseDetail(res.Data.HTML, r.Name)
	if parsed == nil {
		return store.Product{}, fmt.Errorf("%w: %s", ErrUnparseable, target)
	}
	parsed.ExternalID = job.ExternalID
	if parsed.URL == "" {
		parsed.URL = res.Data.URL
	}
	if parsed.Currency == "" {
		parsed.Currency = r.Currency
	}
	product := toProduct(*parsed, r.Name, w.Clock.Now())
	if err := w.Products.UpsertProducts(ctx, []store.Product{product}); err != nil {
		return store.Product{}, retryAfter(w.backoff(job.Attempt), fmt.Errorf("upsert product: %w", err))
	}
	w.archive(ctx, fmt.Sprintf("%s/detail/%s.html", r.Name, job.ExternalID), res.Data.HTML)
	log.Info("product detail refreshed")
	return product, nil
}
