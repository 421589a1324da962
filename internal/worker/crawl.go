package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/orchestrator"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

// Crawl page statuses reported to telemetry.
const (
	statusComplete  = "complete"
	statusExhausted = "exhausted"
	statusSkipped   = "skipped"
	statusFailed    = "failed"
)

// crawlPage claims the next page of (retailer, query), scrapes and persists
// it, and releases the claim in every outcome.
func (w *Worker) crawlPage(ctx context.Context, job crawler.ScrapeJob) (string, error) {
	r, err := w.retailer(job.Retailer)
	if err != nil {
		return "", err
	}
	normalized, queryHash, err := store.QueryKey(w.Hasher, job.Query)
	if err != nil {
		return "", err
	}
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("retailer", r.Name), zap.String("query_hash", queryHash))

	ok, err := w.Progress.ShouldScrape(ctx, r.Name, queryHash)
	if err != nil {
		return "", retryAfter(w.cfg.RetryDelay, fmt.Errorf("should scrape: %w", err))
	}
	if !ok {
		log.Debug("crawl not eligible")
		return statusSkipped, nil
	}
	claim, err := w.Progress.ClaimNextPage(ctx, r.Name, queryHash, normalized)
	if err != nil {
		return "", retryAfter(w.cfg.RetryDelay, fmt.Errorf("claim page: %w", err))
	}
	telemetry.ObserveCrawlClaim(r.Name, claim != nil)
	if claim == nil {
		log.Debug("page already claimed")
		return statusSkipped, nil
	}
	log = log.With(zap.Int("page", claim.PageNumber), zap.Int("scroll_offset", claim.ScrollOffset))

	target := r.SearchURLFor(normalized, claim.PageNumber, claim.ScrollOffset)
	opts := orchestrator.Options{WaitSelector: r.Selectors.Item}
	if r.ScrollBased {
		opts.ScrollSteps = r.ScrollSteps
	}
	res := w.Scraper.Scrape(ctx, target, r.Domain, opts)
	if !res.Success {
		w.markFailed(ctx, log, claim)
		telemetry.ObserveCrawlPage(r.Name, statusFailed)
		return "", retryAfter(w.failureDelay(res, job.Attempt), fmt.Errorf("scrape %s: %s", target, res.Error))
	}

	status, err := w.persistPage(ctx, job, r, queryHash, claim, res)
	if err != nil {
		w.markFailed(ctx, log, claim)
		telemetry.ObserveCrawlPage(r.Name, statusFailed)
		return "", retryAfter(w.backoff(job.Attempt), err)
	}
	telemetry.ObserveCrawlPage(r.Name, status)
	log.Info("crawl page finished", zap.String("status", status))

	if status == statusComplete && job.Pages > 1 {
		w.enqueueNextPage(ctx, job, log)
	}
	return status, nil
}

func (w *Worker) persistPage(
	ctx context.Context,
	job crawler.ScrapeJob,
	r crawler.Retailer,
	queryHash string,
	claim *store.Claim,
	res crawler.ScrapeResult,
) (string, error) {
	now := w.Clock.Now()
	parsed := w.Parser.Parse(res.Data.HTML, r.Name)

	inserted, fresh := 0, 0
	if len(parsed) > 0 {
		products := make([]store.Product, 0, len(parsed))
		links := make([]store.ProductLink, 0, len(parsed))
		ids := make([]string, 0, len(parsed))
		for i, p := range parsed {
			prod := toProduct(p, r.Name, now)
			products = append(products, prod)
			ids = append(ids, prod.ID)
			links = append(links, store.ProductLink{
				ProductID:  prod.ID,
				QueryHash:  queryHash,
				Retailer:   r.Name,
				PageNumber: claim.PageNumber,
				Rank:       claim.ScrollOffset + i + 1,
			})
		}
		seen, err := w.Products.ExistingLinks(ctx, r.Name, queryHash, ids)
		if err != nil {
			return "", fmt.Errorf("existing links: %w", err)
		}
		fresh = len(parsed) - countBefore(seen, claim)
		if err := w.Products.UpsertProducts(ctx, products); err != nil {
			return "", fmt.Errorf("upsert products: %w", err)
		}
		n, err := w.Products.LinkProducts(ctx, links)
		if err != nil {
			return "", fmt.Errorf("link products: %w", err)
		}
		inserted = n
	}

	// A page is exhausted when every product on it was already discovered at
	// an earlier position. Links left by a failed attempt at this same
	// position still count as fresh so a retry cannot end the crawl.
	exhausted := fresh == 0
	blobURI := w.archive(ctx, pagePath(r.Name, queryHash, claim), res.Data.HTML)

	if err := w.publishEvent(ctx, crawler.ScrapeEvent{
		JobID:      job.ID,
		Retailer:   r.Name,
		QueryHash:  queryHash,
		Page:       claim.PageNumber,
		Products:   len(parsed),
		NewLinks:   inserted,
		BlobURI:    blobURI,
		Exhausted:  exhausted,
		OccurredAt: now,
	}); err != nil {
		return "", err
	}

	sctx, cancel := w.detached(ctx)
	defer cancel()
	switch {
	case exhausted:
		if err := w.Progress.MarkExhausted(sctx, claim.ProgressID); err != nil {
			return "", fmt.Errorf("mark exhausted: %w", err)
		}
		return statusExhausted, nil
	case r.ScrollBased:
		if err := w.Progress.UpdateScrollOffset(sctx, claim.ProgressID, claim.ScrollOffset+len(parsed)); err != nil {
			return "", fmt.Errorf("update scroll offset: %w", err)
		}
	default:
		if err := w.Progress.MarkPageComplete(sctx, claim.ProgressID, len(parsed)); err != nil {
			return "", fmt.Errorf("mark page complete: %w", err)
		}
	}
	return statusComplete, nil
}

func (w *Worker) publishEvent(ctx context.Context, ev crawler.ScrapeEvent) error {
	if w.cfg.Topic == "" || w.Publisher == nil {
		return nil
	}
	if _, err := w.Publisher.Publish(ctx, w.cfg.Topic, ev); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, log *zap.Logger, claim *store.Claim) {
	sctx, cancel := w.detached(ctx)
	defer cancel()
	if err := w.Progress.MarkFailed(sctx, claim.ProgressID); err != nil {
		log.Error("mark failed", zap.Error(err))
	}
}

func (w *Worker) enqueueNextPage(ctx context.Context, job crawler.ScrapeJob, log *zap.Logger) {
	next := job
	next.Pages--
	next.Attempt = 0
	next.Submitted = w.Clock.Now()
	if w.IDs != nil {
		if id, err := w.IDs.NewID(); err == nil {
			next.ID = id
		}
	}
	if err := w.Queue.Enqueue(ctx, next); err != nil {
		log.Warn("enqueue next page failed", zap.Error(err))
	}
}

func countBefore(links []store.ProductLink, claim *store.Claim) int {
	n := 0
	for _, l := range links {
		if l.Before(claim.PageNumber, claim.ScrollOffset) {
			n++
		}
	}
	return n
}

func pagePath(retailer, queryHash string, claim *store.Claim) string {
	if claim.ScrollOffset > 0 {
		return fmt.Sprintf("%s/%s/offset-%06d.html", retailer, queryHash, claim.ScrollOffset)
	}
	return fmt.Sprintf("%s/%s/page-%04d.html", retailer, queryHash, claim.PageNumber)
}
