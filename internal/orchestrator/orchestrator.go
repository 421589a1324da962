// Package orchestrator is the single entry point for scraping a URL. It picks
// a strategy, consults the circuit breaker and politeness limiter, runs the
// matching executor and accounts the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/strategy"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

// Resolver maps a domain to its strategy.
type Resolver interface {
	Resolve(domain string) crawler.Strategy
}

// RenderDetector spots lightweight responses that need a browser to render.
type RenderDetector interface {
	NeedsRendering(statusCode int, html []byte, waitSelector string) bool
}

// Breaker is the per-domain failure gate.
type Breaker interface {
	RecordSuccess(domain string)
	RecordFailure(domain string)
	ShouldBackOff(domain string) bool
}

// Limiter paces requests per domain.
type Limiter interface {
	Wait(ctx context.Context, domain string) error
}

// Options tune a single scrape.
type Options struct {
	// Strategy overrides domain-based resolution when set.
	Strategy     crawler.Strategy
	Headers      http.Header
	WaitSelector string
	ScrollSteps  int
	Timeout      time.Duration
}

// Orchestrator implements the scrape entry point.
type Orchestrator struct {
	resolver  Resolver
	breaker   Breaker
	limiter   Limiter
	detector  RenderDetector
	executors map[crawler.Strategy]crawler.Executor
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimiter installs a politeness limiter.
func WithLimiter(l Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithRenderDetector enables promotion of script-shell pages from the
// lightweight executor to the browser executor.
func WithRenderDetector(d RenderDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// New wires an Orchestrator. executors maps each strategy to the executor
// that serves it; a strategy without one fails its scrapes.
func New(
	resolver Resolver,
	breaker Breaker,
	executors map[crawler.Strategy]crawler.Executor,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		resolver:  resolver,
		breaker:   breaker,
		executors: executors,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Scrape fetches rawURL and never returns an error: every outcome, including
// executor panics, is a ScrapeResult. An empty domain is derived from rawURL.
func (o *Orchestrator) Scrape(ctx context.Context, rawURL, domain string, opts Options) crawler.ScrapeResult {
	if domain == "" {
		domain = rawURL
	}
	domain = strategy.NormalizeDomain(domain)

	strat := opts.Strategy
	if strat == "" {
		strat = o.resolver.Resolve(domain)
	}
	meta := crawler.ScrapeMetadata{
		Strategy:  strat,
		Domain:    domain,
		Timestamp: o.now(),
	}
	logger := o.logger.With(
		zap.String("domain", domain),
		zap.String("strategy", string(strat)),
		zap.String("url", rawURL),
	)

	if o.breaker.ShouldBackOff(domain) {
		telemetry.ObserveBreakerRejection(domain)
		logger.Info("domain backing off, scrape skipped")
		meta.BackedOff = true
		return failure(meta, fmt.Sprintf("circuit open for %s: too many recent failures, backing off", domain))
	}

	exec, ok := o.executors[strat]
	if !ok || exec == nil {
		return failure(meta, fmt.Sprintf("no executor configured for strategy %q", strat))
	}

	res, out := o.dispatch(ctx, exec, rawURL, strat, opts, meta, logger)

	if o.promoteToBrowser(res, strat, opts) {
		logger.Info("page needs rendering, promoting to browser")
		meta.Strategy = crawler.StrategyBrowser
		meta.Promoted = true
		res, out = o.dispatch(ctx, o.executors[crawler.StrategyBrowser], rawURL, crawler.StrategyBrowser, opts, meta,
			logger.With(zap.String("promoted_from", string(strat))))
	}
	// One scrape is one breaker observation, even when it was promoted.
	switch out {
	case outcomeSuccess:
		o.breaker.RecordSuccess(domain)
	case outcomeFailure:
		o.breaker.RecordFailure(domain)
	}
	return res
}

// outcome is what a dispatch contributes to the domain breaker.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailure
)

// promoteToBrowser reports whether a lightweight result is a script shell that
// only a browser can render. Explicit strategy overrides are never promoted.
func (o *Orchestrator) promoteToBrowser(res crawler.ScrapeResult, strat crawler.Strategy, opts Options) bool {
	if o.detector == nil || !res.Success || res.Data == nil {
		return false
	}
	if strat != crawler.StrategyLightweight || opts.Strategy != "" {
		return false
	}
	if exec, ok := o.executors[crawler.StrategyBrowser]; !ok || exec == nil {
		return false
	}
	return o.detector.NeedsRendering(res.Data.StatusCode, res.Data.HTML, opts.WaitSelector)
}

// dispatch runs one executor under the politeness limiter, records telemetry
// and reports the breaker outcome for the caller to apply.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	exec crawler.Executor,
	rawURL string,
	strat crawler.Strategy,
	opts Options,
	meta crawler.ScrapeMetadata,
	logger *zap.Logger,
) (crawler.ScrapeResult, outcome) {
	domain := meta.Domain
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, domain); err != nil {
			return failure(meta, fmt.Sprintf("rate limit wait: %v", err)), outcomeNone
		}
	}

	start := time.Now()
	raw, err := o.execute(ctx, exec, crawler.FetchRequest{
		URL:          rawURL,
		Domain:       domain,
		Headers:      opts.Headers,
		Timeout:      opts.Timeout,
		WaitSelector: opts.WaitSelector,
		ScrollSteps:  opts.ScrollSteps,
	})
	elapsed := time.Since(start)
	if raw.Duration > 0 {
		elapsed = raw.Duration
	}
	meta.BytesUsed = raw.BytesUsed
	meta.DurationMs = elapsed.Milliseconds()
	meta.ProxyID = raw.ProxyID
	meta.StatusCode = raw.StatusCode

	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrCapacity):
			meta.Capacity = true
			logger.Warn("scrape capacity unavailable", zap.Error(err))
		case ctx.Err() != nil:
			logger.Debug("scrape abandoned by caller", zap.Error(err))
		default:
			telemetry.ObserveScrape(domain, string(strat), false, raw.BytesUsed, elapsed)
			logger.Error("executor failed", zap.Error(err))
			return failure(meta, err.Error()), outcomeFailure
		}
		return failure(meta, err.Error()), outcomeNone
	}

	telemetry.ObserveScrape(domain, string(strat), raw.Success, raw.BytesUsed, elapsed)
	if !raw.Success {
		if d := parseRetryAfter(raw.Headers.Get("Retry-After"), o.now()); d > 0 {
			meta.RetryAfter = d.Milliseconds()
		}
		logger.Warn("scrape failed",
			zap.Int("status", raw.StatusCode),
			zap.String("error", raw.Error),
		)
		msg := raw.Error
		if msg == "" {
			msg = "scrape failed"
		}
		return failure(meta, msg), outcomeFailure
	}

	logger.Debug("scrape succeeded",
		zap.Int("status", raw.StatusCode),
		zap.Int64("bytes", raw.BytesUsed),
		zap.Int64("duration_ms", meta.DurationMs),
	)
	return crawler.ScrapeResult{
		Success: true,
		Data: &crawler.ScrapeData{
			URL:        raw.URL,
			StatusCode: raw.StatusCode,
			Headers:    raw.Headers,
			HTML:       raw.HTML,
		},
		Metadata: meta,
	}, outcomeSuccess
}

func (o *Orchestrator) execute(ctx context.Context, exec crawler.Executor, req crawler.FetchRequest) (raw crawler.RawResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw = crawler.RawResult{URL: req.URL}
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	raw, err = exec.Execute(ctx, req)
	if err != nil {
		return raw, fmt.Errorf("execute %s: %w", req.URL, err)
	}
	return raw, nil
}

func failure(meta crawler.ScrapeMetadata, msg string) crawler.ScrapeResult {
	return crawler.ScrapeResult{Success: false, Error: msg, Metadata: meta}
}
