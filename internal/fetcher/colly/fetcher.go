// Package collyfetcher implements the lightweight fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// ProxySelector assigns an upstream proxy per request and receives health
// feedback. *proxy.Scheduler satisfies it.
type ProxySelector interface {
	SelectProxy(ctx context.Context, domain string) (crawler.Proxy, error)
	ReportFailure(ctx context.Context, proxyID, domain string)
	ReportSuccess(ctx context.Context, proxyID string, bytes int64)
}

// Fetcher implements crawler.Executor with a fresh collector per request.
// Transports are cached per proxy so connections are pooled across requests.
type Fetcher struct {
	cfg          Config
	proxies      ProxySelector
	newTransport func(crawler.Proxy) http.RoundTripper

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTransportFactory overrides how per-proxy transports are built.
func WithTransportFactory(fn func(crawler.Proxy) http.RoundTripper) Option {
	return func(f *Fetcher) { f.newTransport = fn }
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil selector fetches directly.
func New(cfg Config, proxies ProxySelector, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	f := &Fetcher{
		cfg:          cfg,
		proxies:      proxies,
		newTransport: newHTTPTransport,
		transports:   make(map[string]http.RoundTripper),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// page is what the collector hooks observed.
type page struct {
	url        string
	statusCode int
	headers    http.Header
	body       []byte
	err        error
}

// Execute performs a single GET through the selected proxy. Proxy selection
// failures are capacity errors; transport and HTTP failures come back as
// unsuccessful results.
func (f *Fetcher) Execute(ctx context.Context, req crawler.FetchRequest) (crawler.RawResult, error) {
	var px crawler.Proxy
	if f.proxies != nil {
		var err error
		px, err = f.proxies.SelectProxy(ctx, req.Domain)
		if err != nil {
			return crawler.RawResult{}, fmt.Errorf("%w: %w", crawler.ErrCapacity, err)
		}
	}

	timeout := f.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var observed page
	start := time.Now()
	collector := f.buildCollector(runCtx, px, timeout)
	f.configureCollectorHooks(collector, req, &observed)
	finished, visitErr := f.runCollector(runCtx, collector, req.URL)

	result := crawler.RawResult{
		URL:      req.URL,
		Duration: time.Since(start),
		ProxyID:  px.ID,
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return result, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	// Hooks may still be running when Visit was abandoned; observed is only
	// read once Visit has returned.
	if !finished {
		f.reportFailure(ctx, px, req.Domain)
		result.Error = visitErr.Error()
		return result, nil
	}

	if observed.statusCode == 0 {
		err := visitErr
		if err == nil {
			err = observed.err
		}
		if err == nil {
			err = errors.New("no response received")
		}
		f.reportFailure(ctx, px, req.Domain)
		result.Error = err.Error()
		return result, nil
	}

	result.URL = observed.url
	result.StatusCode = observed.statusCode
	result.Headers = observed.headers
	result.HTML = observed.body
	result.BytesUsed = int64(len(observed.body)) + headerBytes(observed.headers)

	if observed.statusCode >= http.StatusBadRequest {
		result.Error = fmt.Sprintf("http %d: %s", observed.statusCode, http.StatusText(observed.statusCode))
		if blockedStatus(observed.statusCode) {
			f.reportFailure(ctx, px, req.Domain)
		} else {
			f.reportSuccess(ctx, px, result.BytesUsed)
		}
		return result, nil
	}
	f.reportSuccess(ctx, px, result.BytesUsed)
	result.Success = true
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, px crawler.Proxy, timeout time.Duration) *colly.Collector {
	collector := colly.NewCollector(colly.AllowURLRevisit(), colly.StdlibContext(ctx))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transportFor(px))
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request crawler.FetchRequest, observed *page) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		capture(observed, r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			capture(observed, r)
		}
		observed.err = err
	})
}

func capture(observed *page, r *colly.Response) {
	observed.statusCode = r.StatusCode
	if r.Request != nil && r.Request.URL != nil {
		observed.url = r.Request.URL.String()
	}
	if r.Headers != nil {
		observed.headers = r.Headers.Clone()
	}
	observed.body = append([]byte(nil), r.Body...)
}

// runCollector reports finished=false when ctx ended before Visit returned.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) (finished bool, err error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		return true, nil
	}
}

func (f *Fetcher) transportFor(px crawler.Proxy) http.RoundTripper {
	key := px.ID
	if key == "" {
		key = px.Address()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.transports[key]; ok {
		return rt
	}
	rt := f.newTransport(px)
	f.transports[key] = rt
	return rt
}

func (f *Fetcher) reportFailure(ctx context.Context, px crawler.Proxy, domain string) {
	if f.proxies != nil && px.ID != "" {
		f.proxies.ReportFailure(ctx, px.ID, domain)
	}
}

func (f *Fetcher) reportSuccess(ctx context.Context, px crawler.Proxy, bytes int64) {
	if f.proxies != nil && px.ID != "" {
		f.proxies.ReportSuccess(ctx, px.ID, bytes)
	}
}

// blockedStatus reports statuses that usually mean the exit IP is burned.
func blockedStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusProxyAuthRequired, http.StatusTooManyRequests:
		return true
	}
	return false
}

func headerBytes(h http.Header) int64 {
	var n int64
	for k, values := range h {
		for _, v := range values {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(px crawler.Proxy) http.RoundTripper {
	proxyFunc := http.ProxyFromEnvironment
	if u := px.URL(); u != nil {
		proxyFunc = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
