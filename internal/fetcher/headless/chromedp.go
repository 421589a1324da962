// Package headless executes browser-automation fetches on pool-leased Chrome
// instances.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/browser"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/policy/robots"
)

// Config controls the behavior of the headless executor.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ScrollDelay       time.Duration
}

// LeasePool is the slice of *browser.Pool the executor needs.
type LeasePool interface {
	Acquire(ctx context.Context, domain string) (*browser.Lease, error)
	ReportSuccess(ctx context.Context, instanceID string, bytesUsed int64)
	ReportFailure(ctx context.Context, instanceID string)
}

// pageRunner drives one tab. Swapped out in tests.
type pageRunner func(ctx context.Context, lease *browser.Lease, req crawler.FetchRequest) (pageResult, error)

type pageResult struct {
	html     string
	finalURL string
	status   int
	headers  http.Header
	bytes    int64
}

// Executor implements crawler.Executor on top of a browser pool.
type Executor struct {
	cfg    Config
	pool   LeasePool
	run    pageRunner
	robots robots.Policy
	logger *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRobots checks each URL against p before a browser is leased.
func WithRobots(p robots.Policy) Option {
	return func(e *Executor) { e.robots = p }
}

// New creates a headless executor.
func New(cfg Config, pool LeasePool, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = 750 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{cfg: cfg, pool: pool, logger: logger}
	e.run = e.runChromedp
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute leases a browser, renders the page and reports the outcome to the
// pool. Capacity failures are returned as errors; navigation and HTTP
// failures come back as unsuccessful results.
func (e *Executor) Execute(ctx context.Context, req crawler.FetchRequest) (crawler.RawResult, error) {
	if e.robots != nil && !e.robots.Allowed(ctx, req.URL) {
		e.logger.Info("blocked by robots.txt", zap.String("url", req.URL))
		return crawler.RawResult{URL: req.URL, Error: "disallowed by robots.txt"}, nil
	}
	lease, err := e.pool.Acquire(ctx, req.Domain)
	if err != nil {
		return crawler.RawResult{}, fmt.Errorf("acquire browser: %w", err)
	}
	defer lease.Release()

	timeout := e.cfg.NavigationTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	page, err := e.run(runCtx, lease, req)
	result := crawler.RawResult{
		URL:        req.URL,
		Duration:   time.Since(start),
		ProxyID:    lease.Proxy.ID,
		InstanceID: lease.InstanceID,
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return result, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		e.pool.ReportFailure(ctx, lease.InstanceID)
		result.Error = err.Error()
		return result, nil
	}

	result.URL = page.finalURL
	result.StatusCode = page.status
	result.Headers = page.headers
	result.HTML = []byte(page.html)
	result.BytesUsed = page.bytes
	if result.BytesUsed == 0 {
		result.BytesUsed = int64(len(page.html))
	}
	if page.status >= http.StatusBadRequest {
		e.pool.ReportFailure(ctx, lease.InstanceID)
		result.Error = fmt.Sprintf("http %d: %s", page.status, http.StatusText(page.status))
		return result, nil
	}
	e.pool.ReportSuccess(ctx, lease.InstanceID, result.BytesUsed)
	result.Success = true
	return result, nil
}

func (e *Executor) runChromedp(ctx context.Context, lease *browser.Lease, req crawler.FetchRequest) (pageResult, error) {
	tabCtx, cancelTab := chromedp.NewContext(lease.Browser.Context())
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	meta := newResponseMeta()
	authenticate := lease.Proxy.Username != ""
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		if authenticate {
			handleAuthEvent(tabCtx, ev, lease.Proxy)
		}
	})

	var html, finalURL string
	actions := []chromedp.Action{
		e.networkSetupAction(req.Headers, authenticate),
		chromedp.Navigate(req.URL),
	}
	waitFor := "body"
	if req.WaitSelector != "" {
		waitFor = req.WaitSelector
	}
	actions = append(actions,
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
		chromedp.Sleep(e.cfg.SettleDelay),
	)
	for i := 0; i < req.ScrollSteps; i++ {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(e.cfg.ScrollDelay),
		)
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return pageResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, url := meta.snapshotWithFallbacks(req.URL, finalURL)
	return pageResult{
		html:     html,
		finalURL: url,
		status:   status,
		headers:  headers,
		bytes:    meta.bytes(),
	}, nil
}

func (e *Executor) networkSetupAction(headers http.Header, interceptAuth bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if interceptAuth {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// handleAuthEvent answers proxy auth challenges with the lease's credentials
// and resumes every paused request. Event handlers must not block, so the
// replies run on their own goroutines.
func handleAuthEvent(tabCtx context.Context, ev any, proxy crawler.Proxy) {
	switch ev := ev.(type) {
	case *fetch.EventAuthRequired:
		go func() {
			c := chromedp.FromContext(tabCtx)
			reply := fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: proxy.Username,
				Password: proxy.Password,
			})
			_ = reply.Do(cdp.WithExecutor(tabCtx, c.Target))
		}()
	case *fetch.EventRequestPaused:
		go func() {
			c := chromedp.FromContext(tabCtx)
			_ = fetch.ContinueRequest(ev.RequestID).Do(cdp.WithExecutor(tabCtx, c.Target))
		}()
	}
}

type responseMeta struct {
	mu       sync.RWMutex
	status   int
	headers  http.Header
	url      string
	received atomic.Int64
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.capture(e)
	case *network.EventLoadingFinished:
		m.received.Add(int64(e.EncodedDataLength))
	}
}

func (m *responseMeta) bytes() int64 {
	return m.received.Load()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
