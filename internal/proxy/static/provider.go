// Package static implements a proxy provider over a fixed, configured list.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/proxy"
)

// Config tunes failure cooldown.
type Config struct {
	// MaxFailures consecutive failures put a proxy into cooldown.
	MaxFailures int
	// Cooldown is how long a failing proxy is skipped.
	Cooldown time.Duration
}

// Usage summarizes accounting for one proxy.
type Usage struct {
	ProxyID       string    `json:"proxy_id"`
	Region        string    `json:"region,omitempty"`
	Requests      int64     `json:"requests"`
	Failures      int64     `json:"failures"`
	BytesUsed     int64     `json:"bytes_used"`
	EstimatedCost float64   `json:"estimated_cost"`
	CoolingDown   bool      `json:"cooling_down"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

type entry struct {
	proxy         crawler.Proxy
	consecutive   int
	totalFailures int64
	requests      int64
	bytes         int64
	lastFailure   time.Time
}

// Provider rotates round-robin through configured proxies, skipping any in
// failure cooldown. When every proxy is cooling down it hands out the one
// whose cooldown ends first.
type Provider struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	next    int
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(p *Provider) { p.now = fn }
}

// New creates a Provider. Proxies without an id get one derived from their address.
func New(proxies []crawler.Proxy, cfg Config, opts ...Option) (*Provider, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("static provider: %w", proxy.ErrNoProxyAvailable)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	p := &Provider{
		cfg:  cfg,
		now:  time.Now,
		byID: make(map[string]*entry, len(proxies)),
	}
	for _, px := range proxies {
		if px.ID == "" {
			px.ID = px.Address()
		}
		if _, dup := p.byID[px.ID]; dup {
			return nil, fmt.Errorf("static provider: duplicate proxy id %q", px.ID)
		}
		e := &entry{proxy: px}
		p.entries = append(p.entries, e)
		p.byID[px.ID] = e
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// GetProxy implements proxy.Provider.
func (p *Provider) GetProxy(_ context.Context, _ string) (crawler.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.entries)
	var fallback *entry
	for i := 0; i < n; i++ {
		e := p.entries[(p.next+i)%n]
		if !p.coolingDown(e, now) {
			p.next = (p.next + i + 1) % n
			e.requests++
			return e.proxy, nil
		}
		if fallback == nil || e.lastFailure.Before(fallback.lastFailure) {
			fallback = e
		}
	}
	fallback.requests++
	return fallback.proxy, nil
}

// ReportFailure implements proxy.Provider.
func (p *Provider) ReportFailure(_ context.Context, proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[proxyID]
	if !ok {
		return fmt.Errorf("unknown proxy %q", proxyID)
	}
	e.consecutive++
	e.totalFailures++
	e.lastFailure = p.now()
	return nil
}

// ReportSuccess implements proxy.Provider.
func (p *Provider) ReportSuccess(_ context.Context, proxyID string, bytes int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[proxyID]
	if !ok {
		return fmt.Errorf("unknown proxy %q", proxyID)
	}
	e.consecutive = 0
	if bytes > 0 {
		e.bytes += bytes
	}
	return nil
}

// Usage reports per-proxy accounting in configuration order.
func (p *Provider) Usage() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]Usage, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Usage{
			ProxyID:       e.proxy.ID,
			Region:        e.proxy.Region,
			Requests:      e.requests,
			Failures:      e.totalFailures,
			BytesUsed:     e.bytes,
			EstimatedCost: e.proxy.CostPerGB * float64(e.bytes) / 1e9,
			CoolingDown:   p.coolingDown(e, now),
			LastFailure:   e.lastFailure,
		})
	}
	return out
}

func (p *Provider) coolingDown(e *entry, now time.Time) bool {
	return e.consecutive >= p.cfg.MaxFailures && now.Sub(e.lastFailure) < p.cfg.Cooldown
}
