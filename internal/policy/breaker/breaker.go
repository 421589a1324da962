// Package breaker tracks rolling per-domain scrape outcomes and decides when
// a domain should be backed off.
package breaker

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Config controls the rolling window and trip threshold.
type Config struct {
	// Window is how long counters accumulate before a lazy reset.
	Window time.Duration
	// MinObservations is the combined count required before evaluating.
	MinObservations int
	// FailureRatio trips the breaker when failures/total exceeds it. Values
	// outside (0, 1] fall back to the default.
	FailureRatio float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:          5 * time.Minute,
		MinObservations: 4,
		FailureRatio:    0.5,
	}
}

// Stats is a point-in-time view of one domain.
type Stats struct {
	Domain      string    `json:"domain"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	FailureRate float64   `json:"failure_rate"`
	WindowStart time.Time `json:"window_start"`
	BackingOff  bool      `json:"backing_off"`
}

type domainMetrics struct {
	successes int
	failures  int
	lastReset time.Time
}

// Breaker holds per-domain counters behind a mutex. Windows reset lazily on
// access, never on a timer.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	domains map[string]*domainMetrics
	now     func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) { b.now = fn }
}

// New creates a Breaker. Zero config fields take the defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = def.MinObservations
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = def.FailureRatio
	}
	b := &Breaker{
		cfg:     cfg,
		domains: make(map[string]*domainMetrics),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RecordSuccess counts a successful scrape for domain.
func (b *Breaker) RecordSuccess(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metricsFor(domain).successes++
}

// RecordFailure counts a failed scrape for domain.
func (b *Breaker) RecordFailure(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metricsFor(domain).failures++
}

// ShouldBackOff reports whether the domain's failure rate in the current
// window exceeds the configured ratio.
func (b *Breaker) ShouldBackOff(domain string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped(b.metricsFor(domain))
}

// Stats returns a snapshot of every tracked domain, sorted by domain.
func (b *Breaker) Stats() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Stats, 0, len(b.domains))
	for domain := range b.domains {
		m := b.metricsFor(domain)
		st := Stats{
			Domain:      domain,
			Successes:   m.successes,
			Failures:    m.failures,
			WindowStart: m.lastReset,
			BackingOff:  b.tripped(m),
		}
		if total := m.successes + m.failures; total > 0 {
			st.FailureRate = float64(m.failures) / float64(total)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// metricsFor returns the counters for domain, resetting an expired window.
// Must be called with mu held.
func (b *Breaker) metricsFor(domain string) *domainMetrics {
	key := strings.ToLower(domain)
	now := b.now()
	m, ok := b.domains[key]
	if !ok {
		m = &domainMetrics{lastReset: now}
		b.domains[key] = m
		return m
	}
	if now.Sub(m.lastReset) > b.cfg.Window {
		m.successes = 0
		m.failures = 0
		m.lastReset = now
	}
	return m
}

func (b *Breaker) tripped(m *domainMetrics) bool {
	total := m.successes + m.failures
	if total < b.cfg.MinObservations {
		return false
	}
	return float64(m.failures)/float64(total) > b.cfg.FailureRatio
}
