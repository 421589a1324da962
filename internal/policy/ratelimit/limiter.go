// Package ratelimit implements per-domain token buckets that pace requests to
// retailer sites.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

// DomainLimit overrides the default pacing for one domain.
type DomainLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Domains      map[string]DomainLimit
}

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]DomainLimit
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a new Limiter. A non-positive rate disables pacing.
func New(cfg Config) *Limiter {
	overrides := make(map[string]DomainLimit, len(cfg.Domains))
	for domain, lim := range cfg.Domains {
		overrides[strings.ToLower(domain)] = lim
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: toBurst(cfg.DefaultBurst),
	}
}

// Wait blocks until a token is available for the domain, respecting the context.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	key := strings.ToLower(domain)
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if ok {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if o, ok := l.overrides[key]; ok {
		r, burst = toLimit(o.RPS), toBurst(o.Burst)
	}
	limiter = rate.NewLimiter(r, burst)
	l.limiters[key] = limiter
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func toBurst(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}
