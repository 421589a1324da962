package orchestrator

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// Default pacing when the server gave no Retry-After.
const (
	DefaultTooManyRequestsDelay    = 30 * time.Second
	DefaultServiceUnavailableDelay = 15 * time.Second
)

// RateLimitError marks a scrape the target refused for pacing reasons.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d), retry after %s: %s", e.StatusCode, e.RetryAfter, e.Message)
}

// CheckRateLimit inspects a failed result and returns a *RateLimitError when
// it looks like a 429 or 503. Everything else returns nil.
func CheckRateLimit(res crawler.ScrapeResult) error {
	if res.Success || res.Metadata.BackedOff || res.Metadata.Capacity {
		return nil
	}
	msg := strings.ToLower(res.Error)
	var (
		code  int
		delay time.Duration
	)
	switch {
	case res.Metadata.StatusCode == http.StatusTooManyRequests,
		strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		code, delay = http.StatusTooManyRequests, DefaultTooManyRequestsDelay
	case res.Metadata.StatusCode == http.StatusServiceUnavailable,
		strings.Contains(msg, "503"), strings.Contains(msg, "service unavailable"):
		code, delay = http.StatusServiceUnavailable, DefaultServiceUnavailableDelay
	default:
		return nil
	}
	if res.Metadata.RetryAfter > 0 {
		delay = time.Duration(res.Metadata.RetryAfter) * time.Millisecond
	}
	return &RateLimitError{StatusCode: code, RetryAfter: delay, Message: res.Error}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
