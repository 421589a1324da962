// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_scrapes_total",
			Help: "Orchestrated scrapes, labeled by domain, strategy and result.",
		},
		[]string{"domain", "strategy", "result"},
	)

	scrapeBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_scrape_bytes_total",
			Help: "Bytes transferred by scrapes, labeled by domain and strategy.",
		},
		[]string{"domain", "strategy"},
	)

	scrapeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_scrape_duration_seconds",
			Help:    "Histogram of scrape latencies, labeled by strategy.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"strategy"},
	)

	breakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_breaker_rejections_total",
			Help: "Scrapes refused because the domain is backing off.",
		},
		[]string{"domain"},
	)

	browserInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_browser_instances",
			Help: "Browser pool instances by health status.",
		},
		[]string{"status"},
	)

	browserRelaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_browser_relaunches_total",
			Help: "Dead browser instances relaunched, labeled by result.",
		},
		[]string{"result"},
	)

	proxySelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_proxy_selections_total",
			Help: "Proxy selections, labeled by proxy id.",
		},
		[]string{"proxy"},
	)

	lockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_lock_acquisitions_total",
			Help: "Scrape lock acquisition attempts, labeled by result.",
		},
		[]string{"result"},
	)

	crawlClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_crawl_claims_total",
			Help: "Crawl progress claim attempts, labeled by retailer and result.",
		},
		[]string{"retailer", "result"},
	)

	crawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_crawl_pages_total",
			Help: "Crawl pages finished, labeled by retailer and outcome.",
		},
		[]string{"retailer", "outcome"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_total",
			Help: "Queued jobs processed, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_rate_limit_delays_seconds",
			Help:    "Histogram of politeness wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveScrape records the outcome of one orchestrated scrape.
func ObserveScrape(domain, strategy string, success bool, bytesUsed int64, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	scrapesTotal.WithLabelValues(domain, strategy, result).Inc()
	if bytesUsed > 0 {
		scrapeBytesTotal.WithLabelValues(domain, strategy).Add(float64(bytesUsed))
	}
	scrapeDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveBreakerRejection records a scrape refused by the circuit breaker.
func ObserveBreakerRejection(domain string) {
	breakerRejectionsTotal.WithLabelValues(domain).Inc()
}

// SetBrowserInstances publishes the pool's health breakdown.
func SetBrowserInstances(healthy, unhealthy, dead int) {
	browserInstances.WithLabelValues("healthy").Set(float64(healthy))
	browserInstances.WithLabelValues("unhealthy").Set(float64(unhealthy))
	browserInstances.WithLabelValues("dead").Set(float64(dead))
}

// ObserveBrowserRelaunch records a relaunch attempt of a dead instance.
func ObserveBrowserRelaunch(ok bool) {
	if ok {
		browserRelaunchesTotal.WithLabelValues("success").Inc()
		return
	}
	browserRelaunchesTotal.WithLabelValues("failure").Inc()
}

// ObserveProxySelection records a proxy handed out by the scheduler.
func ObserveProxySelection(proxyID string) {
	proxySelectionsTotal.WithLabelValues(proxyID).Inc()
}

// ObserveLockAcquire records a scrape lock attempt. Result is one of
// acquired, contended, fail_open or error.
func ObserveLockAcquire(result string) {
	lockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// ObserveCrawlClaim records a progress claim attempt.
func ObserveCrawlClaim(retailer string, claimed bool) {
	result := "claimed"
	if !claimed {
		result = "contended"
	}
	crawlClaimsTotal.WithLabelValues(retailer, result).Inc()
}

// ObserveCrawlPage records how a claimed page finished: complete, exhausted or failed.
func ObserveCrawlPage(retailer, outcome string) {
	crawlPagesTotal.WithLabelValues(retailer, outcome).Inc()
}

// ObserveJob records metrics for a processed job.
func ObserveJob(kind, status string) {
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
