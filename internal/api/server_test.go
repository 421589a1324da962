package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/browser"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/config"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/hash/sha256"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/policy/breaker"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/storage/memory"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/worker"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "job-" + string(rune('0'+s.n)), nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []crawler.ScrapeJob
	err  error
}

func (f *fakeJobs) Enqueue(_ context.Context, job crawler.ScrapeJob) (crawler.ScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return crawler.ScrapeJob{}, f.err
	}
	job.ID = "queued"
	f.jobs = append(f.jobs, job)
	return job, nil
}

type fakeDetail struct {
	product store.Product
	err     error
	block   chan struct{}
	got     chan crawler.ScrapeJob
}

func (f *fakeDetail) ScrapeDetail(ctx context.Context, job crawler.ScrapeJob) (store.Product, error) {
	if f.got != nil {
		f.got <- job
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return store.Product{}, ctx.Err()
		}
	}
	return f.product, f.err
}

type fakePool struct{}

func (fakePool) Stats() browser.Stats { return browser.Stats{Total: 2, Healthy: 1, Dead: 1} }

type fakeBreaker struct{}

func (fakeBreaker) Stats() []breaker.Stats {
	return []breaker.Stats{{Domain: "amazon.in", Failures: 4, FailureRate: 1, BackingOff: true}}
}

type harness struct {
	server   *Server
	jobs     *fakeJobs
	detail   *fakeDetail
	progress *memory.ProgressStore
	products *memory.ProductStore
	hasher   crawler.Hasher
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	products := memory.NewProductStore()
	h := &harness{
		jobs:     &fakeJobs{},
		detail:   &fakeDetail{},
		progress: memory.NewProgressStore(memory.WithClock(func() time.Time { return testNow })),
		products: products,
		hasher:   sha256.New(),
	}
	deps := Deps{
		Jobs:     h.jobs,
		Detail:   h.detail,
		Progress: h.progress,
		Cursor:   memory.NewCursorStore(products),
		Products: products,
		Hasher:   h.hasher,
		IDs:      &seqIDs{},
		Clock:    fixedClock{},
		Retailers: []crawler.Retailer{
			{Name: "amazon", Domain: "amazon.in", SearchURL: "https://www.amazon.in/s?k={query}"},
			{Name: "flipkart", Domain: "flipkart.com", SearchURL: "https://www.flipkart.com/search?q={query}"},
		},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.server = NewServer(deps, cfg, nil)
	return h
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) queryHash(t *testing.T, q string) string {
	t.Helper()
	_, hash, err := store.QueryKey(h.hasher, q)
	require.NoError(t, err)
	return hash
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Checks = []Check{
			{Name: "ok", Run: func(context.Context) error { return nil }},
			{Name: "db", Run: func(context.Context) error { return errors.New("down") }},
		}
	})

	rec := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "down")

	rec = h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitCrawlFansOutToRetailers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/crawl", `{"query":"  Running   SHOES ","pages":50}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[crawlResponse](t, rec)
	assert.Equal(t, "running shoes", resp.Query)
	assert.Equal(t, h.queryHash(t, "running shoes"), resp.QueryHash)
	require.Len(t, h.jobs.jobs, 2)
	for _, job := range h.jobs.jobs {
		assert.Equal(t, crawler.JobCrawlPage, job.Kind)
		assert.Equal(t, "running shoes", job.Query)
		assert.Equal(t, maxPagesPerRequest, job.Pages)
		assert.Equal(t, 1, job.Attempt)
	}
}

func TestSubmitCrawlValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty query", `{"query":"   "}`, http.StatusBadRequest},
		{"unknown retailer", `{"query":"tv","retailers":["ebay"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			rec := h.do(t, http.MethodPost, "/v1/crawl", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, h.jobs.jobs)
		})
	}
}

func TestSubmitCrawlSingleRetailerCaseInsensitive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/crawl", `{"query":"tv","retailers":["AMAZON","amazon"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.jobs.jobs, 1)
	assert.Equal(t, "amazon", h.jobs.jobs[0].Retailer)
	assert.Equal(t, 1, h.jobs.jobs[0].Pages)
}

func TestSubmitCrawlEnqueueFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.jobs.err = errors.New("queue full")
	rec := h.do(t, http.MethodPost, "/v1/crawl", `{"query":"tv"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCrawlStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	rec := h.do(t, http.MethodGet, "/v1/crawl/amazon/status?q=tv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.ViewIdle, decode[statusResponse](t, rec).Status)

	hash := h.queryHash(t, "tv")
	claim, err := h.progress.ClaimNextPage(ctx, "amazon", hash, "tv")
	require.NoError(t, err)
	rec = h.do(t, http.MethodGet, "/v1/crawl/amazon/status?q=TV", "")
	assert.Equal(t, store.ViewInProgress, decode[statusResponse](t, rec).Status)

	require.NoError(t, h.progress.MarkPageComplete(ctx, claim.ProgressID, 10))
	require.NoError(t, h.progress.MarkExhausted(ctx, claim.ProgressID))
	rec = h.do(t, http.MethodGet, "/v1/crawl/amazon/status?q=tv", "")
	resp := decode[statusResponse](t, rec)
	assert.Equal(t, store.ViewCompletedFresh, resp.Status)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 10, resp.Progress.TotalProducts)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/crawl/ebay/status?q=tv", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/crawl/amazon/status", "").Code)
}

func seedResults(t *testing.T, h *harness, q string, perRetailer int) {
	t.Helper()
	ctx := context.Background()
	hash := h.queryHash(t, q)
	for _, retailer := range []string{"amazon", "flipkart"} {
		var products []store.Product
		var links []store.ProductLink
		for i := range perRetailer {
			id := store.ProductID(retailer, string(rune('a'+i)))
			products = append(products, store.Product{ID: id, Retailer: retailer, ExternalID: string(rune('a' + i)), Title: id})
			links = append(links, store.ProductLink{ProductID: id, QueryHash: hash, Retailer: retailer, PageNumber: 1, Rank: i + 1})
		}
		require.NoError(t, h.products.UpsertProducts(ctx, products))
		_, err := h.products.LinkProducts(ctx, links)
		require.NoError(t, err)
	}
}

func TestChatResultsPagesWithoutRepeats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	seedResults(t, h, "tv", 3)

	seen := map[string]bool{}
	for _, want := range []int{4, 2, 0} {
		rec := h.do(t, http.MethodGet, "/v1/chats/c1/results?q=tv&limit=4", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[resultsResponse](t, rec)
		assert.Len(t, resp.Products, want)
		assert.Equal(t, 6, resp.TotalAvailable)
		for _, p := range resp.Products {
			assert.False(t, seen[p.ID], "product %s served twice", p.ID)
			seen[p.ID] = true
		}
	}
	assert.Len(t, seen, 6)

	rec := h.do(t, http.MethodDelete, "/v1/chats/c1/cursors?q=tv", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/chats/c1/results?q=tv&limit=4", "")
	assert.Len(t, decode[resultsResponse](t, rec).Products, 4)
}

func TestChatResultsRetailerFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	seedResults(t, h, "tv", 3)

	rec := h.do(t, http.MethodGet, "/v1/chats/c1/results?q=tv&retailers=Flipkart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[resultsResponse](t, rec)
	require.Len(t, resp.Products, 3)
	for _, p := range resp.Products {
		assert.Equal(t, "flipkart", p.Retailer)
	}
	assert.Equal(t, 3, resp.Offsets["flipkart"])

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/chats/c1/results?q=tv&retailers=ebay", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/chats/c1/results?q=tv&limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/chats/c1/results", "").Code)
}

func TestScrapeProductOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		want   int
		status string
	}{
		{"complete", nil, http.StatusOK, "complete"},
		{"locked", worker.ErrLocked, http.StatusConflict, "locked"},
		{"unparseable", worker.ErrUnparseable, http.StatusBadGateway, ""},
		{"failed", errors.New("boom"), http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.detail.product = store.Product{ID: "amazon:B01", Title: "TV"}
			h.detail.err = tt.err

			rec := h.do(t, http.MethodPost, "/v1/products/amazon/B01/scrape", "")
			assert.Equal(t, tt.want, rec.Code)
			if tt.status != "" {
				assert.Equal(t, tt.status, decode[scrapeResponse](t, rec).Status)
			}
		})
	}
}

func TestScrapeProductDeadlineReturnsPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config, _ *Deps) {
		c.Inline.Deadline = 20 * time.Millisecond
	})
	h.detail.block = make(chan struct{})
	h.detail.got = make(chan crawler.ScrapeJob, 1)

	rec := h.do(t, http.MethodPost, "/v1/products/amazon/B01/scrape", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[scrapeResponse](t, rec)
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, resp.JobID)

	job := <-h.detail.got
	assert.Equal(t, crawler.JobProductDetail, job.Kind)
	assert.Equal(t, "B01", job.ExternalID)
	close(h.detail.block)
}

func TestScrapeProductURLOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.detail.got = make(chan crawler.ScrapeJob, 1)

	rec := h.do(t, http.MethodPost, "/v1/products/amazon/B01/scrape?url=https://evil.example.com/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/products/amazon/B01/scrape?url=https://www.amazon.in/dp/B01", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://www.amazon.in/dp/B01", (<-h.detail.got).URL)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/products/ebay/B01/scrape", "").Code)
}

func TestGetProduct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	seedResults(t, h, "tv", 1)

	rec := h.do(t, http.MethodGet, "/v1/products/amazon/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "amazon:a", decode[store.Product](t, rec).ID)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/products/amazon/zz", "").Code)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/admin/pool", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/admin/proxies", "").Code)

	h = newHarness(t, func(_ *config.Config, d *Deps) {
		d.Pool = fakePool{}
		d.Breaker = fakeBreaker{}
	})
	rec := h.do(t, http.MethodGet, "/v1/admin/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[browser.Stats](t, rec).Dead)

	rec = h.do(t, http.MethodGet, "/v1/admin/breaker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backing_off":true`)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config, _ *Deps) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})

	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/v1/crawl/amazon/status?q=tv", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/crawl/amazon/status?q=tv&api_key=secret", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code, "health checks stay open")

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/breaker", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Progress = nil
	})
	rec := h.do(t, http.MethodGet, "/v1/crawl/amazon/status?q=tv", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSameSite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url, domain string
		want        bool
	}{
		{"https://www.myntra.com/p/1", "myntra.com", true},
		{"https://www.myntra.com/p/1", "www.Myntra.com", true},
		{"https://m.myntra.com/p/1", "myntra.com", true},
		{"https://evilmyntra.com/p/1", "myntra.com", false},
		{"https://internal.local/p/1", "myntra.com", false},
		{"file:///etc/passwd", "myntra.com", false},
		{"https://myntra.com/p/1", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sameSite(tt.url, tt.domain), "%s vs %s", tt.url, tt.domain)
	}
}
