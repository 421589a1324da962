package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CrawlStatus mirrors the crawl_progress status column.
type CrawlStatus string

// Crawl progress states.
const (
	StatusIdle       CrawlStatus = "idle"
	StatusInProgress CrawlStatus = "in_progress"
	StatusCompleted  CrawlStatus = "completed"
	StatusFailed     CrawlStatus = "failed"
)

// CrawlProgress models one (retailer, query hash) pagination ledger row.
type CrawlProgress struct {
	// ID is the primary key handed out in claims.
	ID string `json:"id"`
	// Retailer and QueryHash form the natural key.
	Retailer  string `json:"retailer"`
	QueryHash string `json:"query_hash"`
	// Query is the normalized query text.
	Query  string      `json:"query"`
	Status CrawlStatus `json:"status"`
	// LastPage is the last page completed; 0 before the first.
	LastPage      int  `json:"last_page"`
	TotalProducts int  `json:"total_products"`
	Exhausted     bool `json:"exhausted"`
	// ScrollOffset is used instead of LastPage by infinite-scroll sources.
	ScrollOffset  int        `json:"scroll_offset"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Claim is the exclusive right to fetch the next page of a crawl.
type Claim struct {
	ProgressID   string `json:"progress_id"`
	PageNumber   int    `json:"page_number"`
	ScrollOffset int    `json:"scroll_offset"`
}

// ProgressTracker persists per (retailer, query) crawl state. Claims are
// atomic: of any number of concurrent ClaimNextPage calls for the same key at
// most one gets a non-nil Claim.
type ProgressTracker interface {
	// ShouldScrape is true when no row exists or the row is neither exhausted
	// nor in progress.
	ShouldScrape(ctx context.Context, retailer, queryHash string) (bool, error)
	// ClaimNextPage returns nil when another worker holds the claim or the
	// crawl is exhausted.
	ClaimNextPage(ctx context.Context, retailer, queryHash, normalizedQuery string) (*Claim, error)
	// MarkPageComplete advances last_page by one, adds productsFound and
	// returns the row to idle.
	MarkPageComplete(ctx context.Context, progressID string, productsFound int) error
	// MarkExhausted is terminal for the key.
	MarkExhausted(ctx context.Context, progressID string) error
	MarkFailed(ctx context.Context, progressID string) error
	// UpdateScrollOffset records the offset and returns the row to idle.
	UpdateScrollOffset(ctx context.Context, progressID string, offset int) error
	// Get loads a row or returns ErrNotFound.
	Get(ctx context.Context, retailer, queryHash string) (CrawlProgress, error)
}

// StatusView is the user-visible crawl status vocabulary.
type StatusView string

// Values reported to pollers.
const (
	ViewIdle           StatusView = "idle"
	ViewInProgress     StatusView = "in_progress"
	ViewFailed         StatusView = "failed"
	ViewCompletedFresh StatusView = "completed_fresh"
	ViewCompletedStale StatusView = "completed_stale"
)

// DeriveStatus maps a progress row to the polling vocabulary. A completed crawl
// turns stale once staleAfter has passed since its last page; a non-positive
// staleAfter never goes stale. A nil row is idle.
func DeriveStatus(p *CrawlProgress, now time.Time, staleAfter time.Duration) StatusView {
	if p == nil {
		return ViewIdle
	}
	switch {
	case p.Status == StatusInProgress:
		return ViewInProgress
	case p.Status == StatusFailed:
		return ViewFailed
	case p.Status == StatusCompleted || p.Exhausted:
		if staleAfter > 0 && (p.LastCrawledAt == nil || now.Sub(*p.LastCrawledAt) > staleAfter) {
			return ViewCompletedStale
		}
		return ViewCompletedFresh
	default:
		return ViewIdle
	}
}
