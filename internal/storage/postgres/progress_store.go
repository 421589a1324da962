package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

// ProgressStore implements store.ProgressTracker. The claim is a conditional
// UPDATE; row-level write locking makes it single-winner without any
// external lock.
type ProgressStore struct {
	db DB
	options
}

// NewProgressStore wraps db.
func NewProgressStore(db DB, opts ...Option) *ProgressStore {
	o := buildOptions(opts)
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return &ProgressStore{db: db, options: o}
}

// ShouldScrape implements store.ProgressTracker.
func (s *ProgressStore) ShouldScrape(ctx context.Context, retailer, queryHash string) (bool, error) {
	const query = `
		SELECT status, exhausted
		FROM crawl_progress
		WHERE retailer = $1 AND query_hash = $2;
	`
	var (
		status    string
		exhausted bool
	)
	err := s.db.QueryRow(ctx, query, retailer, queryHash).Scan(&status, &exhausted)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load crawl progress: %w", err)
	}
	return !exhausted && store.CrawlStatus(status) != store.StatusInProgress, nil
}

// ClaimNextPage implements store.ProgressTracker.
func (s *ProgressStore) ClaimNextPage(ctx context.Context, retailer, queryHash, normalizedQuery string) (*store.Claim, error) {
	now := s.now()
	const ensure = `
		INSERT INTO crawl_progress (id, retailer, query_hash, query, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'idle', $5, $5)
		ON CONFLICT (retailer, query_hash) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, ensure, s.newID(), retailer, queryHash, normalizedQuery, now); err != nil {
		return nil, fmt.Errorf("failed to ensure crawl progress: %w", err)
	}

	const claim = `
		UPDATE crawl_progress
		SET status = 'in_progress', updated_at = $3
		WHERE retailer = $1 AND query_hash = $2
		  AND status <> 'in_progress' AND exhausted = false
		RETURNING id::text, last_page, COALESCE(scroll_offset, 0);
	`
	var (
		id       string
		lastPage int
		offset   int
	)
	err := s.db.QueryRow(ctx, claim, retailer, queryHash, now).Scan(&id, &lastPage, &offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim crawl page: %w", err)
	}
	return &store.Claim{ProgressID: id, PageNumber: lastPage + 1, ScrollOffset: offset}, nil
}

// MarkPageComplete implements store.ProgressTracker.
func (s *ProgressStore) MarkPageComplete(ctx context.Context, progressID string, productsFound int) error {
	const query = `
		UPDATE crawl_progress
		SET last_page = last_page + 1,
		    total_products = total_products + $2,
		    status = 'idle',
		    last_crawled_at = $3,
		    updated_at = $3
		WHERE id = $1;
	`
	return s.update(ctx, "complete page", query, progressID, productsFound, s.now())
}

// MarkExhausted implements store.ProgressTracker.
func (s *ProgressStore) MarkExhausted(ctx context.Context, progressID string) error {
	const query = `
		UPDATE crawl_progress
		SET exhausted = true, status = 'completed', last_crawled_at = $2, updated_at = $2
		WHERE id = $1;
	`
	return s.update(ctx, "mark exhausted", query, progressID, s.now())
}

// MarkFailed implements store.ProgressTracker.
func (s *ProgressStore) MarkFailed(ctx context.Context, progressID string) error {
	const query = `
		UPDATE crawl_progress
		SET status = 'failed', updated_at = $2
		WHERE id = $1;
	`
	return s.update(ctx, "mark failed", query, progressID, s.now())
}

// UpdateScrollOffset implements store.ProgressTracker.
func (s *ProgressStore) UpdateScrollOffset(ctx context.Context, progressID string, offset int) error {
	const query = `
		UPDATE crawl_progress
		SET scroll_offset = $2, status = 'idle', last_crawled_at = $3, updated_at = $3
		WHERE id = $1;
	`
	return s.update(ctx, "update scroll offset", query, progressID, offset, s.now())
}

// Get implements store.ProgressTracker.
func (s *ProgressStore) Get(ctx context.Context, retailer, queryHash string) (store.CrawlProgress, error) {
	const query = `
		SELECT id::text, retailer, query_hash, query, status, last_page, total_products,
		       exhausted, COALESCE(scroll_offset, 0), last_crawled_at, updated_at
		FROM crawl_progress
		WHERE retailer = $1 AND query_hash = $2;
	`
	var (
		p      store.CrawlProgress
		status string
	)
	err := s.db.QueryRow(ctx, query, retailer, queryHash).Scan(
		&p.ID,
		&p.Retailer,
		&p.QueryHash,
		&p.Query,
		&status,
		&p.LastPage,
		&p.TotalProducts,
		&p.Exhausted,
		&p.ScrollOffset,
		&p.LastCrawledAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CrawlProgress{}, store.ErrNotFound
	}
	if err != nil {
		return store.CrawlProgress{}, fmt.Errorf("failed to get crawl progress: %w", err)
	}
	p.Status = store.CrawlStatus(status)
	return p, nil
}

func (s *ProgressStore) update(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to %s: %w", op, store.ErrNotFound)
	}
	return nil
}
