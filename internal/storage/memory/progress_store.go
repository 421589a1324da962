package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

type progressKey struct {
	retailer  string
	queryHash string
}

// ProgressStore implements store.ProgressTracker behind a mutex; the claim is
// a compare-and-set under the lock.
type ProgressStore struct {
	options

	mu    sync.Mutex
	byKey map[progressKey]*store.CrawlProgress
	byID  map[string]*store.CrawlProgress
}

// NewProgressStore creates an empty ProgressStore.
func NewProgressStore(opts ...Option) *ProgressStore {
	return &ProgressStore{
		options: buildOptions(opts),
		byKey:   make(map[progressKey]*store.CrawlProgress),
		byID:    make(map[string]*store.CrawlProgress),
	}
}

// ShouldScrape implements store.ProgressTracker.
func (s *ProgressStore) ShouldScrape(_ context.Context, retailer, queryHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[progressKey{retailer, queryHash}]
	if !ok {
		return true, nil
	}
	return !p.Exhausted && p.Status != store.StatusInProgress, nil
}

// ClaimNextPage implements store.ProgressTracker.
func (s *ProgressStore) ClaimNextPage(_ context.Context, retailer, queryHash, normalizedQuery string) (*store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := progressKey{retailer, queryHash}
	p, ok := s.byKey[key]
	if !ok {
		p = &store.CrawlProgress{
			ID:        uuid.NewString(),
			Retailer:  retailer,
			QueryHash: queryHash,
			Query:     normalizedQuery,
			Status:    store.StatusIdle,
			UpdatedAt: now,
		}
		s.byKey[key] = p
		s.byID[p.ID] = p
	}
	if p.Status == store.StatusInProgress || p.Exhausted {
		return nil, nil
	}
	p.Status = store.StatusInProgress
	p.UpdatedAt = now
	return &store.Claim{ProgressID: p.ID, PageNumber: p.LastPage + 1, ScrollOffset: p.ScrollOffset}, nil
}

// MarkPageComplete implements store.ProgressTracker.
func (s *ProgressStore) MarkPageComplete(_ context.Context, progressID string, productsFound int) error {
	return s.mutate(progressID, "complete page", func(p *store.CrawlProgress) {
		now := s.now()
		p.LastPage++
		p.TotalProducts += productsFound
		p.Status = store.StatusIdle
		p.LastCrawledAt = &now
		p.UpdatedAt = now
	})
}

// MarkExhausted implements store.ProgressTracker.
func (s *ProgressStore) MarkExhausted(_ context.Context, progressID string) error {
	return s.mutate(progressID, "mark exhausted", func(p *store.CrawlProgress) {
		now := s.now()
		p.Exhausted = true
		p.Status = store.StatusCompleted
		p.LastCrawledAt = &now
		p.UpdatedAt = now
	})
}

// MarkFailed implements store.ProgressTracker.
func (s *ProgressStore) MarkFailed(_ context.Context, progressID string) error {
	return s.mutate(progressID, "mark failed", func(p *store.CrawlProgress) {
		p.Status = store.StatusFailed
		p.UpdatedAt = s.now()
	})
}

// UpdateScrollOffset implements store.ProgressTracker.
func (s *ProgressStore) UpdateScrollOffset(_ context.Context, progressID string, offset int) error {
	return s.mutate(progressID, "update scroll offset", func(p *store.CrawlProgress) {
		now := s.now()
		p.ScrollOffset = offset
		p.Status = store.StatusIdle
		p.LastCrawledAt = &now
		p.UpdatedAt = now
	})
}

// Get implements store.ProgressTracker.
func (s *ProgressStore) Get(_ context.Context, retailer, queryHash string) (store.CrawlProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[progressKey{retailer, queryHash}]
	if !ok {
		return store.CrawlProgress{}, store.ErrNotFound
	}
	out := *p
	if p.LastCrawledAt != nil {
		t := *p.LastCrawledAt
		out.LastCrawledAt = &t
	}
	return out, nil
}

func (s *ProgressStore) mutate(id, op string, fn func(*store.CrawlProgress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("failed to %s: %w", op, store.ErrNotFound)
	}
	fn(p)
	return nil
}
