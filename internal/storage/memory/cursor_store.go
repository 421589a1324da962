package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type cursorKey struct {
	chatID    string
	queryHash string
	retailer  string
}

// CursorStore implements store.ChatCursor over a ProductStore's links.
type CursorStore struct {
	products *ProductStore

	mu      sync.Mutex
	offsets map[cursorKey]int
}

// NewCursorStore reads links from products.
func NewCursorStore(products *ProductStore) *CursorStore {
	return &CursorStore{products: products, offsets: make(map[cursorKey]int)}
}

// GetUnseenProducts implements store.ChatCursor.
func (s *CursorStore) GetUnseenProducts(
	_ context.Context,
	chatID, queryHash string,
	retailers []string,
	limit int,
) (store.UnseenPage, error) {
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}
	offset := s.sumOffsets(chatID, queryHash, retailers)
	all := s.products.ranked(queryHash, retailers)

	page := store.UnseenPage{Products: []store.RankedProduct{}, TotalAvailable: len(all)}
	if offset < len(all) {
		end := min(offset+limit, len(all))
		page.Products = append(page.Products, all[offset:end]...)
	}
	return page, nil
}

// AdvanceCursor implements store.ChatCursor.
func (s *CursorStore) AdvanceCursor(_ context.Context, chatID, queryHash, retailer string, delta int) error {
	if delta < 0 {
		return store.ErrNegativeDelta
	}
	if delta == 0 {
		return nil
	}
	limit := s.products.linkCount(queryHash, retailer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(cursorKey{chatID, queryHash, retailer}, delta, limit)
	return nil
}

// AdvanceCursorsForProducts implements store.ChatCursor.
func (s *CursorStore) AdvanceCursorsForProducts(
	_ context.Context,
	chatID, queryHash string,
	products []store.RankedProduct,
) error {
	counts := store.CountByRetailer(products)
	limits := make(map[string]int, len(counts))
	for r := range counts {
		limits[r] = s.products.linkCount(queryHash, r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for r, n := range counts {
		s.advanceLocked(cursorKey{chatID, queryHash, r}, n, limits[r])
	}
	return nil
}

func (s *CursorStore) advanceLocked(k cursorKey, delta, limit int) {
	cur := s.offsets[k]
	next := min(cur+delta, limit)
	if next > cur {
		s.offsets[k] = next
	} else if _, ok := s.offsets[k]; !ok {
		s.offsets[k] = cur
	}
}

// ResetCursors implements store.ChatCursor.
func (s *CursorStore) ResetCursors(_ context.Context, chatID, queryHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.offsets {
		if k.chatID == chatID && k.queryHash == queryHash {
			delete(s.offsets, k)
		}
	}
	return nil
}

// Offsets implements store.ChatCursor.
func (s *CursorStore) Offsets(_ context.Context, chatID, queryHash string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for k, v := range s.offsets {
		if k.chatID == chatID && k.queryHash == queryHash {
			out[k.retailer] = v
		}
	}
	return out, nil
}

func (s *CursorStore) sumOffsets(chatID, queryHash string, retailers []string) int {
	allow := make(map[string]bool, len(retailers))
	for _, r := range retailers {
		allow[r] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for k, v := range s.offsets {
		if k.chatID == chatID && k.queryHash == queryHash && (len(allow) == 0 || allow[k.retailer]) {
			total += v
		}
	}
	return total
}
