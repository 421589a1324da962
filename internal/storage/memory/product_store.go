package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

type linkKey struct {
	productID string
	queryHash string
	retailer  string
}

// ProductStore implements store.ProductRepository.
type ProductStore struct {
	mu       sync.RWMutex
	products map[string]store.Product
	links    map[linkKey]store.ProductLink
}

// NewProductStore creates an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{
		products: make(map[string]store.Product),
		links:    make(map[linkKey]store.ProductLink),
	}
}

// UpsertProducts implements store.ProductRepository.
func (s *ProductStore) UpsertProducts(_ context.Context, products []store.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = cloneProduct(p)
	}
	return nil
}

// LinkProducts implements store.ProductRepository.
func (s *ProductStore) LinkProducts(_ context.Context, links []store.ProductLink) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, l := range links {
		k := linkKey{l.ProductID, l.QueryHash, l.Retailer}
		if _, exists := s.links[k]; exists {
			continue
		}
		s.links[k] = l
		inserted++
	}
	return inserted, nil
}

// ExistingLinks implements store.ProductRepository.
func (s *ProductStore) ExistingLinks(_ context.Context, retailer, queryHash string, productIDs []string) ([]store.ProductLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ProductLink
	for _, id := range productIDs {
		if l, ok := s.links[linkKey{id, queryHash, retailer}]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetProduct implements store.ProductRepository.
func (s *ProductStore) GetProduct(_ context.Context, id string) (store.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return store.Product{}, store.ErrNotFound
	}
	return cloneProduct(p), nil
}

// ranked returns the links for queryHash and retailers (all when empty) in
// (page, rank, product id) order, joined to their products.
func (s *ProductStore) ranked(queryHash string, retailers []string) []store.RankedProduct {
	allow := make(map[string]bool, len(retailers))
	for _, r := range retailers {
		allow[r] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.RankedProduct
	for _, l := range s.links {
		if l.QueryHash != queryHash || (len(allow) > 0 && !allow[l.Retailer]) {
			continue
		}
		p, ok := s.products[l.ProductID]
		if !ok {
			continue
		}
		out = append(out, store.RankedProduct{Product: cloneProduct(p), PageNumber: l.PageNumber, Rank: l.Rank})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PageNumber != b.PageNumber {
			return a.PageNumber < b.PageNumber
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.ID < b.ID
	})
	return out
}

func (s *ProductStore) linkCount(queryHash, retailer string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.links {
		if k.queryHash != queryHash || k.retailer != retailer {
			continue
		}
		// Matches ranked: links to unknown products are never served.
		if _, ok := s.products[k.productID]; ok {
			n++
		}
	}
	return n
}

func cloneProduct(p store.Product) store.Product {
	if p.Attributes != nil {
		attrs := make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		p.Attributes = attrs
	}
	return p
}
