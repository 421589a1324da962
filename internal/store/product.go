package store

import (
	"context"
	"time"
)

// Product is a scraped retailer product.
type Product struct {
	// ID is retailer-scoped, see ProductID.
	ID         string            `json:"id"`
	Retailer   string            `json:"retailer"`
	ExternalID string            `json:"external_id"`
	Title      string            `json:"title"`
	URL        string            `json:"url"`
	ImageURL   string            `json:"image_url,omitempty"`
	PriceMinor int64             `json:"price_minor"`
	Currency   string            `json:"currency,omitempty"`
	Rating     float64           `json:"rating,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ScrapedAt  time.Time         `json:"scraped_at"`
}

// ProductID builds the primary key for a retailer's product.
func ProductID(retailer, externalID string) string {
	return retailer + ":" + externalID
}

// ProductLink associates a product with the query page that discovered it.
// Links are append-only and unique on (product, query hash, retailer).
type ProductLink struct {
	ProductID  string `json:"product_id"`
	QueryHash  string `json:"query_hash"`
	Retailer   string `json:"retailer"`
	PageNumber int    `json:"page_number"`
	Rank       int    `json:"rank"`
}

// Before reports whether l sits at an earlier crawl position than
// (page, offset): a lower page number, or the same page at a rank inside the
// first offset items already consumed by infinite scroll.
func (l ProductLink) Before(page, offset int) bool {
	if l.PageNumber != page {
		return l.PageNumber < page
	}
	return l.Rank <= offset
}

// ProductRepository persists products and their query links.
type ProductRepository interface {
	// UpsertProducts inserts or refreshes products by ID.
	UpsertProducts(ctx context.Context, products []Product) error
	// LinkProducts inserts links, ignoring ones that already exist, and
	// returns how many were new.
	LinkProducts(ctx context.Context, links []ProductLink) (int, error)
	// ExistingLinks returns the links already recorded for productIDs under
	// (retailer, queryHash). Unknown ids are absent from the result.
	ExistingLinks(ctx context.Context, retailer, queryHash string, productIDs []string) ([]ProductLink, error)
	// GetProduct returns ErrNotFound for unknown ids.
	GetProduct(ctx context.Context, id string) (Product, error)
}
