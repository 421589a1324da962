package store

import (
	"context"
	"errors"
)

// ErrNegativeDelta rejects cursor moves backwards.
var ErrNegativeDelta = errors.New("cursor delta must not be negative")

// RankedProduct is a product in its discovery position for one query.
type RankedProduct struct {
	Product
	PageNumber int `json:"page_number"`
	Rank       int `json:"rank"`
}

// UnseenPage is one page of results for a chat.
type UnseenPage struct {
	Products []RankedProduct `json:"products"`
	// TotalAvailable counts all linked products for the filter, seen or not.
	TotalAvailable int `json:"total_available"`
}

// ChatCursor tracks, per (chat, query hash, retailer), how far into the
// (page, rank, product id) ordering a chat has been served. Offsets never
// decrease and never exceed the link count for the retailer and query.
type ChatCursor interface {
	// GetUnseenProducts sums the chat's offsets for the requested retailers
	// (all retailers when empty) and returns up to limit rows from there.
	GetUnseenProducts(ctx context.Context, chatID, queryHash string, retailers []string, limit int) (UnseenPage, error)
	// AdvanceCursor creates the cursor at delta or increments it.
	AdvanceCursor(ctx context.Context, chatID, queryHash, retailer string, delta int) error
	// AdvanceCursorsForProducts advances each retailer by its count in products.
	AdvanceCursorsForProducts(ctx context.Context, chatID, queryHash string, products []RankedProduct) error
	// ResetCursors drops every cursor of the chat for queryHash.
	ResetCursors(ctx context.Context, chatID, queryHash string) error
	// Offsets returns the current per-retailer offsets.
	Offsets(ctx context.Context, chatID, queryHash string) (map[string]int, error)
}

// CountByRetailer groups a served page for cursor advancement.
func CountByRetailer(products []RankedProduct) map[string]int {
	counts := make(map[string]int)
	for _, p := range products {
		counts[p.Retailer]++
	}
	return counts
}
