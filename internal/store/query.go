package store

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// NormalizeQuery lowercases and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// QueryKey normalizes raw and hashes the result.
func QueryKey(h crawler.Hasher, raw string) (normalized, hash string, err error) {
	normalized = NormalizeQuery(raw)
	if normalized == "" {
		return "", "", fmt.Errorf("empty query")
	}
	hash, err = h.Hash([]byte(normalized))
	if err != nil {
		return "", "", fmt.Errorf("hash query: %w", err)
	}
	return normalized, hash, nil
}
