// Package sha256 derives query hashes: the hex SHA-256 of a normalized
// search query keys crawl progress, product links and chat cursors.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. It never fails; the error
// satisfies crawler.Hasher.
func (h *Hasher) Hash(data []byte) (string, error) {
	return h.String(string(data)), nil
}

// String hashes s.
func (*Hasher) String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
