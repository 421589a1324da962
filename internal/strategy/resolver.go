// Package strategy maps retailer domains to the fetch mechanism used for them.
package strategy

import (
	"net"
	"strings"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// Resolver is an immutable domain to strategy table. It is safe for
// concurrent use.
type Resolver struct {
	table    map[string]crawler.Strategy
	fallback crawler.Strategy
}

// New builds a Resolver. Table keys are normalized; an empty fallback means
// lightweight fetch.
func New(table map[string]crawler.Strategy, fallback crawler.Strategy) *Resolver {
	if fallback == "" {
		fallback = crawler.StrategyLightweight
	}
	normalized := make(map[string]crawler.Strategy, len(table))
	for domain, strat := range table {
		normalized[NormalizeDomain(domain)] = strat
	}
	return &Resolver{table: normalized, fallback: fallback}
}

// Resolve returns the strategy for a domain, URL or host. Every input yields
// a strategy.
func (r *Resolver) Resolve(domain string) crawler.Strategy {
	if strat, ok := r.table[NormalizeDomain(domain)]; ok {
		return strat
	}
	return r.fallback
}

// Fallback returns the strategy applied to unknown domains.
func (r *Resolver) Fallback() crawler.Strategy {
	return r.fallback
}

// Table returns a copy of the configured table.
func (r *Resolver) Table() map[string]crawler.Strategy {
	out := make(map[string]crawler.Strategy, len(r.table))
	for k, v := range r.table {
		out[k] = v
	}
	return out
}

// NormalizeDomain lowercases the input and strips scheme, credentials, port,
// leading "www." labels, path, query and fragment. It is idempotent.
func NormalizeDomain(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(s, ".")
	for strings.HasPrefix(s, "www.") {
		s = s[len("www."):]
	}
	return s
}
