// Package proxy assigns upstream proxies to domains and forwards health
// feedback to a pluggable provider.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

// ErrNoProxyAvailable is returned by providers with nothing to hand out.
var ErrNoProxyAvailable = errors.New("no proxy available")

// Provider is the vendor-specific allocation backend.
type Provider interface {
	GetProxy(ctx context.Context, domain string) (crawler.Proxy, error)
	ReportFailure(ctx context.Context, proxyID string) error
	ReportSuccess(ctx context.Context, proxyID string, bytes int64) error
}

// Scheduler remembers the last proxy handed out per domain. The sticky map is
// informational; every selection asks the provider for a fresh proxy.
type Scheduler struct {
	provider Provider
	logger   *zap.Logger

	mu     sync.Mutex
	sticky map[string]string
}

// NewScheduler wires a Scheduler over provider.
func NewScheduler(provider Provider, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		provider: provider,
		logger:   logger,
		sticky:   make(map[string]string),
	}
}

// SelectProxy obtains a proxy for domain and records it as the sticky choice.
func (s *Scheduler) SelectProxy(ctx context.Context, domain string) (crawler.Proxy, error) {
	p, err := s.provider.GetProxy(ctx, domain)
	if err != nil {
		return crawler.Proxy{}, fmt.Errorf("select proxy for %q: %w", domain, err)
	}
	if domain != "" {
		s.mu.Lock()
		s.sticky[domain] = p.ID
		s.mu.Unlock()
	}
	telemetry.ObserveProxySelection(p.ID)
	return p, nil
}

// ReportFailure evicts the domain's sticky mapping and tells the provider.
// Provider errors are logged, not returned.
func (s *Scheduler) ReportFailure(ctx context.Context, proxyID, domain string) {
	if domain != "" {
		s.mu.Lock()
		delete(s.sticky, domain)
		s.mu.Unlock()
	}
	if err := s.provider.ReportFailure(ctx, proxyID); err != nil {
		s.logger.Warn("proxy failure report rejected",
			zap.String("proxy_id", proxyID),
			zap.String("domain", domain),
			zap.Error(err),
		)
	}
}

// ReportSuccess forwards usage to the provider.
func (s *Scheduler) ReportSuccess(ctx context.Context, proxyID string, bytes int64) {
	if err := s.provider.ReportSuccess(ctx, proxyID, bytes); err != nil {
		s.logger.Warn("proxy success report rejected",
			zap.String("proxy_id", proxyID),
			zap.Int64("bytes", bytes),
			zap.Error(err),
		)
	}
}

// StickyProxy returns the last proxy id assigned to domain.
func (s *Scheduler) StickyProxy(domain string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sticky[domain]
	return id, ok
}

// Direct is a Provider that always returns the direct-connection placeholder.
type Direct struct{}

// DirectID identifies the placeholder proxy.
const DirectID = "direct"

// GetProxy implements Provider.
func (Direct) GetProxy(context.Context, string) (crawler.Proxy, error) {
	return crawler.Proxy{ID: DirectID}, nil
}

// ReportFailure implements Provider.
func (Direct) ReportFailure(context.Context, string) error { return nil }

// ReportSuccess implements Provider.
func (Direct) ReportSuccess(context.Context, string, int64) error { return nil }
