// Package browser owns a fixed set of long-lived browser processes, each
// bound to a proxy at launch, and leases them to scrapes.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

var (
	// ErrNoHealthyBrowsers means every instance is unhealthy or dead. It wraps
	// crawler.ErrCapacity.
	ErrNoHealthyBrowsers = fmt.Errorf("%w: no healthy browsers", crawler.ErrCapacity)
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("browser pool closed")
)

// Status is an instance's health.
type Status string

// Health states. Dead is terminal unless relaunch is enabled.
const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDead      Status = "dead"
)

// DeadThreshold is the failure count an instance must exceed to die.
const DeadThreshold = 5

// Browser is a running browser process.
type Browser interface {
	// Context is the browser-scoped context new tabs derive from.
	Context() context.Context
	// Ping opens and closes a blank tab.
	Ping(ctx context.Context) error
	Close() error
}

// Launcher starts browser processes. ctx bounds the launch only; the
// returned browser outlives it.
type Launcher interface {
	Launch(ctx context.Context, proxy crawler.Proxy) (Browser, error)
}

// ProxySource hands out proxies for new instances and receives health
// feedback. *proxy.Scheduler satisfies it.
type ProxySource interface {
	SelectProxy(ctx context.Context, domain string) (crawler.Proxy, error)
	ReportFailure(ctx context.Context, proxyID, domain string)
	ReportSuccess(ctx context.Context, proxyID string, bytes int64)
}

// Config sizes and tunes the pool.
type Config struct {
	Size                 int
	MaxLeasesPerInstance int
	LaunchConcurrency    int
	LaunchTimeout        time.Duration
	HealthCheckInterval  time.Duration
	PingTimeout          time.Duration
	RelaunchDead         bool
}

// InstanceInfo is a read-only view of one instance.
type InstanceInfo struct {
	ID        string    `json:"id"`
	ProxyID   string    `json:"proxy_id"`
	Status    Status    `json:"status"`
	Failures  int       `json:"failures"`
	Leases    int       `json:"leases"`
	Affinity  string    `json:"affinity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes pool health.
type Stats struct {
	Total     int            `json:"total"`
	Healthy   int            `json:"healthy"`
	Unhealthy int            `json:"unhealthy"`
	Dead      int            `json:"dead"`
	Leased    int            `json:"leased"`
	Instances []InstanceInfo `json:"instances"`
}

type instance struct {
	id          string
	browser     Browser
	proxy       crawler.Proxy
	status      Status
	failures    int
	createdAt   time.Time
	affinity    string
	lastDomain  string
	leases      int
	probing     bool
	relaunching bool
}

// Lease is a claim on one instance. Release must be called exactly once;
// extra calls are ignored.
type Lease struct {
	InstanceID string
	Browser    Browser
	Proxy      crawler.Proxy
	Domain     string

	pool *Pool
	once sync.Once
}

// Release returns the lease to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.pool != nil {
			l.pool.release(l.InstanceID)
		}
	})
}

// Pool is a fixed-size set of browser instances.
type Pool struct {
	cfg      Config
	launcher Launcher
	proxies  ProxySource
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	mu        sync.Mutex
	instances []*instance
	next      int
	changed   chan struct{}
	started   bool
	closed    bool
	stop      context.CancelFunc
	done      chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) { p.now = fn }
}

// WithIDGenerator overrides instance id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pool) { p.newID = fn }
}

// NewPool validates configuration and returns an unstarted pool.
func NewPool(cfg Config, launcher Launcher, proxies ProxySource, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("browser pool size must be > 0, got %d", cfg.Size)
	}
	if launcher == nil || proxies == nil {
		return nil, errors.New("browser pool requires a launcher and a proxy source")
	}
	if cfg.LaunchConcurrency <= 0 {
		cfg.LaunchConcurrency = 2
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		proxies:  proxies,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start launches every instance. Launch failures leave the slot dead; Start
// fails only when no instance came up healthy.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("browser pool already started")
	}
	p.started = true
	p.mu.Unlock()

	slots := make([]*instance, p.cfg.Size)
	var g errgroup.Group
	g.SetLimit(p.cfg.LaunchConcurrency)
	for i := range slots {
		g.Go(func() error {
			slots[i] = p.launchInstance(ctx)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, inst := range slots {
		if inst.status == StatusHealthy {
			healthy++
		}
	}

	p.mu.Lock()
	p.instances = slots
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Info("browser pool started",
		zap.Int("size", p.cfg.Size),
		zap.Int("healthy", healthy),
	)
	if healthy == 0 {
		return fmt.Errorf("start browser pool: %w", ErrNoHealthyBrowsers)
	}

	if p.cfg.HealthCheckInterval > 0 {
		mctx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		p.stop = cancel
		p.done = make(chan struct{})
		p.mu.Unlock()
		go p.monitor(mctx)
	}
	return nil
}

// Acquire leases the least-loaded healthy instance with spare capacity,
// preferring instances already serving domain; ties rotate round-robin. It
// blocks while every healthy instance is at its lease limit and fails
// immediately with ErrNoHealthyBrowsers when none is healthy.
func (p *Pool) Acquire(ctx context.Context, domain string) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		inst, anyHealthy := p.pickLocked(domain)
		if inst != nil {
			inst.leases++
			inst.lastDomain = domain
			if inst.affinity == "" && domain != "" {
				inst.affinity = domain
			}
			lease := &Lease{
				InstanceID: inst.id,
				Browser:    inst.browser,
				Proxy:      inst.proxy,
				Domain:     domain,
				pool:       p,
			}
			p.mu.Unlock()
			return lease, nil
		}
		if !anyHealthy {
			p.mu.Unlock()
			return nil, ErrNoHealthyBrowsers
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for browser lease: %w", ctx.Err())
		case <-wait:
		}
	}
}

// ReportSuccess resets a non-dead instance to healthy and forwards usage to
// the proxy source.
func (p *Pool) ReportSuccess(ctx context.Context, instanceID string, bytesUsed int64) {
	p.mu.Lock()
	inst := p.findLocked(instanceID)
	if inst == nil {
		p.mu.Unlock()
		p.logger.Debug("success reported for unknown browser instance", zap.String("instance_id", instanceID))
		return
	}
	if inst.status != StatusDead {
		if inst.status != StatusHealthy {
			p.logger.Info("browser instance recovered", zap.String("instance_id", inst.id))
		}
		inst.status = StatusHealthy
		inst.failures = 0
		p.publishLocked()
		p.broadcastLocked()
	}
	proxyID := inst.proxy.ID
	p.mu.Unlock()

	p.proxies.ReportSuccess(ctx, proxyID, bytesUsed)
}

// ReportFailure advances the instance's health machine and forwards the
// failure to the proxy source.
func (p *Pool) ReportFailure(ctx context.Context, instanceID string) {
	p.mu.Lock()
	inst := p.findLocked(instanceID)
	if inst == nil || inst.status == StatusDead {
		p.mu.Unlock()
		return
	}
	inst.failures++
	if inst.failures > DeadThreshold {
		inst.status = StatusDead
		p.logger.Warn("browser instance dead",
			zap.String("instance_id", inst.id),
			zap.String("proxy_id", inst.proxy.ID),
			zap.Int("failures", inst.failures),
		)
	} else {
		inst.status = StatusUnhealthy
	}
	proxyID, domain := inst.proxy.ID, inst.lastDomain
	p.publishLocked()
	p.broadcastLocked()
	p.mu.Unlock()

	p.proxies.ReportFailure(ctx, proxyID, domain)
}

// Stats returns a snapshot of pool health.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Total: len(p.instances), Instances: make([]InstanceInfo, 0, len(p.instances))}
	for _, inst := range p.instances {
		switch inst.status {
		case StatusHealthy:
			st.Healthy++
		case StatusUnhealthy:
			st.Unhealthy++
		case StatusDead:
			st.Dead++
		}
		st.Leased += inst.leases
		st.Instances = append(st.Instances, InstanceInfo{
			ID:        inst.id,
			ProxyID:   inst.proxy.ID,
			Status:    inst.status,
			Failures:  inst.failures,
			Leases:    inst.leases,
			Affinity:  inst.affinity,
			CreatedAt: inst.createdAt,
		})
	}
	return st
}

// CheckHealth re-checks idle unhealthy instances and, when enabled, relaunches
// idle dead ones in their slot. The monitor loop calls it on every tick.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	var checks, relaunches []*instance
	for _, inst := range p.instances {
		if inst.leases > 0 {
			continue
		}
		switch {
		case inst.status == StatusUnhealthy && !inst.probing:
			inst.probing = true
			checks = append(checks, inst)
		case inst.status == StatusDead && p.cfg.RelaunchDead && !inst.relaunching:
			inst.relaunching = true
			relaunches = append(relaunches, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range checks {
		p.recheck(ctx, inst)
	}
	for _, inst := range relaunches {
		p.relaunch(ctx, inst)
	}
}

// Close stops the monitor and closes every instance, logging individual
// close failures and continuing.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop, done := p.stop, p.done
	instances := append([]*instance(nil), p.instances...)
	p.broadcastLocked()
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	var errs []error
	for _, inst := range instances {
		if inst.browser == nil {
			continue
		}
		if err := inst.browser.Close(); err != nil {
			p.logger.Warn("browser close failed", zap.String("instance_id", inst.id), zap.Error(err))
			errs = append(errs, fmt.Errorf("close instance %s: %w", inst.id, err))
		}
	}
	p.logger.Info("browser pool closed", zap.Int("instances", len(instances)))
	return errors.Join(errs...)
}

func (p *Pool) monitor(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

func (p *Pool) recheck(ctx context.Context, inst *instance) {
	p.mu.Lock()
	br, id := inst.browser, inst.id
	p.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	err := br.Ping(pctx)
	cancel()

	p.mu.Lock()
	inst.probing = false
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("browser health check failed", zap.String("instance_id", id), zap.Error(err))
		p.ReportFailure(ctx, id)
		return
	}
	p.ReportSuccess(ctx, id, 0)
}

func (p *Pool) relaunch(ctx context.Context, inst *instance) {
	br, px, err := p.launch(ctx)

	p.mu.Lock()
	inst.relaunching = false
	if err != nil || p.closed {
		p.mu.Unlock()
		telemetry.ObserveBrowserRelaunch(false)
		if err != nil {
			p.logger.Warn("browser relaunch failed", zap.String("instance_id", inst.id), zap.Error(err))
		} else if cerr := br.Close(); cerr != nil {
			p.logger.Warn("browser close failed", zap.Error(cerr))
		}
		return
	}
	old, oldID := inst.browser, inst.id
	inst.id = p.newID()
	inst.browser = br
	inst.proxy = px
	inst.status = StatusHealthy
	inst.failures = 0
	inst.createdAt = p.now()
	inst.affinity = ""
	inst.lastDomain = ""
	p.publishLocked()
	p.broadcastLocked()
	newID := inst.id
	p.mu.Unlock()

	telemetry.ObserveBrowserRelaunch(true)
	p.logger.Info("browser instance relaunched",
		zap.String("old_instance_id", oldID),
		zap.String("instance_id", newID),
		zap.String("proxy_id", px.ID),
	)
	if old != nil {
		if cerr := old.Close(); cerr != nil {
			p.logger.Debug("dead browser close failed", zap.String("instance_id", oldID), zap.Error(cerr))
		}
	}
}

func (p *Pool) launchInstance(ctx context.Context) *instance {
	inst := &instance{id: p.newID(), createdAt: p.now(), status: StatusHealthy}
	br, px, err := p.launch(ctx)
	if err != nil {
		p.logger.Warn("browser launch failed", zap.String("instance_id", inst.id), zap.Error(err))
		inst.status = StatusDead
		inst.failures = DeadThreshold + 1
		return inst
	}
	inst.browser = br
	inst.proxy = px
	return inst
}

func (p *Pool) launch(ctx context.Context) (Browser, crawler.Proxy, error) {
	px, err := p.proxies.SelectProxy(ctx, "")
	if err != nil {
		return nil, crawler.Proxy{}, fmt.Errorf("select launch proxy: %w", err)
	}
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()
	br, err := p.launcher.Launch(lctx, px)
	if err != nil {
		p.proxies.ReportFailure(ctx, px.ID, "")
		return nil, crawler.Proxy{}, fmt.Errorf("launch browser via proxy %s: %w", px.ID, err)
	}
	return br, px, nil
}

func (p *Pool) release(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst := p.findLocked(instanceID); inst != nil && inst.leases > 0 {
		inst.leases--
	}
	p.broadcastLocked()
}

// pickLocked scans from the rotation cursor. anyHealthy reports whether a
// healthy instance exists regardless of capacity.
func (p *Pool) pickLocked(domain string) (best *instance, anyHealthy bool) {
	n := len(p.instances)
	bestIdx := -1
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		inst := p.instances[idx]
		if inst.status != StatusHealthy || inst.relaunching {
			continue
		}
		anyHealthy = true
		if p.cfg.MaxLeasesPerInstance > 0 && inst.leases >= p.cfg.MaxLeasesPerInstance {
			continue
		}
		if best == nil || preferred(inst, best, domain) {
			best, bestIdx = inst, idx
		}
	}
	if best != nil {
		p.next = (bestIdx + 1) % n
	}
	return best, anyHealthy
}

func preferred(a, b *instance, domain string) bool {
	if a.leases != b.leases {
		return a.leases < b.leases
	}
	aAff := domain != "" && a.affinity == domain
	bAff := domain != "" && b.affinity == domain
	return aAff && !bAff
}

func (p *Pool) findLocked(id string) *instance {
	for _, inst := range p.instances {
		if inst.id == id {
			return inst
		}
	}
	return nil
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) publishLocked() {
	var healthy, unhealthy, dead int
	for _, inst := range p.instances {
		switch inst.status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		case StatusDead:
			dead++
		}
	}
	telemetry.SetBrowserInstances(healthy, unhealthy, dead)
}
