package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

type fakeBrowser struct {
	proxy    crawler.Proxy
	pingErr  error
	closeErr error
	closed   atomic.Bool
}

func (b *fakeBrowser) Context() context.Context { return context.Background() }

func (b *fakeBrowser) Ping(context.Context) error { return b.pingErr }

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return b.closeErr
}

type fakeLauncher struct {
	mu       sync.Mutex
	fail     map[int]bool
	calls    int
	browsers []*fakeBrowser
}

func (l *fakeLauncher) Launch(_ context.Context, px crawler.Proxy) (Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.fail[l.calls] {
		return nil, errors.New("chrome crashed")
	}
	b := &fakeBrowser{proxy: px}
	l.browsers = append(l.browsers, b)
	return b, nil
}

type fakeProxies struct {
	mu        sync.Mutex
	next      int
	failures  map[string][]string
	successes map[string]int64
}

func newFakeProxies() *fakeProxies {
	return &fakeProxies{failures: map[string][]string{}, successes: map[string]int64{}}
}

func (f *fakeProxies) SelectProxy(context.Context, string) (crawler.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return crawler.Proxy{ID: fmt.Sprintf("px-%d", f.next), Host: "10.0.0.1", Port: 3000 + f.next}, nil
}

func (f *fakeProxies) ReportFailure(_ context.Context, proxyID, domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[proxyID] = append(f.failures[proxyID], domain)
}

func (f *fakeProxies) ReportSuccess(_ context.Context, proxyID string, bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[proxyID] += bytes
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("b%d", n.Add(1)) }
}

func startPool(t *testing.T, cfg Config, launcher *fakeLauncher) (*Pool, *fakeProxies) {
	t.Helper()
	proxies := newFakeProxies()
	p, err := NewPool(cfg, launcher, proxies, zap.NewNop(), WithIDGenerator(seqIDs()))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p, proxies
}

func statusOf(t *testing.T, p *Pool, id string) InstanceInfo {
	t.Helper()
	for _, inst := range p.Stats().Instances {
		if inst.ID == id {
			return inst
		}
	}
	t.Fatalf("instance %s not found", id)
	return InstanceInfo{}
}

func TestNewPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{Size: 0}, &fakeLauncher{}, newFakeProxies(), nil)
	require.Error(t, err)
	_, err = NewPool(Config{Size: 1}, nil, newFakeProxies(), nil)
	require.Error(t, err)
}

func TestStartLaunchesFixedSizeWithProxies(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p, _ := startPool(t, Config{Size: 3}, launcher)

	st := p.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Healthy)
	assert.Len(t, launcher.browsers, 3)
	seen := map[string]bool{}
	for _, inst := range st.Instances {
		assert.NotEmpty(t, inst.ProxyID)
		seen[inst.ProxyID] = true
	}
	assert.Len(t, seen, 3, "each instance gets its own proxy")

	require.Error(t, p.Start(context.Background()), "second start rejected")
}

func TestStartMarksFailedLaunchDead(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{fail: map[int]bool{2: true}}
	p, proxies := startPool(t, Config{Size: 3, LaunchConcurrency: 1}, launcher)

	st := p.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Healthy)
	assert.Equal(t, 1, st.Dead)
	assert.Len(t, proxies.failures, 1, "failed launch reported against its proxy")
}

func TestStartFailsWhenNothingHealthy(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{fail: map[int]bool{1: true, 2: true}}
	p, err := NewPool(Config{Size: 2}, launcher, newFakeProxies(), nil)
	require.NoError(t, err)
	err = p.Start(context.Background())
	require.ErrorIs(t, err, ErrNoHealthyBrowsers)
	require.NoError(t, p.Close())
}

func TestHealthStateMachine(t *testing.T) {
	t.Parallel()

	p, proxies := startPool(t, Config{Size: 1}, &fakeLauncher{})
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "myntra.com")
	require.NoError(t, err)
	lease.Release()
	id := lease.InstanceID

	p.ReportFailure(ctx, id)
	info := statusOf(t, p, id)
	assert.Equal(t, StatusUnhealthy, info.Status)
	assert.Equal(t, 1, info.Failures)
	assert.Equal(t, []string{"myntra.com"}, proxies.failures[lease.Proxy.ID])

	p.ReportSuccess(ctx, id, 2048)
	info = statusOf(t, p, id)
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Zero(t, info.Failures)
	assert.Equal(t, int64(2048), proxies.successes[lease.Proxy.ID])

	for i := 0; i < DeadThreshold; i++ {
		p.ReportFailure(ctx, id)
	}
	assert.Equal(t, StatusUnhealthy, statusOf(t, p, id).Status, "five failures is not yet dead")

	p.ReportFailure(ctx, id)
	info = statusOf(t, p, id)
	assert.Equal(t, StatusDead, info.Status)
	assert.Equal(t, 6, info.Failures)

	p.ReportSuccess(ctx, id, 0)
	assert.Equal(t, StatusDead, statusOf(t, p, id).Status, "success does not revive the dead")
}

func TestAcquireFailsWithoutHealthyInstances(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, Config{Size: 1}, &fakeLauncher{})
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "")
	require.NoError(t, err)
	lease.Release()

	p.ReportFailure(ctx, lease.InstanceID)
	_, err = p.Acquire(ctx, "")
	require.ErrorIs(t, err, ErrNoHealthyBrowsers)
	require.ErrorIs(t, err, crawler.ErrCapacity)
}

func TestAcquireSpreadsLoad(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, Config{Size: 3}, &fakeLauncher{})
	ctx := context.Background()

	ids := map[string]int{}
	var leases []*Lease
	for i := 0; i < 6; i++ {
		l, err := p.Acquire(ctx, "ajio.com")
		require.NoError(t, err)
		ids[l.InstanceID]++
		leases = append(leases, l)
	}
	require.Len(t, ids, 3)
	for id, n := range ids {
		assert.Equal(t, 2, n, "instance %s", id)
	}
	assert.Equal(t, 6, p.Stats().Leased)

	for _, l := range leases {
		l.Release()
		l.Release()
	}
	assert.Zero(t, p.Stats().Leased)
}

func TestAcquirePrefersDomainAffinityOnTies(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, Config{Size: 2}, &fakeLauncher{})
	ctx := context.Background()

	first, err := p.Acquire(ctx, "a.com")
	require.NoError(t, err)
	first.Release()

	second, err := p.Acquire(ctx, "b.com")
	require.NoError(t, err)
	second.Release()
	assert.NotEqual(t, first.InstanceID, second.InstanceID)

	again, err := p.Acquire(ctx, "a.com")
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, first.InstanceID, again.InstanceID)
}

func TestAcquireWaitsForCapacity(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, Config{Size: 1, MaxLeasesPerInstance: 1}, &fakeLauncher{})
	held, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()
	got, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, held.InstanceID, got.InstanceID)
	got.Release()
}

func TestCheckHealthRechecksUnhealthy(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p, _ := startPool(t, Config{Size: 2, LaunchConcurrency: 1}, launcher)
	ctx := context.Background()
	launcher.browsers[1].pingErr = errors.New("tab crashed")

	st := p.Stats()
	for _, inst := range st.Instances {
		p.ReportFailure(ctx, inst.ID)
	}
	p.CheckHealth(ctx)

	st = p.Stats()
	assert.Equal(t, 1, st.Healthy)
	assert.Equal(t, 1, st.Unhealthy)
	assert.Equal(t, 2, st.Instances[1].Failures)
}

func TestCheckHealthRelaunchesDeadInPlace(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p, _ := startPool(t, Config{Size: 2, RelaunchDead: true, LaunchConcurrency: 1}, launcher)
	ctx := context.Background()

	victim := p.Stats().Instances[0]
	for i := 0; i <= DeadThreshold; i++ {
		p.ReportFailure(ctx, victim.ID)
	}
	require.Equal(t, 1, p.Stats().Dead)

	p.CheckHealth(ctx)

	st := p.Stats()
	assert.Equal(t, 2, st.Total, "pool size never changes")
	assert.Equal(t, 2, st.Healthy)
	assert.NotEqual(t, victim.ID, st.Instances[0].ID)
	assert.NotEqual(t, victim.ProxyID, st.Instances[0].ProxyID)
	assert.Equal(t, 3, launcher.calls)
	assert.True(t, launcher.browsers[0].closed.Load(), "old process closed")
}

func TestDeadStaysDeadWithoutRelaunch(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p, _ := startPool(t, Config{Size: 1}, launcher)
	ctx := context.Background()
	id := p.Stats().Instances[0].ID
	for i := 0; i <= DeadThreshold; i++ {
		p.ReportFailure(ctx, id)
	}
	p.CheckHealth(ctx)
	assert.Equal(t, 1, p.Stats().Dead)
	assert.Equal(t, 1, launcher.calls)
}

func TestMonitorLoopRunsChecks(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p, _ := startPool(t, Config{Size: 1, HealthCheckInterval: 5 * time.Millisecond}, launcher)
	ctx := context.Background()
	p.ReportFailure(ctx, p.Stats().Instances[0].ID)

	assert.Eventually(t, func() bool {
		return p.Stats().Healthy == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCloseIsBestEffort(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p, err := NewPool(Config{Size: 2, LaunchConcurrency: 1}, launcher, newFakeProxies(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	launcher.browsers[0].closeErr = errors.New("already gone")

	err = p.Close()
	require.Error(t, err)
	assert.True(t, launcher.browsers[1].closed.Load(), "close continues past failures")
	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background(), "")
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, Config{Size: 3, MaxLeasesPerInstance: 2}, &fakeLauncher{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(ctx, fmt.Sprintf("d%d.com", i%4))
			if !assert.NoError(t, err) {
				return
			}
			for _, inst := range p.Stats().Instances {
				assert.LessOrEqual(t, inst.Leases, 2)
			}
			if i%5 == 0 {
				p.ReportSuccess(ctx, l.InstanceID, 10)
			}
			l.Release()
		}(i)
	}
	wg.Wait()
	assert.Zero(t, p.Stats().Leased)
}
