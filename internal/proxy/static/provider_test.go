package static

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/proxy"
)

func testProxies() []crawler.Proxy {
	return []crawler.Proxy{
		{ID: "in-1", Host: "10.0.0.1", Port: 3128, Region: "in", CostPerGB: 4},
		{ID: "in-2", Host: "10.0.0.2", Port: 3128, Region: "in", CostPerGB: 4},
		{Host: "10.0.0.3", Port: 3128},
	}
}

func TestNewRejectsEmptyAndDuplicates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.ErrorIs(t, err, proxy.ErrNoProxyAvailable)

	_, err = New([]crawler.Proxy{{ID: "a"}, {ID: "a"}}, Config{})
	require.Error(t, err)
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()

	p, err := New(testProxies(), Config{})
	require.NoError(t, err)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		px, err := p.GetProxy(ctx, "any.com")
		require.NoError(t, err)
		ids = append(ids, px.ID)
	}
	assert.Equal(t, []string{"in-1", "in-2", "10.0.0.3:3128", "in-1"}, ids)
}

func TestCooldownSkipsFailingProxy(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p, err := New(testProxies()[:2], Config{MaxFailures: 2, Cooldown: time.Minute}, WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.ReportFailure(ctx, "in-1"))
	require.NoError(t, p.ReportFailure(ctx, "in-1"))

	for i := 0; i < 3; i++ {
		px, err := p.GetProxy(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "in-2", px.ID)
	}

	now = now.Add(2 * time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		px, _ := p.GetProxy(ctx, "")
		seen[px.ID] = true
	}
	assert.True(t, seen["in-1"], "proxy returns after cooldown")
}

func TestAllCoolingDownReturnsEarliestFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p, err := New(testProxies()[:2], Config{MaxFailures: 1, Cooldown: time.Hour}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.ReportFailure(ctx, "in-2"))
	now = now.Add(time.Second)
	require.NoError(t, p.ReportFailure(ctx, "in-1"))

	px, err := p.GetProxy(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "in-2", px.ID)
}

func TestSuccessResetsAndAccountsCost(t *testing.T) {
	t.Parallel()

	p, err := New(testProxies(), Config{MaxFailures: 1})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.ReportFailure(ctx, "in-1"))
	require.NoError(t, p.ReportSuccess(ctx, "in-1", 500_000_000))
	require.Error(t, p.ReportSuccess(ctx, "missing", 1))

	usage := p.Usage()
	require.Len(t, usage, 3)
	assert.Equal(t, "in-1", usage[0].ProxyID)
	assert.False(t, usage[0].CoolingDown)
	assert.Equal(t, int64(1), usage[0].Failures)
	assert.Equal(t, int64(500_000_000), usage[0].BytesUsed)
	assert.InDelta(t, 2.0, usage[0].EstimatedCost, 1e-9)
}
