package lock

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

	memorycache "github.com/JakeFAU/retail-crawl-coordinator/internal/cache/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryLocker(cfg Config) (*Locker, *clock) {
	clk := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := memorycache.New(memorycache.WithClock(clk.Now))
	var n atomic.Int64
	return New(store, cfg, nil,
		WithClock(clk.Now),
		WithTokenGenerator(func() string { return fmt.Sprintf("tok-%d", n.Add(1)) }),
	), clk
}

type brokenStore struct{}

func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func (brokenStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	t.Parallel()

	l, _ := newMemoryLocker(DefaultConfig())
	const callers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Acquire(context.Background(), "product-42")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseThenReacquire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newMemoryLocker(DefaultConfig())

	lease, ok, err := l.Acquire(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)

	locked, err := l.IsLocked(ctx, "X")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Release(ctx, lease))
	locked, err = l.IsLocked(ctx, "X")
	require.NoError(t, err)
	assert.False(t, locked)

	_, ok, err = l.Acquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiryFreesLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clk := newMemoryLocker(DefaultConfig())

	_, ok, _ := l.Acquire(ctx, "X")
	require.True(t, ok)

	clk.Advance(119 * time.Second)
	_, ok, _ = l.Acquire(ctx, "X")
	assert.False(t, ok)

	clk.Advance(time.Second)
	_, ok, err := l.Acquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleReleaseKeepsNewOwnersLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clk := newMemoryLocker(DefaultConfig())

	slow, ok, _ := l.Acquire(ctx, "X")
	require.True(t, ok)
	clk.Advance(121 * time.Second)

	fresh, ok, _ := l.Acquire(ctx, "X")
	require.True(t, ok)
	assert.NotEqual(t, slow.Token, fresh.Token)

	require.NoError(t, l.Release(ctx, slow))
	locked, err := l.IsLocked(ctx, "X")
	require.NoError(t, err)
	assert.True(t, locked, "slow owner must not release the new owner's lock")

	require.NoError(t, l.Release(ctx, fresh))
	locked, _ = l.IsLocked(ctx, "X")
	assert.False(t, locked)
}

func TestLockedSinceReportsAcquisitionTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clk := newMemoryLocker(DefaultConfig())
	start := clk.Now()
	_, ok, _ := l.Acquire(ctx, "X")
	require.True(t, ok)

	clk.Advance(30 * time.Second)
	since, locked, err := l.LockedSince(ctx, "X")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.True(t, since.Equal(start))
}

func TestFailOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(brokenStore{}, Config{FailOpen: true}, nil)

	lease, ok, err := l.Acquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, lease.Degraded)
	assert.NoError(t, l.Release(ctx, lease))

	locked, err := l.IsLocked(ctx, "X")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFailClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(brokenStore{}, Config{FailOpen: false}, nil)

	_, ok, err := l.Acquire(ctx, "X")
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = l.IsLocked(ctx, "X")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestKeysArePrefixedPerTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memorycache.New()
	l := New(store, Config{KeyPrefix: "lock:", TTL: time.Minute}, nil)

	_, ok, _ := l.Acquire(ctx, "a")
	require.True(t, ok)
	_, ok, _ = l.Acquire(ctx, "b")
	require.True(t, ok)

	_, present, err := store.Get(ctx, "lock:a")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, 2, store.Len())
}
