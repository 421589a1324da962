// Package lock provides a TTL-bounded per-target mutex over a shared cache
// store. Each acquisition carries a random token; release only deletes the key
// while it still holds that token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

// ErrStoreUnavailable wraps backing store failures surfaced in fail-closed mode.
var ErrStoreUnavailable = errors.New("lock store unavailable")

// Store is the cache the lock lives in.
type Store interface {
	// SetNX sets key to value with ttl only if key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Config controls lock behavior.
type Config struct {
	TTL       time.Duration
	KeyPrefix string
	// FailOpen treats an unreachable store as unlocked.
	FailOpen bool
}

// DefaultConfig returns a 120s TTL, fail-open lock.
func DefaultConfig() Config {
	return Config{TTL: 120 * time.Second, KeyPrefix: "scrape_lock:", FailOpen: true}
}

// Lease proves ownership of an acquired lock.
type Lease struct {
	TargetID   string    `json:"target_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	// Degraded is set when the lock was granted without the store (fail-open).
	Degraded bool `json:"degraded,omitempty"`

	value string
}

// Locker implements acquire/release/isLocked.
type Locker struct {
	store    Store
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	newToken func() string
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(l *Locker) { l.now = fn }
}

// WithTokenGenerator overrides token generation.
func WithTokenGenerator(fn func() string) Option {
	return func(l *Locker) { l.newToken = fn }
}

// New builds a Locker. A non-positive TTL falls back to the default.
func New(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Locker{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire tries to take the lock for targetID. It reports false with no side
// effects when someone else holds it. Store failures grant a degraded lease in
// fail-open mode and return ErrStoreUnavailable otherwise.
func (l *Locker) Acquire(ctx context.Context, targetID string) (Lease, bool, error) {
	now := l.now()
	lease := Lease{
		TargetID:   targetID,
		Token:      l.newToken(),
		AcquiredAt: now,
	}
	lease.value = strconv.FormatInt(now.UnixMilli(), 10) + ":" + lease.Token

	ok, err := l.store.SetNX(ctx, l.key(targetID), lease.value, l.cfg.TTL)
	if err != nil {
		if l.cfg.FailOpen {
			telemetry.ObserveLockAcquire("fail_open")
			l.logger.Warn("lock store unreachable, proceeding unlocked",
				zap.String("target", targetID),
				zap.Error(err),
			)
			lease.Degraded = true
			return lease, true, nil
		}
		telemetry.ObserveLockAcquire("error")
		return Lease{}, false, fmt.Errorf("acquire lock %q: %w: %w", targetID, ErrStoreUnavailable, err)
	}
	if !ok {
		telemetry.ObserveLockAcquire("contended")
		return Lease{}, false, nil
	}
	telemetry.ObserveLockAcquire("acquired")
	return lease, true, nil
}

// Release deletes the lock if lease still owns it. A lock that expired and was
// taken by someone else is left alone.
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if lease.Degraded || lease.value == "" {
		return nil
	}
	deleted, err := l.store.CompareAndDelete(ctx, l.key(lease.TargetID), lease.value)
	if err != nil {
		return fmt.Errorf("release lock %q: %w: %w", lease.TargetID, ErrStoreUnavailable, err)
	}
	if !deleted {
		l.logger.Debug("lock no longer owned at release",
			zap.String("target", lease.TargetID),
			zap.String("token", lease.Token),
		)
	}
	return nil
}

// IsLocked reports whether a live lock exists for targetID.
func (l *Locker) IsLocked(ctx context.Context, targetID string) (bool, error) {
	_, locked, err := l.LockedSince(ctx, targetID)
	return locked, err
}

// LockedSince returns the acquisition time of the live lock on targetID.
func (l *Locker) LockedSince(ctx context.Context, targetID string) (time.Time, bool, error) {
	value, ok, err := l.store.Get(ctx, l.key(targetID))
	if err != nil {
		if l.cfg.FailOpen {
			l.logger.Warn("lock store unreachable, reporting unlocked",
				zap.String("target", targetID),
				zap.Error(err),
			)
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("check lock %q: %w: %w", targetID, ErrStoreUnavailable, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return parseAcquiredAt(value), true, nil
}

func (l *Locker) key(targetID string) string {
	return l.cfg.KeyPrefix + targetID
}

func parseAcquiredAt(value string) time.Time {
	ms, _, _ := strings.Cut(value, ":")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
