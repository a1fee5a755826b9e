// Package lock implements claim locks on top of a shared store.
//
// A lock is a key holding a random token with a TTL. Acquire sets the key only
// if it is absent; Release deletes it only while it still holds the caller's
// token, so a holder whose TTL lapsed can never free somebody else's claim.
// Losing a race is a normal outcome reported as acquired=false, not an error.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/storage"
)

// releaseTimeout bounds a release issued after the caller's context ended.
const releaseTimeout = 2 * time.Second

// Lock is a held claim.
type Lock struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Manager acquires and releases claim locks.
type Manager struct {
	locker  storage.Locker
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used to measure hold times.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a Manager. log and reg may be nil.
func NewManager(locker storage.Locker, log *slog.Logger, reg *metrics.Registry, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		locker:  locker,
		log:     log.With("component", "lock"),
		metrics: metrics.OrNew(reg),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire tries once to take key for ttl. It returns (nil, false, nil) when
// another holder owns the key.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock: ttl must be positive, got %v", ttl)
	}
	token := uuid.NewString()
	start := m.now()
	ok, err := m.locker.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl, AcquiredAt: start}, true, nil
}

// AcquireWait retries Acquire until it succeeds, wait elapses or ctx ends.
// It is used where the current holder is expected to release shortly.
func (m *Manager) AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, bool, error) {
	deadline := m.now().Add(wait)
	backoff := 5 * time.Millisecond
	for {
		l, ok, err := m.Acquire(ctx, key, ttl)
		if err != nil || ok {
			return l, ok, err
		}
		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return nil, false, nil
		}
		if backoff > remaining {
			backoff = remaining
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false, ctx.Err()
		case <-t.C:
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release frees l early. Failures are logged, never returned: the TTL bounds
// how long a stale claim can live. Release runs even when ctx is done.
func (m *Manager) Release(ctx context.Context, l *Lock) {
	if l == nil {
		return
	}
	if held := m.now().Sub(l.AcquiredAt); held > l.TTL {
		m.metrics.LockOverruns.Add(1)
		m.log.Warn("lock held past its ttl", "key", l.Key, "held", held, "ttl", l.TTL)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	ok, err := m.locker.DeleteIfEquals(ctx, l.Key, l.Token)
	switch {
	case err != nil:
		m.metrics.LockReleases.Inc("error")
		m.log.Warn("lock release failed", "key", l.Key, "error", err)
	case !ok:
		// Expired and possibly re-taken by another holder.
		m.metrics.LockReleases.Inc("lost")
		m.log.Warn("lock already expired at release", "key", l.Key)
	default:
		m.metrics.LockReleases.Inc("released")
	}
}

// WithLock runs fn while holding key. It reports acquired=false without
// calling fn when the key is taken. The lock is released on every exit path,
// including a panic in fn.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	l, ok, err := m.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer m.Release(ctx, l)
	return true, fn(ctx)
}
