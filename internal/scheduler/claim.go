package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/snehjoshi/echoat/internal/lock"
	"github.com/snehjoshi/echoat/internal/metrics"
)

// claimResult is the outcome of claiming one indexed entry.
type claimResult int

const (
	claimActed     claimResult = iota // won, acted, removed
	claimContended                    // someone else holds the claim
	claimStale                        // won, but the entry had already left the index
	claimFailed                       // store error or act failed; entry stays indexed
)

// claimer runs the claim protocol shared by the scanner and the recovery pass:
//
//	acquire → still indexed? → act → remove → release
//
// A holder that sees the entry indexed while holding its claim is the only
// one acting on it. A crash between act and remove leaves the entry indexed.
//
// With removeFirst the entry leaves the index before act runs. The recovery
// pass delivers inside act, and a sink may outlast the claim's TTL; an entry
// that is no longer indexed cannot be claimed by another pass.
type claimer struct {
	index       *Index
	locks       *lock.Manager
	ttl         time.Duration
	// removeFirst removes the entry before act. A failed act then loses the
	// entry instead of leaving it for another pass.
	removeFirst bool
	log         *slog.Logger
	metrics     *metrics.Registry
}

func (c *claimer) claim(ctx context.Context, stage string, d Due, act func(ctx context.Context) error) claimResult {
	l, ok, err := c.locks.Acquire(ctx, d.Entry.LockKey(), c.ttl)
	if err != nil {
		c.metrics.Claims.Inc(metrics.Key(stage, metrics.ClaimError))
		c.metrics.StoreErrors.Inc("lock")
		c.log.Warn("claim failed", "stage", stage, "id", d.Entry.ID, "error", err)
		return claimFailed
	}
	if !ok {
		c.metrics.Claims.Inc(metrics.Key(stage, metrics.ClaimContended))
		return claimContended
	}
	defer c.locks.Release(ctx, l)

	present, err := c.index.Contains(ctx, d.Raw)
	if err != nil {
		c.metrics.Claims.Inc(metrics.Key(stage, metrics.ClaimError))
		c.metrics.StoreErrors.Inc("zscore")
		c.log.Warn("claim check failed", "stage", stage, "id", d.Entry.ID, "error", err)
		return claimFailed
	}
	if !present {
		c.metrics.Claims.Inc(metrics.Key(stage, "stale"))
		return claimStale
	}
	c.metrics.Claims.Inc(metrics.Key(stage, metrics.ClaimWon))

	if c.removeFirst {
		return c.removeThenAct(ctx, stage, d, act)
	}

	if err := act(ctx); err != nil {
		c.log.Warn("claimed entry left in index", "stage", stage, "id", d.Entry.ID, "error", err)
		return claimFailed
	}
	if _, err := c.index.Remove(ctx, d.Raw); err != nil {
		// The entry has been acted on but is still indexed. Once the claim
		// expires another pass may act on it again.
		c.metrics.StoreErrors.Inc("zrem")
		c.log.Error("acted on entry but could not remove it from the index", "stage", stage, "id", d.Entry.ID, "error", err)
	}
	return claimActed
}

func (c *claimer) removeThenAct(ctx context.Context, stage string, d Due, act func(ctx context.Context) error) claimResult {
	removed, err := c.index.Remove(ctx, d.Raw)
	if err != nil {
		c.metrics.StoreErrors.Inc("zrem")
		c.log.Warn("claimed entry left in index", "stage", stage, "id", d.Entry.ID, "error", err)
		return claimFailed
	}
	if !removed {
		return claimStale
	}
	if err := act(ctx); err != nil {
		c.log.Error("entry removed but not acted on", "stage", stage, "id", d.Entry.ID, "error", err)
		return claimFailed
	}
	return claimActed
}
