package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/snehjoshi/echoat/internal/delivery"
	"github.com/snehjoshi/echoat/internal/lock"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/storage"
)

// Recovery delivers entries that fell due while no worker was running.
// It runs once at startup, claims each overdue entry like a scan pass does,
// removes it from the index and hands it straight to the sinks instead of the
// send queue. A crash mid-delivery loses the entry rather than repeating it.
type Recovery struct {
	index    *Index
	claims   *claimer
	dispatch *delivery.Dispatcher
	nodeID   string
	log      *slog.Logger
	now      func() time.Time
}

// RecoveryResult counts what the recovery pass did.
type RecoveryResult struct {
	Overdue   int
	Delivered int
	Contended int
	Stale     int
	Failed    int
}

// NewRecovery returns a Recovery. log and reg may be nil.
func NewRecovery(index *Index, locks *lock.Manager, dispatch *delivery.Dispatcher, lockTTL time.Duration, nodeID string, log *slog.Logger, reg *metrics.Registry) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "recovery")
	claims := &claimer{
		index:       index,
		locks:       locks,
		ttl:         lockTTL,
		removeFirst: true,
		log:         log,
		metrics:     metrics.OrNew(reg),
	}
	return &Recovery{
		index:    index,
		claims:   claims,
		dispatch: dispatch,
		nodeID:   nodeID,
		log:      log,
		now:      time.Now,
	}
}

// Run delivers every entry with dueAt <= startup. Entries another instance
// is recovering at the same time show up as contended.
func (r *Recovery) Run(ctx context.Context, startup time.Time) (RecoveryResult, error) {
	var res RecoveryResult

	due, malformed, err := r.index.DueEntries(ctx, storage.ScoreMin, startup.UnixMilli())
	if err != nil {
		r.log.Warn("recovery pass abandoned", "error", err)
		return res, err
	}
	for _, raw := range malformed {
		r.log.Error("skipping malformed index member", "raw", raw)
	}
	res.Overdue = len(due)

	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		act := func(ctx context.Context) error {
			r.dispatch.Dispatch(context.WithoutCancel(ctx), delivery.NewDelivery(d.Entry, r.nodeID, r.now()))
			return nil
		}
		switch r.claims.claim(ctx, metrics.StageRecover, d, act) {
		case claimActed:
			res.Delivered++
		case claimContended:
			res.Contended++
		case claimStale:
			res.Stale++
		case claimFailed:
			res.Failed++
		}
	}

	if res.Overdue > 0 {
		r.log.Info("recovery pass", "overdue", res.Overdue, "delivered", res.Delivered,
			"contended", res.Contended, "stale", res.Stale, "failed", res.Failed)
	}
	return res, ctx.Err()
}
