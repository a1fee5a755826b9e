package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/echoat/internal/lock"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/storage"
	"github.com/snehjoshi/echoat/internal/types"
)

// Outcome is the result of one HandleNewItem call.
type Outcome int

const (
	// OutcomeEmpty: the send queue was empty (a spurious or late wakeup).
	OutcomeEmpty Outcome = iota
	// OutcomeDelivered: the claim was won and the sinks were invoked.
	OutcomeDelivered
	// OutcomeContended: another holder kept the claim past the hand-off wait.
	OutcomeContended
	// OutcomeDropped: the popped element was not a valid entry.
	OutcomeDropped
	// OutcomeReturned: the worker stopped before delivering and put the entry back.
	OutcomeReturned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeContended:
		return "contended"
	case OutcomeDropped:
		return "dropped"
	case OutcomeReturned:
		return "returned"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// WorkerConfig holds the shared-store names and claim timing for a Worker.
type WorkerConfig struct {
	IndexKey     string
	QueueKey     string
	NewItemTopic string
	LockTTL      time.Duration
	// HandoffWait is how long a contended claim is retried before the entry is
	// skipped. The scanner holds the claim for a moment after queuing an entry.
	HandoffWait time.Duration
	NodeID      string
}

// Worker consumes the send queue: pop one entry, wait for its due time, claim
// it, hand it to the sinks, release.
type Worker struct {
	store    storage.Store
	locks    *lock.Manager
	dispatch *Dispatcher
	cfg      WorkerConfig
	log      *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewWorker returns a Worker. log and reg may be nil.
func NewWorker(store storage.Store, locks *lock.Manager, dispatch *Dispatcher, cfg WorkerConfig, log *slog.Logger, reg *metrics.Registry) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:    store,
		locks:    locks,
		dispatch: dispatch,
		cfg:      cfg,
		log:      log.With("component", "worker"),
		metrics:  metrics.OrNew(reg),
		now:      time.Now,
	}
}

// HandleNewItem reacts to one new-item signal.
//
// The popped entry belongs to this worker alone, so it is never silently
// dropped on the way out: if the worker stops before its due time the entry
// goes back to the time index, and if the claim fails on a store error it
// goes back to the send queue.
func (w *Worker) HandleNewItem(ctx context.Context) (Outcome, error) {
	raw, ok, err := w.store.PopHead(ctx, w.cfg.QueueKey)
	if err != nil {
		w.metrics.StoreErrors.Inc("lpop")
		return OutcomeEmpty, fmt.Errorf("worker: pop: %w", err)
	}
	if !ok {
		return OutcomeEmpty, nil
	}

	e, err := types.Decode(raw)
	if err != nil {
		w.log.Error("dropping malformed queue element", "raw", raw, "error", err)
		return OutcomeDropped, nil
	}

	if err := w.waitUntilDue(ctx, e); err != nil {
		w.returnToIndex(e, raw)
		return OutcomeReturned, err
	}

	l, ok, err := w.locks.AcquireWait(ctx, e.LockKey(), w.cfg.LockTTL, w.cfg.HandoffWait)
	if err != nil {
		w.metrics.Claims.Inc(metrics.Key(metrics.StageDeliver, metrics.ClaimError))
		w.returnToQueue(e, raw)
		return OutcomeReturned, err
	}
	if !ok {
		w.metrics.Claims.Inc(metrics.Key(metrics.StageDeliver, metrics.ClaimContended))
		w.log.Debug("claim contended, skipping", "id", e.ID)
		return OutcomeContended, nil
	}
	defer w.locks.Release(ctx, l)
	w.metrics.Claims.Inc(metrics.Key(metrics.StageDeliver, metrics.ClaimWon))

	// A claimed delivery runs to completion even during shutdown.
	w.dispatch.Dispatch(context.WithoutCancel(ctx), NewDelivery(e, w.cfg.NodeID, w.now()))
	w.log.Debug("delivered", "id", e.ID, "due_at", e.DueTime(), "late", w.now().Sub(e.DueTime()))
	return OutcomeDelivered, nil
}

// waitUntilDue blocks until e is due. Scan passes look ahead by a poll window,
// so entries routinely arrive a little early.
func (w *Worker) waitUntilDue(ctx context.Context, e *types.Entry) error {
	d := e.DueTime().Sub(w.now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Worker) returnToIndex(e *types.Entry, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.store.ZAdd(ctx, w.cfg.IndexKey, e.DueAt, raw); err != nil {
		w.metrics.StoreErrors.Inc("zadd")
		w.log.Error("entry lost: could not return it to the index", "id", e.ID, "error", err)
		return
	}
	w.log.Info("returned undelivered entry to the index", "id", e.ID)
}

func (w *Worker) returnToQueue(e *types.Entry, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.store.PushTail(ctx, w.cfg.QueueKey, raw); err != nil {
		w.metrics.StoreErrors.Inc("rpush")
		w.log.Error("entry lost: could not return it to the send queue", "id", e.ID, "error", err)
		return
	}
	if err := w.store.Publish(ctx, w.cfg.NewItemTopic, e.ID); err != nil {
		w.metrics.StoreErrors.Inc("publish")
		w.log.Warn("requeued entry without a signal", "id", e.ID, "error", err)
	}
}
