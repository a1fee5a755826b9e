// Package broker is the entry point to echoat.
//
// Transports (HTTP, CLI, SDK tests) talk to the Broker, never directly to the
// scheduler or the store. The Broker owns the wiring of one process:
//
//	Enqueue → scheduler.Index → shared store
//	Start   → scheduler.Recovery (once) → scheduler.Loop
//	          → scheduler.Scanner + delivery.Worker pool → sinks
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/echoat/internal/config"
	"github.com/snehjoshi/echoat/internal/delivery"
	"github.com/snehjoshi/echoat/internal/lock"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/node"
	"github.com/snehjoshi/echoat/internal/scheduler"
	"github.com/snehjoshi/echoat/internal/storage"
	"github.com/snehjoshi/echoat/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

// ErrInvalid groups every enqueue validation failure. Transports map it to a
// client error with errors.Is.
var ErrInvalid = errors.New("broker: invalid request")

var (
	ErrNotFuture       = fmt.Errorf("%w: deliver_at must be in the future", ErrInvalid)
	ErrTooFarAhead     = fmt.Errorf("%w: deliver_at is too far in the future", ErrInvalid)
	ErrEmptyPayload    = fmt.Errorf("%w: payload is empty", ErrInvalid)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload is too large", ErrInvalid)

	// ErrStarted is returned by Start when the broker is already running.
	ErrStarted = errors.New("broker: already started")
)

// ─── Request / Response types ─────────────────────────────────────────────────

// EnqueueRequest carries one message to deliver later.
type EnqueueRequest struct {
	Payload string
	// DeliverAt is the due time in unix milliseconds. It must be in the future.
	DeliverAt int64
}

// Stats is a snapshot of the shared store.
type Stats struct {
	// Pending is the number of entries waiting in the time index.
	Pending int64 `json:"pending"`
	// Queued is the number of entries on the send queue awaiting a worker.
	Queued int64 `json:"queued"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry. Every component the broker builds
// records into it, and the index and queue sizes are registered as gauges.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger passed to every component.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithSinks sets the delivery sinks. Without it due messages go to a console
// sink on stdout.
func WithSinks(sinks ...delivery.Sink) Option {
	return func(b *Broker) { b.sinks = sinks }
}

// WithClock overrides time.Now for enqueue validation.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the index, scanner, recovery pass, delivery workers and signal
// loop of one process around an injected shared store.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	nodeID string
	store  storage.Store

	index    *scheduler.Index
	recovery *scheduler.Recovery
	loop     *scheduler.Loop

	maxAhead   time.Duration
	maxPayload int

	log     *slog.Logger
	metrics *metrics.Registry
	sinks   []delivery.Sink
	now     func() time.Time

	started atomic.Bool
}

// New builds a Broker over store. The store is owned by the caller and is not
// closed by Close. Nothing runs until Start is called; Enqueue works before.
func New(cfg *config.Config, nodeID string, store storage.Store, opts ...Option) (*Broker, error) {
	d, err := cfg.Scheduler.Durations()
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	b := &Broker{
		cfg:        cfg,
		nodeID:     nodeID,
		store:      store,
		maxAhead:   d.MaxScheduleAhead,
		maxPayload: cfg.Scheduler.MaxPayloadKB * 1024,
		now:        time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if len(b.sinks) == 0 {
		b.sinks = []delivery.Sink{delivery.NewConsoleSink(os.Stdout)}
	}
	b.registerGauges()
	reg := metrics.OrNew(b.metrics)
	b.metrics = reg

	keys := cfg.Store.Keys
	b.index = scheduler.NewIndex(store, keys.Index)
	locks := lock.NewManager(store, b.log, reg)
	dispatch := delivery.NewDispatcher(b.log, reg, b.sinks...)

	role := cfg.Node.Role
	if role == "" {
		role = config.RoleAll
	}

	var scanner *scheduler.Scanner
	if role.RunsScheduler() {
		scanner = scheduler.NewScanner(store, b.index, locks, scheduler.ScannerConfig{
			QueueKey:     keys.SendQueue,
			ScanTopic:    keys.ScanTopic,
			NewItemTopic: keys.NewItemTopic,
			PollWindow:   d.PollWindow,
			LockTTL:      d.LockTTL,
			Pacing:       d.ScanPacing,
			CatchUp:      cfg.Scheduler.CatchUp,
		}, b.log, reg)
		if cfg.Scheduler.Recovery {
			b.recovery = scheduler.NewRecovery(b.index, locks, dispatch, d.LockTTL, nodeID, b.log, reg)
		}
	}

	workers := 0
	var worker *delivery.Worker
	if role.RunsWorkers() {
		workers = cfg.Scheduler.Workers
		worker = delivery.NewWorker(store, locks, dispatch, delivery.WorkerConfig{
			IndexKey:     keys.Index,
			QueueKey:     keys.SendQueue,
			NewItemTopic: keys.NewItemTopic,
			LockTTL:      d.LockTTL,
			HandoffWait:  d.LockTTL,
			NodeID:       nodeID,
		}, b.log, reg)
	}

	b.loop = scheduler.NewLoop(store, scanner, worker, scheduler.LoopConfig{
		ScanTopic:    keys.ScanTopic,
		NewItemTopic: keys.NewItemTopic,
		QueueKey:     keys.SendQueue,
		RunScanner:   scanner != nil,
		Workers:      workers,
		Watchdog:     d.Watchdog,
	}, b.log, reg)

	return b, nil
}

// registerGauges exposes the store sizes when a registry was supplied.
func (b *Broker) registerGauges() {
	if b.metrics == nil {
		return
	}
	sample := func(fn func(ctx context.Context) (int64, error)) func() int64 {
		return func() int64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			n, err := fn(ctx)
			if err != nil {
				return 0
			}
			return n
		}
	}
	keys := b.cfg.Store.Keys
	b.metrics.RegisterGauge("echoat_index_entries", "Entries waiting in the time index.",
		sample(func(ctx context.Context) (int64, error) { return b.store.ZCard(ctx, keys.Index) }))
	b.metrics.RegisterGauge("echoat_send_queue_length", "Entries on the send queue awaiting a worker.",
		sample(func(ctx context.Context) (int64, error) { return b.store.Len(ctx, keys.SendQueue) }))
}

// Start runs the recovery pass (when this process runs the scheduler) and then
// starts the signal loop. Recovery completes before the first scan signal is
// published.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if b.recovery != nil {
		// A failed recovery pass is not fatal: the scanner's catch-up window
		// picks up whatever is left.
		if _, err := b.recovery.Run(ctx, b.now()); err != nil && ctx.Err() == nil {
			b.log.Warn("recovery pass failed", "error", err)
		}
	}
	if err := b.loop.Start(ctx); err != nil {
		return fmt.Errorf("broker: start loop: %w", err)
	}
	names := make([]string, len(b.sinks))
	for i, s := range b.sinks {
		names[i] = s.Name()
	}
	b.log.Info("broker started", "node_id", b.nodeID, "role", b.cfg.Node.Role, "sinks", strings.Join(names, ","))
	return nil
}

// Close stops the signal loop and waits for in-flight deliveries.
func (b *Broker) Close() error {
	b.loop.Stop()
	return nil
}

// NodeID returns the identity recorded on accepted entries and deliveries.
func (b *Broker) NodeID() string { return b.nodeID }

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// Enqueue validates req and inserts a new entry into the time index. A
// rejected request leaves the store untouched.
func (b *Broker) Enqueue(ctx context.Context, req EnqueueRequest) (*types.Entry, error) {
	if err := b.validate(req); err != nil {
		b.metrics.Enqueued.Inc("rejected")
		return nil, err
	}

	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("broker: generate entry ID: %w", err)
	}
	e := &types.Entry{
		ID:         id,
		Payload:    req.Payload,
		DueAt:      req.DeliverAt,
		EnqueuedAt: b.now().UnixMilli(),
		NodeID:     b.nodeID,
	}
	if _, err := b.index.Enqueue(ctx, e); err != nil {
		b.metrics.Enqueued.Inc("error")
		b.metrics.StoreErrors.Inc("zadd")
		return nil, fmt.Errorf("broker: enqueue: %w", err)
	}

	b.metrics.Enqueued.Inc("accepted")
	b.log.Debug("entry enqueued", "id", e.ID, "due_at", e.DueTime())
	return e, nil
}

func (b *Broker) validate(req EnqueueRequest) error {
	if req.Payload == "" {
		return ErrEmptyPayload
	}
	if b.maxPayload > 0 && len(req.Payload) > b.maxPayload {
		return fmt.Errorf("%w (%d bytes, limit %d)", ErrPayloadTooLarge, len(req.Payload), b.maxPayload)
	}
	now := b.now().UnixMilli()
	if req.DeliverAt <= now {
		return ErrNotFuture
	}
	if b.maxAhead > 0 && req.DeliverAt > now+b.maxAhead.Milliseconds() {
		return fmt.Errorf("%w (limit %s)", ErrTooFarAhead, b.maxAhead)
	}
	return nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// Stats reads the index and send-queue sizes from the shared store.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	keys := b.cfg.Store.Keys
	pending, err := b.index.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("broker: stats: %w", err)
	}
	queued, err := b.store.Len(ctx, keys.SendQueue)
	if err != nil {
		return Stats{}, fmt.Errorf("broker: stats: %w", err)
	}
	return Stats{Pending: pending, Queued: queued}, nil
}

// Ping checks the shared store.
func (b *Broker) Ping(ctx context.Context) error { return b.store.Ping(ctx) }
