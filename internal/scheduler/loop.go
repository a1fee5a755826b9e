package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/echoat/internal/delivery"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/storage"
)

// LoopConfig selects what a Loop runs.
type LoopConfig struct {
	ScanTopic    string
	NewItemTopic string
	QueueKey     string

	// RunScanner subscribes to scan signals and runs the Scanner.
	RunScanner bool
	// Workers is the number of delivery workers; zero runs none.
	Workers int
	// Watchdog re-publishes a scan signal when none arrived for this long.
	Watchdog time.Duration
}

// Loop is the scheduler signal loop.
//
// Scan signals are coalesced: at most one pass runs and at most one more is
// pending, however many processes re-armed at once. New-item signals are
// counted, and each one lets exactly one worker pop one element.
//
// Usage:
//
//	l := scheduler.NewLoop(store, scanner, worker, cfg, log, reg)
//	if err := l.Start(ctx); err != nil { ... }
//	defer l.Stop()
type Loop struct {
	store   storage.Store
	scanner *Scanner
	worker  *delivery.Worker
	cfg     LoopConfig
	log     *slog.Logger
	metrics *metrics.Registry

	// scanReq is a buffered channel of capacity 1. A pending request absorbs
	// any further scan signals until the scan goroutine takes it.
	scanReq chan struct{}

	// pending counts new-item signals not yet taken by a worker. wake has
	// capacity Workers and nudges idle workers to look at pending.
	pending atomic.Int64
	wake    chan struct{}

	sub     storage.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewLoop returns a Loop. scanner may be nil when cfg.RunScanner is false and
// worker may be nil when cfg.Workers is zero.
func NewLoop(store storage.Store, scanner *Scanner, worker *delivery.Worker, cfg LoopConfig, log *slog.Logger, reg *metrics.Registry) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		store:   store,
		scanner: scanner,
		worker:  worker,
		cfg:     cfg,
		log:     log.With("component", "loop"),
		metrics: metrics.OrNew(reg),
		scanReq: make(chan struct{}, 1),
		wake:    make(chan struct{}, max(cfg.Workers, 1)),
	}
}

// Start subscribes, launches the goroutines and publishes the bootstrap scan
// signal. It returns once the subscription is live.
func (l *Loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: loop already started")
	}
	if l.cfg.RunScanner && l.scanner == nil {
		return errors.New("scheduler: RunScanner requires a scanner")
	}
	if l.cfg.Workers > 0 && l.worker == nil {
		return errors.New("scheduler: workers require a delivery worker")
	}

	var topics []string
	if l.cfg.RunScanner {
		topics = append(topics, l.cfg.ScanTopic)
	}
	if l.cfg.Workers > 0 {
		topics = append(topics, l.cfg.NewItemTopic)
	}
	if len(topics) == 0 {
		return errors.New("scheduler: loop has nothing to run")
	}

	sub, err := l.store.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	l.sub = sub

	ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))

	l.wg.Add(1)
	go l.route(ctx)

	if l.cfg.Workers > 0 {
		l.adoptQueued(ctx)
		for i := 0; i < l.cfg.Workers; i++ {
			l.wg.Add(1)
			go l.runWorker(ctx)
		}
	}

	if l.cfg.RunScanner {
		l.wg.Add(1)
		go l.runScanner(ctx)
		if err := l.scanner.publish(ctx, l.cfg.ScanTopic, ScanPayload); err != nil {
			l.log.Warn("bootstrap scan signal not published; watchdog will retry", "error", err)
		}
	}

	l.log.Info("signal loop started", "topics", topics, "workers", l.cfg.Workers)
	return nil
}

// Stop cancels the goroutines, closes the subscription and waits. In-flight
// deliveries finish first.
func (l *Loop) Stop() {
	if l.cancel == nil || !l.stopped.CompareAndSwap(false, true) {
		return
	}
	l.cancel()
	_ = l.sub.Close()
	l.wg.Wait()
}

// ─── goroutines ──────────────────────────────────────────────────────────────

func (l *Loop) route(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-l.sub.C():
			if !ok {
				if ctx.Err() == nil {
					l.log.Error("signal subscription closed unexpectedly")
				}
				return
			}
			l.metrics.Signals.Inc(metrics.Key(sig.Topic, metrics.DirReceived))
			switch sig.Topic {
			case l.cfg.ScanTopic:
				l.requestScan()
			case l.cfg.NewItemTopic:
				l.addWork(1)
			}
		}
	}
}

func (l *Loop) requestScan() {
	select {
	case l.scanReq <- struct{}{}:
	default:
	}
}

func (l *Loop) addWork(n int64) {
	l.pending.Add(n)
	for i := int64(0); i < n; i++ {
		select {
		case l.wake <- struct{}{}:
		default:
			return
		}
	}
}

// takeWork claims one unit of pending work.
func (l *Loop) takeWork() bool {
	for {
		n := l.pending.Load()
		if n <= 0 {
			return false
		}
		if l.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// adoptQueued counts elements already sitting in the send queue, whose
// signals were published before this process subscribed.
func (l *Loop) adoptQueued(ctx context.Context) {
	n, err := l.store.Len(ctx, l.cfg.QueueKey)
	if err != nil {
		l.metrics.StoreErrors.Inc("llen")
		l.log.Warn("could not read send queue length", "error", err)
		return
	}
	if n > 0 {
		l.log.Info("adopting queued entries", "count", n)
		l.addWork(n)
	}
}

func (l *Loop) runWorker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for ctx.Err() == nil && l.takeWork() {
			out, err := l.worker.HandleNewItem(ctx)
			if err != nil && ctx.Err() == nil {
				l.log.Warn("delivery worker cycle failed", "outcome", out, "error", err)
			}
		}
	}
}

func (l *Loop) runScanner(ctx context.Context) {
	defer l.wg.Done()

	watchdog := time.NewTimer(l.cfg.Watchdog)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.scanReq:
			if _, err := l.scanner.HandleScan(ctx); err != nil && ctx.Err() == nil {
				l.log.Debug("scan cycle ended with error", "error", err)
			}
		case <-watchdog.C:
			l.metrics.Scans.Inc("watchdog")
			l.log.Warn("no scan signal within watchdog interval, re-arming", "watchdog", l.cfg.Watchdog)
			if err := l.scanner.publish(ctx, l.cfg.ScanTopic, ScanPayload); err != nil && ctx.Err() == nil {
				l.log.Warn("watchdog re-arm failed", "error", err)
			}
		}
		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(l.cfg.Watchdog)
	}
}
