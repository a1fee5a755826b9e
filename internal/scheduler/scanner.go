package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/echoat/internal/lock"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/storage"
)

// Signal payloads. Subscribers only look at the topic.
const (
	ScanPayload    = "scan"
	NewItemPayload = "new"
)

// publishAttempts bounds the retries of one failed publish. After that the
// loop's watchdog takes over.
const publishAttempts = 6

// ScannerConfig tunes the scan pass.
type ScannerConfig struct {
	QueueKey     string
	ScanTopic    string
	NewItemTopic string

	// PollWindow is how far ahead of now a pass looks.
	PollWindow time.Duration
	LockTTL    time.Duration
	// Pacing is slept before the next scan signal is published.
	Pacing time.Duration
	// CatchUp makes the lower bound of every pass -inf instead of now.
	CatchUp bool
}

// PassResult counts what one scan pass did.
type PassResult struct {
	Found     int
	Moved     int
	Contended int
	Stale     int
	Failed    int
	Malformed int
}

// Scanner is the due-message scanner.
type Scanner struct {
	store   storage.Store
	index   *Index
	claims  *claimer
	cfg     ScannerConfig
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
	backoff time.Duration
}

// NewScanner returns a Scanner. log and reg may be nil.
func NewScanner(store storage.Store, index *Index, locks *lock.Manager, cfg ScannerConfig, log *slog.Logger, reg *metrics.Registry) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scanner")
	reg = metrics.OrNew(reg)
	return &Scanner{
		store:   store,
		index:   index,
		claims:  &claimer{index: index, locks: locks, ttl: cfg.LockTTL, log: log, metrics: reg},
		cfg:     cfg,
		log:     log,
		metrics: reg,
		now:     time.Now,
		backoff: 100 * time.Millisecond,
	}
}

// HandleScan runs one pass and then re-arms the cadence. The re-arm happens
// whatever the pass did, including when it found nothing or failed, so a
// store outage never stops polling for good.
func (s *Scanner) HandleScan(ctx context.Context) (PassResult, error) {
	res, passErr := s.Pass(ctx)
	if err := s.Rearm(ctx); err != nil && passErr == nil {
		return res, err
	}
	return res, passErr
}

// Pass claims every entry due within the window and moves it to the send
// queue. Entries are processed in ascending due order.
func (s *Scanner) Pass(ctx context.Context) (PassResult, error) {
	var res PassResult

	now := s.now().UnixMilli()
	from := now
	if s.cfg.CatchUp {
		from = storage.ScoreMin
	}
	due, malformed, err := s.index.DueEntries(ctx, from, now+s.cfg.PollWindow.Milliseconds())
	if err != nil {
		s.metrics.Scans.Inc("error")
		s.metrics.StoreErrors.Inc("zrange")
		s.log.Warn("scan pass abandoned", "error", err)
		return res, err
	}
	res.Found = len(due)
	res.Malformed = len(malformed)
	s.dropMalformed(ctx, malformed)

	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.claims.claim(ctx, metrics.StageScan, d, s.pushToQueue(d)) {
		case claimActed:
			res.Moved++
			// Published after the claim is released so the woken worker does
			// not find the scanner still holding it.
			s.publish(ctx, s.cfg.NewItemTopic, NewItemPayload)
		case claimContended:
			res.Contended++
		case claimStale:
			res.Stale++
		case claimFailed:
			res.Failed++
		}
	}

	switch {
	case res.Moved > 0:
		s.metrics.Scans.Inc("moved")
	case res.Found == 0:
		s.metrics.Scans.Inc("empty")
	default:
		s.metrics.Scans.Inc("idle")
	}
	if res.Found > 0 {
		s.log.Debug("scan pass", "found", res.Found, "moved", res.Moved,
			"contended", res.Contended, "stale", res.Stale, "failed", res.Failed)
	}
	return res, ctx.Err()
}

func (s *Scanner) pushToQueue(d Due) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := s.store.PushTail(ctx, s.cfg.QueueKey, d.Raw); err != nil {
			s.metrics.StoreErrors.Inc("rpush")
			return fmt.Errorf("push to send queue: %w", err)
		}
		return nil
	}
}

// dropMalformed removes members that can never be delivered, so they are not
// re-read on every pass.
func (s *Scanner) dropMalformed(ctx context.Context, malformed []string) {
	for _, raw := range malformed {
		s.log.Error("dropping malformed index member", "raw", raw)
		if _, err := s.index.Remove(ctx, raw); err != nil {
			s.metrics.StoreErrors.Inc("zrem")
		}
	}
}

// Rearm waits out the pacing delay and publishes the next scan signal.
func (s *Scanner) Rearm(ctx context.Context) error {
	if s.cfg.Pacing > 0 {
		t := time.NewTimer(s.cfg.Pacing)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return s.publish(ctx, s.cfg.ScanTopic, ScanPayload)
}

// publish sends a signal, retrying with exponential backoff on failure.
func (s *Scanner) publish(ctx context.Context, topic, payload string) error {
	return publishWithRetry(ctx, s.store, topic, payload, s.backoff, s.log, s.metrics)
}

func publishWithRetry(ctx context.Context, ps storage.PubSub, topic, payload string, backoff time.Duration, log *slog.Logger, reg *metrics.Registry) error {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = ps.Publish(ctx, topic, payload); err == nil {
			reg.Signals.Inc(metrics.Key(topic, metrics.DirSent))
			return nil
		}
		reg.StoreErrors.Inc("publish")
		log.Warn("publish failed", "topic", topic, "attempt", attempt, "error", err)
		if attempt == publishAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return fmt.Errorf("scheduler: publish %s: %w", topic, err)
}
