package broker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/snehjoshi/echoat/internal/broker"
	"github.com/snehjoshi/echoat/internal/config"
	"github.com/snehjoshi/echoat/internal/delivery"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/node"
	"github.com/snehjoshi/echoat/internal/storage"
	"github.com/snehjoshi/echoat/internal/storage/local"
	"github.com/snehjoshi/echoat/internal/storage/redisstore"
	"github.com/snehjoshi/echoat/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.PollWindow = "200ms"
	cfg.Scheduler.LockTTL = "1s"
	cfg.Scheduler.ScanPacing = "10ms"
	cfg.Scheduler.Watchdog = "1s"
	cfg.Scheduler.Workers = 2
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openLocal(t *testing.T) *local.Store {
	t.Helper()
	s, err := local.Open(filepath.Join(t.TempDir(), "echoat.db"))
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recorder struct {
	mu  sync.Mutex
	got []delivery.Delivery
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Deliver(_ context.Context, d delivery.Delivery) error {
	r.mu.Lock()
	r.got = append(r.got, d)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []delivery.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery.Delivery(nil), r.got...)
}

func (r *recorder) countByID() map[string]int {
	out := map[string]int{}
	for _, d := range r.all() {
		out[d.ID]++
	}
	return out
}

func newTestBroker(t *testing.T, cfg *config.Config, store storage.Store, opts ...broker.Option) *broker.Broker {
	t.Helper()
	opts = append([]broker.Option{broker.WithLogger(quietLogger())}, opts...)
	b, err := broker.New(cfg, node.MustNewID(), store, opts...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

func TestBroker_Enqueue_AssignsIDAndIndexes(t *testing.T) {
	ctx := context.Background()
	store := openLocal(t)
	b := newTestBroker(t, testConfig(), store)

	deliverAt := time.Now().Add(time.Minute).UnixMilli()
	e, err := b.Enqueue(ctx, broker.EnqueueRequest{Payload: "hello", DeliverAt: deliverAt})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if e.ID == "" || e.DueAt != deliverAt || e.NodeID != b.NodeID() {
		t.Fatalf("entry = %+v", e)
	}

	raw, _ := e.Encode()
	score, ok, err := store.ZScore(ctx, "messages", raw)
	if err != nil || !ok || score != deliverAt {
		t.Fatalf("ZScore = %d, %v, %v", score, ok, err)
	}
}

func TestBroker_Enqueue_DistinctIDsForSamePayload(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, testConfig(), openLocal(t))

	at := time.Now().Add(time.Minute).UnixMilli()
	a, _ := b.Enqueue(ctx, broker.EnqueueRequest{Payload: "dup", DeliverAt: at})
	c, _ := b.Enqueue(ctx, broker.EnqueueRequest{Payload: "dup", DeliverAt: at})
	if a.ID == c.ID {
		t.Fatal("two enqueues produced the same ID")
	}
	st, _ := b.Stats(ctx)
	if st.Pending != 2 {
		t.Fatalf("Pending = %d, want 2", st.Pending)
	}
}

func TestBroker_Enqueue_RejectsWithoutMutation(t *testing.T) {
	now := time.UnixMilli(1_800_000_000_000)
	cfg := testConfig()
	cfg.Scheduler.MaxScheduleAhead = "1d"
	cfg.Scheduler.MaxPayloadKB = 1

	cases := []struct {
		name string
		req  broker.EnqueueRequest
		want error
	}{
		{"past", broker.EnqueueRequest{Payload: "past", DeliverAt: now.Add(-5 * time.Second).UnixMilli()}, broker.ErrNotFuture},
		{"exactly now", broker.EnqueueRequest{Payload: "now", DeliverAt: now.UnixMilli()}, broker.ErrNotFuture},
		{"too far ahead", broker.EnqueueRequest{Payload: "later", DeliverAt: now.Add(48 * time.Hour).UnixMilli()}, broker.ErrTooFarAhead},
		{"empty payload", broker.EnqueueRequest{DeliverAt: now.Add(time.Second).UnixMilli()}, broker.ErrEmptyPayload},
		{"payload too large", broker.EnqueueRequest{Payload: strings.Repeat("x", 1025), DeliverAt: now.Add(time.Second).UnixMilli()}, broker.ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			reg := &metrics.Registry{}
			b := newTestBroker(t, cfg, openLocal(t), broker.WithClock(func() time.Time { return now }), broker.WithMetrics(reg))

			_, err := b.Enqueue(ctx, tc.req)
			if !errors.Is(err, tc.want) || !errors.Is(err, broker.ErrInvalid) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			st, err := b.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Pending != 0 || st.Queued != 0 {
				t.Fatalf("rejected enqueue mutated the store: %+v", st)
			}
			if n := reg.Enqueued.Value("rejected"); n != 1 {
				t.Errorf("rejected = %d, want 1", n)
			}
		})
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestBroker_HelloScenario(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	b := newTestBroker(t, testConfig(), openLocal(t), broker.WithSinks(rec))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	due := time.Now().Add(100 * time.Millisecond)
	e, err := b.Enqueue(ctx, broker.EnqueueRequest{Payload: "hello", DeliverAt: due.UnixMilli()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if !waitFor(3*time.Second, func() bool { return len(rec.all()) > 0 }) {
		t.Fatal("hello was not delivered")
	}
	time.Sleep(200 * time.Millisecond)

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d times, want 1", len(got))
	}
	if got[0].ID != e.ID || got[0].Payload != "hello" || got[0].DueAt.UnixMilli() != due.UnixMilli() {
		t.Fatalf("delivery = %+v", got[0])
	}
	if got[0].DeliveredAt.Before(got[0].DueAt) {
		t.Fatalf("delivered early at %v (due %v)", got[0].DeliveredAt, got[0].DueAt)
	}
	st, _ := b.Stats(ctx)
	if st.Pending != 0 || st.Queued != 0 {
		t.Fatalf("stores not empty after delivery: %+v", st)
	}
}

func TestBroker_StartRecoversOverdueEntries(t *testing.T) {
	ctx := context.Background()
	store := openLocal(t)

	// Left behind by a fleet that was down when it fell due.
	e := &types.Entry{ID: node.MustNewID(), Payload: "missed", DueAt: time.Now().Add(-time.Minute).UnixMilli()}
	raw, _ := e.Encode()
	if err := store.ZAdd(ctx, "messages", e.DueAt, raw); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	cfg := testConfig()
	cfg.Scheduler.Watchdog = "1h"
	b := newTestBroker(t, cfg, store, broker.WithSinks(rec))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Recovery runs inside Start, before any scan signal.
	got := rec.all()
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("deliveries after Start = %+v", got)
	}
	if err := b.Start(ctx); !errors.Is(err, broker.ErrStarted) {
		t.Fatalf("second Start = %v, want ErrStarted", err)
	}
}

func TestBroker_SplitRoles(t *testing.T) {
	ctx := context.Background()
	store := openLocal(t)

	schedCfg := testConfig()
	schedCfg.Node.Role = config.RoleScheduler
	workerCfg := testConfig()
	workerCfg.Node.Role = config.RoleWorker

	schedRec, workerRec := &recorder{}, &recorder{}
	sched := newTestBroker(t, schedCfg, store, broker.WithSinks(schedRec))
	worker := newTestBroker(t, workerCfg, store, broker.WithSinks(workerRec))
	for _, b := range []*broker.Broker{sched, worker} {
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	if _, err := sched.Enqueue(ctx, broker.EnqueueRequest{Payload: "split", DeliverAt: time.Now().Add(50 * time.Millisecond).UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	if !waitFor(3*time.Second, func() bool { return len(workerRec.all()) == 1 }) {
		t.Fatal("worker-only process did not deliver")
	}
	if n := len(schedRec.all()); n != 0 {
		t.Fatalf("scheduler-only process delivered %d entries", n)
	}
}

// Two processes sharing one Redis deliver every entry exactly once.
func TestBroker_TwoProcessesOneRedis(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)

	rec := &recorder{}
	var brokers []*broker.Broker
	for i := 0; i < 2; i++ {
		store, err := redisstore.New(ctx, redisstore.Config{Addr: m.Addr(), DialTimeout: time.Second})
		if err != nil {
			t.Fatalf("redisstore.New: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		b := newTestBroker(t, testConfig(), store, broker.WithSinks(rec))
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		brokers = append(brokers, b)
	}

	const n = 20
	start := time.Now()
	for i := 0; i < n; i++ {
		at := start.Add(time.Duration(100+i*10) * time.Millisecond).UnixMilli()
		if _, err := brokers[i%2].Enqueue(ctx, broker.EnqueueRequest{Payload: "m", DeliverAt: at}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if !waitFor(5*time.Second, func() bool { return len(rec.countByID()) == n }) {
		t.Fatalf("delivered %d of %d", len(rec.countByID()), n)
	}
	time.Sleep(300 * time.Millisecond)
	for id, c := range rec.countByID() {
		if c != 1 {
			t.Errorf("entry %s delivered %d times", id, c)
		}
	}
	for _, d := range rec.all() {
		if d.DeliveredAt.Before(d.DueAt) {
			t.Errorf("entry %s delivered early", d.ID)
		}
	}
}

func TestBroker_GaugesReportStoreSizes(t *testing.T) {
	ctx := context.Background()
	reg := &metrics.Registry{}
	b := newTestBroker(t, testConfig(), openLocal(t), broker.WithMetrics(reg))
	if _, err := b.Enqueue(ctx, broker.EnqueueRequest{Payload: "x", DeliverAt: time.Now().Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	out := reg.Render()
	if !strings.Contains(out, "echoat_index_entries 1") {
		t.Errorf("index gauge missing from:\n%s", out)
	}
	if !strings.Contains(out, "echoat_send_queue_length 0") {
		t.Errorf("queue gauge missing from:\n%s", out)
	}
}
