// Package delivery hands due entries to sinks.
//
// A sink is the side-effecting end of the pipeline, such as stdout or a
// webhook. Delivery is fire-and-forget. A sink error or panic is
// logged and counted by the Dispatcher and never retried.
package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/types"
)

// Delivery is what a sink receives for one due entry.
type Delivery struct {
	ID          string
	Payload     string
	DueAt       time.Time
	DeliveredAt time.Time
	NodeID      string
}

// NewDelivery builds the Delivery for e.
func NewDelivery(e *types.Entry, nodeID string, now time.Time) Delivery {
	return Delivery{
		ID:          e.ID,
		Payload:     e.Payload,
		DueAt:       e.DueTime(),
		DeliveredAt: now.UTC(),
		NodeID:      nodeID,
	}
}

// Sink receives due messages.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Name() string { return "func" }

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// ConsoleSink writes each payload as one line.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink returns a ConsoleSink writing to w.
func NewConsoleSink(w io.Writer) *ConsoleSink { return &ConsoleSink{w: w} }

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Deliver(_ context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, d.Payload)
	return err
}

// ─── Dispatcher ──────────────────────────────────────────────────────────────

// Dispatcher invokes every configured sink for a delivery.
type Dispatcher struct {
	sinks   []Sink
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewDispatcher returns a Dispatcher over sinks. log and reg may be nil.
func NewDispatcher(log *slog.Logger, reg *metrics.Registry, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sinks: sinks, log: log.With("component", "sink"), metrics: metrics.OrNew(reg)}
}

// Dispatch hands dl to each sink in turn. It never fails: sink errors and
// panics are logged and counted, and the next sink still runs.
func (d *Dispatcher) Dispatch(ctx context.Context, dl Delivery) {
	for _, s := range d.sinks {
		outcome := "ok"
		if err := invoke(ctx, s, dl); err != nil {
			outcome = "error"
			d.log.Error("sink failed", "sink", s.Name(), "id", dl.ID, "error", err)
		}
		d.metrics.Deliveries.Inc(metrics.Key(s.Name(), outcome))
	}
}

func invoke(ctx context.Context, s Sink, dl Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Deliver(ctx, dl)
}
