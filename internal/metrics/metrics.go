// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for echoat.
//
// # Counter naming convention
//
// Every labelled counter uses a tab-separated string as its label key so that
// a single sync.Map can hold all label combinations without additional map
// nesting.
//
//	Enqueued                        →  key = "outcome"
//	Signals                         →  key = "topic\tdirection"
//	Scans                           →  key = "outcome"
//	Claims                          →  key = "stage\toutcome"
//	Deliveries                      →  key = "sink\toutcome"
//	StoreErrors                     →  key = "op"
//	LockReleases                    →  key = "outcome"
//	HTTPReqs                        →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt          →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// and gauges in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Label values shared by the scheduler, lock manager and delivery worker.
const (
	StageScan    = "scan"
	StageDeliver = "deliver"
	StageRecover = "recover"

	ClaimWon       = "won"
	ClaimContended = "contended"
	ClaimError     = "error"

	DirSent     = "sent"
	DirReceived = "received"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all echoat application metrics. The zero value is ready to use.
type Registry struct {
	Enqueued    labelCounter
	Signals     labelCounter
	Scans       labelCounter
	Claims      labelCounter
	Deliveries  labelCounter
	StoreErrors labelCounter

	LockReleases labelCounter
	// LockOverruns counts critical sections that outlived their lock TTL.
	LockOverruns atomic.Int64

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	gaugeMu sync.Mutex
	gauges  []gauge
}

type gauge struct {
	name, help string
	fn         func() int64
}

// RegisterGauge adds a gauge sampled by fn on every scrape.
func (r *Registry) RegisterGauge(name, help string, fn func() int64) {
	r.gaugeMu.Lock()
	r.gauges = append(r.gauges, gauge{name: name, help: help, fn: fn})
	r.gaugeMu.Unlock()
}

// OrNew returns r, or a fresh Registry when r is nil. Components use it so a
// metrics registry is always optional.
func OrNew(r *Registry) *Registry {
	if r == nil {
		return &Registry{}
	}
	return r
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var b strings.Builder

	one := func(label string, lc *labelCounter) func(fn func(labels, val string)) {
		return func(fn func(labels, val string)) {
			lc.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`%s=%q`, label, key), fmt.Sprintf("%d", val))
			})
		}
	}
	two := func(l1, l2 string, lc *labelCounter) func(fn func(labels, val string)) {
		return func(fn func(labels, val string)) {
			lc.Each(func(key string, val int64) {
				a, c := splitTwo(key)
				fn(fmt.Sprintf(`%s=%q,%s=%q`, l1, a, l2, c), fmt.Sprintf("%d", val))
			})
		}
	}

	// ── pipeline counters ─────────────────────────────────────────────────
	writeFamily(&b, "echoat_entries_enqueued_total",
		"Enqueue requests by outcome", "counter", one("outcome", &r.Enqueued))
	writeFamily(&b, "echoat_signals_total",
		"Signals published and received by topic", "counter", two("topic", "direction", &r.Signals))
	writeFamily(&b, "echoat_scan_passes_total",
		"Scan passes by outcome", "counter", one("outcome", &r.Scans))
	writeFamily(&b, "echoat_claims_total",
		"Lock claims by pipeline stage and outcome", "counter", two("stage", "outcome", &r.Claims))
	writeFamily(&b, "echoat_deliveries_total",
		"Sink invocations by sink and outcome", "counter", two("sink", "outcome", &r.Deliveries))
	writeFamily(&b, "echoat_store_errors_total",
		"Shared store errors by operation", "counter", one("op", &r.StoreErrors))
	writeFamily(&b, "echoat_lock_releases_total",
		"Lock releases by outcome", "counter", one("outcome", &r.LockReleases))
	writeFamily(&b, "echoat_lock_overruns_total",
		"Critical sections that outlived their lock TTL", "counter",
		func(fn func(labels, val string)) {
			fn("", fmt.Sprintf("%d", r.LockOverruns.Load()))
		})

	// ── HTTP counters ─────────────────────────────────────────────────────
	writeFamily(&b, "echoat_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})
	writeFamily(&b, "echoat_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		two("method", "path", &r.HTTPDurMs))
	writeFamily(&b, "echoat_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		two("method", "path", &r.HTTPDurCnt))

	// ── gauges ────────────────────────────────────────────────────────────
	r.gaugeMu.Lock()
	gauges := append([]gauge(nil), r.gauges...)
	r.gaugeMu.Unlock()
	for _, g := range gauges {
		writeFamily(&b, g.name, g.help, "gauge", func(fn func(labels, val string)) {
			fn("", fmt.Sprintf("%d", g.fn()))
		})
	}

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// Key joins label values with tabs.
func Key(parts ...string) string { return strings.Join(parts, "\t") }

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
