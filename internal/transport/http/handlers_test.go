package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/echoat/internal/broker"
	"github.com/snehjoshi/echoat/internal/config"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/storage/local"
	transphttp "github.com/snehjoshi/echoat/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type testServer struct {
	h   http.Handler
	b   *broker.Broker
	reg *metrics.Registry
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.RateLimitRPS = 0
	for _, m := range mutate {
		m(cfg)
	}

	store, err := local.Open(filepath.Join(t.TempDir(), "echoat.db"))
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := &metrics.Registry{}
	b, err := broker.New(cfg, "test-node", store, broker.WithLogger(log), broker.WithMetrics(reg))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	srv := transphttp.New(b, cfg, reg, nil, log)
	return &testServer{h: srv.Handler(), b: b, reg: reg}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func (s *testServer) pending(t *testing.T) int64 {
	t.Helper()
	rr := doRequest(t, s.h, "GET", "/api/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: want 200, got %d: %s", rr.Code, rr.Body)
	}
	var st broker.Stats
	decodeResp(t, rr, &st)
	return st.Pending
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t)
	rr := doRequest(t, s.h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["node_id"] != "test-node" {
		t.Errorf("health = %v", resp)
	}
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

func TestHTTP_Enqueue(t *testing.T) {
	s := newTestServer(t)
	at := time.Now().Add(time.Hour).UnixMilli()

	rr := doRequest(t, s.h, "POST", "/messages", map[string]any{"payload": "hello", "deliver_at": at})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue: want 201, got %d: %s", rr.Code, rr.Body)
	}
	var resp struct {
		ID        string `json:"id"`
		DeliverAt int64  `json:"deliver_at"`
	}
	decodeResp(t, rr, &resp)
	if resp.ID == "" || resp.DeliverAt != at {
		t.Errorf("response = %+v", resp)
	}
	if n := s.pending(t); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestHTTP_Enqueue_PastIsRejected(t *testing.T) {
	s := newTestServer(t)
	rr := doRequest(t, s.h, "POST", "/messages", map[string]any{
		"payload":    "past",
		"deliver_at": time.Now().Add(-5 * time.Second).UnixMilli(),
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d: %s", rr.Code, rr.Body)
	}
	if n := s.pending(t); n != 0 {
		t.Errorf("pending = %d after rejected enqueue", n)
	}
}

func TestHTTP_Enqueue_UnknownFieldIsRejected(t *testing.T) {
	s := newTestServer(t)
	rr := doRequest(t, s.h, "POST", "/messages", map[string]any{"payload": "x", "deliver_at": 1, "priority": 9})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

func TestHTTP_Enqueue_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Scheduler.MaxPayloadKB = 1 })
	big := strings.Repeat("x", 64<<10)
	rr := doRequest(t, s.h, "POST", "/messages", map[string]any{"payload": big, "deliver_at": time.Now().Add(time.Hour).UnixMilli()})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d: %s", rr.Code, rr.Body)
	}
}

// ─── Echo at time ─────────────────────────────────────────────────────────────

func TestHTTP_EchoAtTime(t *testing.T) {
	s := newTestServer(t)
	when := time.Now().Add(time.Hour).Truncate(time.Second)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"original layout", map[string]any{"message": "hi", "time": when.In(time.Local).Format("01-02-2006 15:04:05")}},
		{"rfc3339", map[string]any{"message": "hi", "time": when.UTC().Format(time.RFC3339)}},
		{"unix ms number", map[string]any{"message": "hi", "date": when.UnixMilli()}},
		{"unix ms string", map[string]any{"message": "hi", "date": strconv.FormatInt(when.UnixMilli(), 10)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, s.h, "POST", "/api/v1/echoAtTime", tc.body)
			if rr.Code != http.StatusCreated {
				t.Fatalf("want 201, got %d: %s", rr.Code, rr.Body)
			}
			var resp struct {
				DeliverAt int64 `json:"deliver_at"`
			}
			decodeResp(t, rr, &resp)
			if resp.DeliverAt != when.UnixMilli() {
				t.Errorf("deliver_at = %d, want %d", resp.DeliverAt, when.UnixMilli())
			}
		})
	}
}

func TestHTTP_EchoAtTime_BothVersionsIndex(t *testing.T) {
	s := newTestServer(t)
	when := time.Now().Add(time.Hour).Format("01-02-2006 15:04:05")

	for _, path := range []string{"/api/v1/echoAtTime", "/api/v2/echoAtTime"} {
		rr := doRequest(t, s.h, "POST", path, map[string]any{"message": "hi", "time": when})
		if rr.Code != http.StatusCreated {
			t.Fatalf("%s: want 201, got %d: %s", path, rr.Code, rr.Body)
		}
	}
	if n := s.pending(t); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestHTTP_EchoAtTime_Rejections(t *testing.T) {
	s := newTestServer(t)
	past := time.Now().Add(-time.Hour).Format("01-02-2006 15:04:05")

	for name, body := range map[string]map[string]any{
		"past":         {"message": "old", "time": past},
		"missing time": {"message": "no time"},
		"garbage time": {"message": "x", "time": "next tuesday"},
	} {
		t.Run(name, func(t *testing.T) {
			rr := doRequest(t, s.h, "POST", "/api/v1/echoAtTime", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("want 400, got %d: %s", rr.Code, rr.Body)
			}
		})
	}
	if n := s.pending(t); n != 0 {
		t.Errorf("pending = %d after rejections", n)
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})
	body := map[string]any{"payload": "x", "deliver_at": time.Now().Add(time.Hour).UnixMilli()}

	if rr := doRequest(t, s.h, "POST", "/messages", body); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, s.h, "POST", "/messages", body, "X-Api-Key", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, s.h, "POST", "/messages", body, "X-Api-Key", "s3cret"); rr.Code != http.StatusCreated {
		t.Fatalf("right key: want 201, got %d", rr.Code)
	}
	if rr := doRequest(t, s.h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.HTTP.RateLimitRPS = 0.001
		c.HTTP.RateLimitBurst = 1
	})
	if rr := doRequest(t, s.h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("first: want 200, got %d", rr.Code)
	}
	if rr := doRequest(t, s.h, "GET", "/health", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: want 429, got %d", rr.Code)
	}
}

func TestHTTP_MetricsEndpointCountsRequests(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s.h, "POST", "/messages", map[string]any{"payload": "x", "deliver_at": time.Now().Add(time.Hour).UnixMilli()})

	if n := s.reg.HTTPReqs.Value(metrics.HTTPKey("POST", "/messages", "201")); n != 1 {
		t.Errorf("POST /messages 201 count = %d, want 1", n)
	}
	if n := s.reg.Enqueued.Value("accepted"); n != 1 {
		t.Errorf("accepted = %d, want 1", n)
	}

	rr := doRequest(t, s.h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "echoat_entries_enqueued_total") {
		t.Errorf("metrics body missing enqueued family:\n%s", rr.Body)
	}
}
