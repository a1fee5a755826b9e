package delivery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snehjoshi/echoat/internal/delivery"
	"github.com/snehjoshi/echoat/internal/metrics"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleDelivery() delivery.Delivery {
	return delivery.Delivery{
		ID:          "01HZX0000000000000000000AB",
		Payload:     "hello",
		DueAt:       time.UnixMilli(1_700_000_000_000).UTC(),
		DeliveredAt: time.UnixMilli(1_700_000_000_050).UTC(),
		NodeID:      "node-1",
	}
}

// ─── ConsoleSink ─────────────────────────────────────────────────────────────

func TestConsoleSink_WritesPayloadLine(t *testing.T) {
	var buf bytes.Buffer
	s := delivery.NewConsoleSink(&buf)
	if err := s.Deliver(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if buf.String() != "hello\n" {
		t.Fatalf("console output = %q, want %q", buf.String(), "hello\n")
	}
}

// ─── Dispatcher ──────────────────────────────────────────────────────────────

func TestDispatcher_SinkFailuresDoNotStopOthers(t *testing.T) {
	reg := &metrics.Registry{}
	var got []string

	failing := delivery.SinkFunc(func(context.Context, delivery.Delivery) error { return errors.New("down") })
	panicking := delivery.SinkFunc(func(context.Context, delivery.Delivery) error { panic("boom") })
	recording := delivery.SinkFunc(func(_ context.Context, d delivery.Delivery) error {
		got = append(got, d.Payload)
		return nil
	})

	d := delivery.NewDispatcher(quietLogger(), reg, failing, panicking, recording)
	d.Dispatch(context.Background(), sampleDelivery())

	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("recording sink got %v", got)
	}
	if n := reg.Deliveries.Value(metrics.Key("func", "error")); n != 2 {
		t.Errorf("error deliveries = %d, want 2", n)
	}
	if n := reg.Deliveries.Value(metrics.Key("func", "ok")); n != 1 {
		t.Errorf("ok deliveries = %d, want 1", n)
	}
}

// ─── WebhookSink ─────────────────────────────────────────────────────────────

func TestWebhookSink_PostsSignedJSON(t *testing.T) {
	var (
		body []byte
		sig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(delivery.SignatureHeader)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := delivery.NewWebhookSink(srv.URL, "s3cret", time.Second)
	if err := s.Deliver(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	var p map[string]any
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if p["message"] != "hello" || p["id"] != "01HZX0000000000000000000AB" {
		t.Errorf("unexpected payload: %s", body)
	}
	if p["due_at"] != float64(1_700_000_000_000) {
		t.Errorf("due_at = %v", p["due_at"])
	}
	if want := "sha256=" + delivery.Sign("s3cret", body); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestWebhookSink_NoSecretNoSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(delivery.SignatureHeader) != "" {
			t.Error("unexpected signature header")
		}
	}))
	defer srv.Close()

	if err := delivery.NewWebhookSink(srv.URL, "", 0).Deliver(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := delivery.NewWebhookSink(srv.URL, "", time.Second).Deliver(context.Background(), sampleDelivery()); err == nil {
		t.Fatal("expected error for 502")
	}
}
