package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/echoat/internal/broker"
)

// Version is reported by GET /health. main overrides it at build time.
var Version = "dev"

// echoTimeLayout is the human-readable form accepted by POST /api/v1/echoAtTime,
// e.g. "07-25-2020 14:15:00", read in the server's local time zone.
const echoTimeLayout = "01-02-2006 15:04:05"

// Handler groups the HTTP request handlers around a Broker.
type Handler struct {
	broker  *broker.Broker
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type enqueueReq struct {
	Payload   string `json:"payload"`
	DeliverAt int64  `json:"deliver_at"` // unix ms
}

// echoReq is the original echo-at-time form. Time may be sent as "time" or
// "date" and as echoTimeLayout, RFC 3339 or unix milliseconds.
type echoReq struct {
	Message string          `json:"message"`
	Time    json.RawMessage `json:"time"`
	Date    json.RawMessage `json:"date"`
}

type enqueueResp struct {
	ID        string `json:"id"`
	DeliverAt int64  `json:"deliver_at"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	Error    string `json:"error,omitempty"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	resp := healthResp{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
	}
	code := http.StatusOK
	if err := h.broker.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decodeJSON(w, r, &req) {
		return
	}
	h.doEnqueue(w, r, broker.EnqueueRequest{Payload: req.Payload, DeliverAt: req.DeliverAt})
}

func (h *Handler) echoAtTime(w http.ResponseWriter, r *http.Request) {
	var req echoReq
	if !decodeJSON(w, r, &req) {
		return
	}
	raw := req.Time
	if len(raw) == 0 {
		raw = req.Date
	}
	at, err := parseWhen(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.doEnqueue(w, r, broker.EnqueueRequest{Payload: req.Message, DeliverAt: at.UnixMilli()})
}

func (h *Handler) doEnqueue(w http.ResponseWriter, r *http.Request, req broker.EnqueueRequest) {
	e, err := h.broker.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, broker.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResp{ID: e.ID, DeliverAt: e.DueAt})
}

// parseWhen reads a delivery time from a JSON number (unix ms) or a string in
// echoTimeLayout, RFC 3339 or decimal unix ms.
func parseWhen(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("time is required")
	}
	if raw[0] != '"' {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %s: want unix milliseconds", raw)
		}
		return time.UnixMilli(ms), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("invalid time: %w", err)
	}
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(echoTimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want %q, RFC 3339 or unix milliseconds", s, "MM-dd-yyyy HH:mm:ss")
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.broker.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
