// Package websocket streams deliveries to connected clients.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// Every delivery made by this process is pushed as one text frame:
//
//	{"type":"delivery","id":"<ULID>","message":"...","due_at":...,"delivered_at":...,"node_id":"..."}
//
// The feed is observational. A slow client misses frames instead of holding
// up the delivery worker, and nothing is replayed on reconnect.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/echoat/internal/delivery"
)

// sendBuffer is the number of frames queued per client before frames are dropped.
const sendBuffer = 64

const writeWait = 5 * time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. Requests without an
	// Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// frame is the JSON structure pushed to clients.
type frame struct {
	Type        string `json:"type"` // "delivery"
	ID          string `json:"id"`
	Message     string `json:"message"`
	DueAt       int64  `json:"due_at"`
	DeliveredAt int64  `json:"delivered_at"`
	NodeID      string `json:"node_id"`
}

type client struct {
	send chan []byte
}

// Feed is a delivery.Sink that fans deliveries out to WebSocket clients. It is
// also the http.Handler for the /ws endpoint.
type Feed struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

var _ delivery.Sink = (*Feed)(nil)

// NewFeed returns an empty Feed. log may be nil.
func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{log: log.With("component", "feed"), clients: make(map[*client]struct{})}
}

func (f *Feed) Name() string { return "feed" }

// Deliver pushes d to every connected client without blocking.
func (f *Feed) Deliver(_ context.Context, d delivery.Delivery) error {
	data, err := json.Marshal(frame{
		Type:        "delivery",
		ID:          d.ID,
		Message:     d.Payload,
		DueAt:       d.DueAt.UnixMilli(),
		DeliveredAt: d.DeliveredAt.UnixMilli(),
		NodeID:      d.NodeID,
	})
	if err != nil {
		return fmt.Errorf("feed: encode frame: %w", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Dropped returns the number of frames not sent to slow clients.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close disconnects every client. Later upgrade requests are refused.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for c := range f.clients {
		close(c.send)
		delete(f.clients, c)
	}
}

func (f *Feed) register() (*client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	c := &client{send: make(chan []byte, sendBuffer)}
	f.clients[c] = struct{}{}
	return c, true
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		close(c.send)
		delete(f.clients, c)
	}
}

// ServeHTTP upgrades the connection and streams frames until the client goes
// away or the feed is closed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c, ok := f.register()
	if !ok {
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		return
	}
	defer f.unregister(c)

	// The reader only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case data, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		}
	}
}
