// Package http provides the HTTP transport layer for echoat.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /messages
//	POST   /api/v1/echoAtTime
//	POST   /api/v2/echoAtTime
//	GET    /api/stats
//	GET    /metrics
//	GET    /ws
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/echoat/internal/broker"
	"github.com/snehjoshi/echoat/internal/config"
	"github.com/snehjoshi/echoat/internal/metrics"
	transportws "github.com/snehjoshi/echoat/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with echoat route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker. reg and feed may be nil, which leaves
// /metrics and /ws unmounted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cfg *config.Config, reg *metrics.Registry, feed *transportws.Feed, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{broker: b, started: time.Now()}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Enqueue
	mux.HandleFunc("POST /messages", h.enqueue)
	// v1 and v2 were distinct delivery triggers once; both now feed the index.
	mux.HandleFunc("POST /api/v1/echoAtTime", h.echoAtTime)
	mux.HandleFunc("POST /api/v2/echoAtTime", h.echoAtTime)

	mux.HandleFunc("GET /api/stats", h.stats)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Live delivery feed
	if feed != nil {
		mux.Handle("GET /ws", feed)
	}

	var handler http.Handler = mux
	handler = chain(handler,
		MaxBodyMiddleware(maxBodyBytes(cfg.Scheduler.MaxPayloadKB)),
		LoggingMiddleware(log.With("component", "http")),
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// maxBodyBytes leaves room for JSON escaping of the largest accepted payload.
func maxBodyBytes(payloadKB int) int64 {
	if payloadKB <= 0 {
		return 1 << 20
	}
	return int64(payloadKB)*1024*6 + 4096
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":3000").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Hijacked WebSocket connections are not
// tracked; close the feed to end them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
