// Command echoat runs the delayed-delivery server and talks to it.
//
// Usage:
//
//	echoat serve   [--config config.yaml] [--role all|scheduler|worker]
//	echoat enqueue --in 10s "hello"
//	echoat enqueue --at 2030-01-01T09:00:00Z "happy new year"
//	echoat stats
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/echoat/internal/broker"
	"github.com/snehjoshi/echoat/internal/config"
	"github.com/snehjoshi/echoat/internal/delivery"
	"github.com/snehjoshi/echoat/internal/logging"
	"github.com/snehjoshi/echoat/internal/metrics"
	"github.com/snehjoshi/echoat/internal/node"
	"github.com/snehjoshi/echoat/internal/storage"
	"github.com/snehjoshi/echoat/internal/storage/local"
	"github.com/snehjoshi/echoat/internal/storage/redisstore"
	transphttp "github.com/snehjoshi/echoat/internal/transport/http"
	transportws "github.com/snehjoshi/echoat/internal/transport/websocket"
	"github.com/snehjoshi/echoat/pkg/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "echoat: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "echoat",
		Short:         "Deliver messages at a point in time",
		Long:          "echoat stores messages until their delivery time and hands each one to a sink exactly once across a fleet of workers.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newEnqueueCmd(), newStatsCmd())
	return root
}

// ─── serve ────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, delivery workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			role, _ := cmd.Flags().GetString("role")
			return serve(configPath, role)
		},
	}
	cmd.Flags().String("config", "config.yaml", "path to config file")
	cmd.Flags().String("role", "", "override node.role: all, scheduler or worker")
	return cmd
}

func serve(configPath, role string) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if role != "" {
		cfg.Node.Role = config.Role(role)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	nodeID := n.ID().String()

	if dump, err := config.Dump(cfg); err == nil {
		slog.Debug("effective config", "config", dump)
	}
	slog.Info("echoat starting",
		"version", version,
		"node_id", nodeID,
		"data_dir", n.DataDir(),
		"role", cfg.Node.Role,
		"backend", cfg.Store.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Open the shared store ─────────────────────────────────────────────
	metricsReg := &metrics.Registry{}
	store, err := openStore(ctx, cfg, metricsReg)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── 5. Delivery sinks ────────────────────────────────────────────────────
	sinks, feed, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}

	// ── 6. Broker: recovery pass, then the signal loop ──────────────────────
	b, err := broker.New(cfg, nodeID, store,
		broker.WithLogger(logger),
		broker.WithMetrics(metricsReg),
		broker.WithSinks(sinks...),
	)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	// ── 7. HTTP / WebSocket transport ────────────────────────────────────────
	var srv *transphttp.Server
	serveErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		transphttp.Version = version
		srv = transphttp.New(b, cfg, metricsReg, feed, logger)
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		go func() {
			slog.Info("http listening", "addr", addr)
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// ── 8. Dedicated Prometheus metrics listener ─────────────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	slog.Info("echoat ready", "node_id", nodeID)

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
	}
	if feed != nil {
		feed.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	// Stops the loop after in-flight deliveries; the store is closed by defer.
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}

	slog.Info("echoat stopped")
	return runErr
}

// openStore connects to the configured shared-store backend.
func openStore(ctx context.Context, cfg *config.Config, reg *metrics.Registry) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendLocal:
		s, err := local.Open(cfg.Store.Local.Path)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		reg.RegisterGauge("echoat_local_signals_dropped", "Signals dropped by the in-process hub because a subscriber was full.", s.Dropped)
		slog.Info("using local store", "path", cfg.Store.Local.Path)
		return s, nil
	default:
		dial, err := config.ParseDuration(cfg.Store.Redis.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("store.redis.dial_timeout: %w", err)
		}
		s, err := redisstore.New(ctx, redisstore.Config{
			Addr:        cfg.Store.Redis.Addr(),
			Password:    cfg.Store.Redis.Password,
			DB:          cfg.Store.Redis.DB,
			DialTimeout: dial,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using redis store", "addr", cfg.Store.Redis.Addr(), "db", cfg.Store.Redis.DB)
		return s, nil
	}
}

// buildSinks returns the configured sinks and, when enabled, the live feed
// (which is itself one of the sinks).
func buildSinks(cfg *config.Config, log *slog.Logger) ([]delivery.Sink, *transportws.Feed, error) {
	var sinks []delivery.Sink
	for _, kind := range cfg.Delivery.Sinks {
		switch kind {
		case config.SinkConsole:
			sinks = append(sinks, delivery.NewConsoleSink(os.Stdout))
		case config.SinkWebhook:
			wh := cfg.Delivery.Webhook
			sinks = append(sinks, delivery.NewWebhookSink(wh.URL, wh.Secret, time.Duration(wh.TimeoutMs)*time.Millisecond))
		default:
			return nil, nil, fmt.Errorf("unknown sink %q", kind)
		}
	}

	var feed *transportws.Feed
	if cfg.Delivery.LiveFeed && cfg.HTTP.Enabled {
		feed = transportws.NewFeed(log)
		sinks = append(sinks, feed)
	}
	return sinks, feed, nil
}

// ─── enqueue / stats ─────────────────────────────────────────────────────────

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", envOr("ECHOAT_ADDR", "http://localhost:3000"), "echoat server URL")
	cmd.Flags().String("api-key", os.Getenv("ECHOAT_AUTH_API_KEY"), "API key, when the server requires one")
}

func clientFromFlags(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("api-key")
	var opts []client.ClientOption
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(addr, opts...)
}

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue MESSAGE",
		Short: "Schedule a message for delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, _ := cmd.Flags().GetDuration("in")
			at, _ := cmd.Flags().GetString("at")
			c := clientFromFlags(cmd)

			var (
				r   *client.Receipt
				err error
			)
			if at != "" {
				when, perr := time.Parse(time.RFC3339, at)
				if perr != nil {
					return fmt.Errorf("--at: %w", perr)
				}
				r, err = c.EnqueueAt(cmd.Context(), args[0], when)
			} else {
				r, err = c.Enqueue(cmd.Context(), args[0], in)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.DeliverAt.Format(time.RFC3339Nano))
			return nil
		},
	}
	cmd.Flags().Duration("in", 10*time.Second, "delay before delivery")
	cmd.Flags().String("at", "", "absolute delivery time (RFC 3339); overrides --in")
	addClientFlags(cmd)
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pending and queued message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFromFlags(cmd).Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending\t%d\nqueued\t%d\n", st.Pending, st.Queued)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
