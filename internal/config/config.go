// Package config holds all configuration types and loading logic for echoat.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one echoat worker process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds the identity of this worker.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate one (persisted when DataDir is set).
	ID      string `yaml:"id" env:"ECHOAT_NODE_ID"`
	DataDir string `yaml:"data_dir" env:"ECHOAT_DATA_DIR"`
	// Role selects which halves of the pipeline run in this process.
	Role Role `yaml:"role" env:"ECHOAT_ROLE"`
}

// Role selects the components a process runs.
type Role string

const (
	RoleAll       Role = "all"       // scanner, recovery and delivery workers
	RoleScheduler Role = "scheduler" // scanner and recovery only
	RoleWorker    Role = "worker"    // delivery workers only
)

// RunsScheduler reports whether the role includes the scanner and recovery pass.
func (r Role) RunsScheduler() bool { return r == RoleAll || r == RoleScheduler }

// RunsWorkers reports whether the role includes delivery workers.
func (r Role) RunsWorkers() bool { return r == RoleAll || r == RoleWorker }

// HTTPConfig controls the enqueue API.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ECHOAT_HTTP_ENABLED"`
	Host    string `yaml:"host" env:"ECHOAT_HTTP_HOST"`
	Port    int    `yaml:"port" env:"ECHOAT_PORT"`
	// RateLimitRPS is the per-client request rate; zero disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Backend names a shared-store implementation.
type Backend string

const (
	BackendRedis Backend = "redis" // shared across hosts
	BackendLocal Backend = "local" // bbolt file, one process
)

// StoreConfig selects and configures the shared store.
type StoreConfig struct {
	Backend Backend     `yaml:"backend" env:"ECHOAT_STORE_BACKEND"`
	Redis   RedisConfig `yaml:"redis"`
	Local   LocalConfig `yaml:"local"`
	Keys    KeysConfig  `yaml:"keys"`
}

// RedisConfig holds the connection settings for the Redis backend.
type RedisConfig struct {
	Host        string `yaml:"host" env:"ECHOAT_REDIS_HOST"`
	Port        uint16 `yaml:"port" env:"ECHOAT_REDIS_PORT"`
	Password    string `yaml:"password" env:"ECHOAT_REDIS_PASSWORD"`
	DB          int    `yaml:"db" env:"ECHOAT_REDIS_DB"`
	DialTimeout string `yaml:"dial_timeout"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// LocalConfig holds the settings for the embedded bbolt backend.
type LocalConfig struct {
	Path string `yaml:"path" env:"ECHOAT_LOCAL_PATH"`
}

// KeysConfig names the shared-store keys and signal topics. Every process of
// a fleet must agree on these.
type KeysConfig struct {
	Index        string `yaml:"index"`
	SendQueue    string `yaml:"send_queue"`
	ScanTopic    string `yaml:"scan_topic"`
	NewItemTopic string `yaml:"new_item_topic"`
}

// SchedulerConfig tunes the scan/claim/deliver pipeline.
type SchedulerConfig struct {
	// PollWindow is how far ahead of now a scan pass looks.
	PollWindow string `yaml:"poll_window"`
	// LockTTL bounds every claim. Must exceed PollWindow.
	LockTTL string `yaml:"lock_ttl"`
	// ScanPacing is slept before re-arming the next pass. "0s" re-arms immediately.
	ScanPacing string `yaml:"scan_pacing"`
	// Watchdog re-arms the cadence when no scan signal arrives for this long.
	Watchdog string `yaml:"watchdog"`
	// CatchUp widens the scan lower bound to -inf so late entries are not skipped.
	CatchUp bool `yaml:"catch_up"`
	// Workers is the number of concurrent delivery workers in this process.
	Workers int `yaml:"workers" env:"ECHOAT_WORKERS"`
	// Recovery enables the startup pass over overdue entries.
	Recovery bool `yaml:"recovery"`
	// MaxScheduleAhead caps how far in the future a delivery time can be set.
	MaxScheduleAhead string `yaml:"max_schedule_ahead"`
	MaxPayloadKB     int    `yaml:"max_payload_kb"`
}

// SinkKind names a delivery sink.
type SinkKind string

const (
	SinkConsole SinkKind = "console"
	SinkWebhook SinkKind = "webhook"
)

// DeliveryConfig chooses where due messages go.
type DeliveryConfig struct {
	Sinks   []SinkKind    `yaml:"sinks"`
	Webhook WebhookConfig `yaml:"webhook"`
	// LiveFeed streams every delivery to WebSocket clients at GET /ws.
	LiveFeed bool `yaml:"live_feed"`
}

// WebhookConfig controls the webhook sink.
type WebhookConfig struct {
	URL       string `yaml:"url" env:"ECHOAT_WEBHOOK_URL"`
	Secret    string `yaml:"secret" env:"ECHOAT_WEBHOOK_SECRET"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key" env:"ECHOAT_AUTH_API_KEY"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" env:"ECHOAT_METRICS_PORT"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"ECHOAT_LOG_LEVEL"`
	Format string `yaml:"format" env:"ECHOAT_LOG_FORMAT"`
	// File enables rotated file output in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   "auto",
			Role: RoleAll,
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           3000,
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Store: StoreConfig{
			Backend: BackendRedis,
			Redis: RedisConfig{
				Host:        "127.0.0.1",
				Port:        6379,
				DialTimeout: "5s",
			},
			Local: LocalConfig{Path: "./data/echoat.db"},
			Keys: KeysConfig{
				Index:        "messages",
				SendQueue:    "messages_to_send",
				ScanTopic:    "check_later",
				NewItemTopic: "notification",
			},
		},
		Scheduler: SchedulerConfig{
			PollWindow:       "500ms",
			LockTTL:          "1s",
			ScanPacing:       "50ms",
			Watchdog:         "5s",
			CatchUp:          true,
			Workers:          4,
			Recovery:         true,
			MaxScheduleAhead: "90d",
			MaxPayloadKB:     256,
		},
		Delivery: DeliveryConfig{
			Sinks: []SinkKind{SinkConsole},
			Webhook: WebhookConfig{
				TimeoutMs: 800,
			},
			LiveFeed: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run echoat with no config file at all.
//
// Environment variables named in the `env` struct tags (ECHOAT_*) are applied
// last. ECHOAT_AUTH_API_KEY additionally turns auth on.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	if os.Getenv("ECHOAT_AUTH_API_KEY") != "" {
		cfg.Auth.Enabled = true
	}
	return cfg, nil
}

// Dump renders cfg as YAML with secrets masked.
func Dump(cfg *Config) (string, error) {
	c := *cfg
	if c.Store.Redis.Password != "" {
		c.Store.Redis.Password = "***"
	}
	if c.Auth.APIKey != "" {
		c.Auth.APIKey = "***"
	}
	if c.Delivery.Webhook.Secret != "" {
		c.Delivery.Webhook.Secret = "***"
	}
	out, err := yaml.Marshal(&c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Node.Role {
	case RoleAll, RoleScheduler, RoleWorker:
	default:
		return errors.New(`node.role must be one of "all", "scheduler", "worker"`)
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.Redis.Host == "" || c.Store.Redis.Port == 0 {
			return errors.New("store.redis.host and store.redis.port are required")
		}
		if _, err := ParseDuration(c.Store.Redis.DialTimeout); err != nil {
			return fmt.Errorf("store.redis.dial_timeout: %w", err)
		}
	case BackendLocal:
		if c.Store.Local.Path == "" {
			return errors.New("store.local.path must not be empty")
		}
	default:
		return errors.New(`store.backend must be one of "redis", "local"`)
	}
	k := c.Store.Keys
	if k.Index == "" || k.SendQueue == "" || k.ScanTopic == "" || k.NewItemTopic == "" {
		return errors.New("store.keys: index, send_queue, scan_topic and new_item_topic are required")
	}
	if k.ScanTopic == k.NewItemTopic {
		return errors.New("store.keys.scan_topic and new_item_topic must differ")
	}

	s, err := c.Scheduler.Durations()
	if err != nil {
		return err
	}
	if s.PollWindow <= 0 {
		return errors.New("scheduler.poll_window must be positive")
	}
	if s.LockTTL <= s.PollWindow {
		return errors.New("scheduler.lock_ttl must exceed scheduler.poll_window")
	}
	if s.Watchdog <= s.ScanPacing {
		return errors.New("scheduler.watchdog must exceed scheduler.scan_pacing")
	}
	if c.Scheduler.Workers < 1 {
		return errors.New("scheduler.workers must be at least 1")
	}
	if c.Scheduler.MaxPayloadKB < 1 {
		return errors.New("scheduler.max_payload_kb must be at least 1")
	}

	for _, k := range c.Delivery.Sinks {
		switch k {
		case SinkConsole:
		case SinkWebhook:
			u, err := url.ParseRequestURI(c.Delivery.Webhook.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return errors.New("delivery.webhook.url must be an http or https URL")
			}
			// A claim must outlive the slowest sink call made while holding it.
			timeout := time.Duration(c.Delivery.Webhook.TimeoutMs) * time.Millisecond
			if timeout <= 0 || timeout >= s.LockTTL {
				return fmt.Errorf("delivery.webhook.timeout_ms must be positive and below scheduler.lock_ttl (%v)", s.LockTTL)
			}
		default:
			return fmt.Errorf("delivery.sinks: unknown sink %q", k)
		}
	}
	if len(c.Delivery.Sinks) == 0 && !c.Delivery.LiveFeed {
		return errors.New("delivery: at least one sink or the live feed is required")
	}
	return nil
}

// SchedulerDurations is SchedulerConfig with its duration strings parsed.
type SchedulerDurations struct {
	PollWindow       time.Duration
	LockTTL          time.Duration
	ScanPacing       time.Duration
	Watchdog         time.Duration
	MaxScheduleAhead time.Duration
}

// Durations parses the scheduler's duration fields.
func (s SchedulerConfig) Durations() (SchedulerDurations, error) {
	var (
		out SchedulerDurations
		err error
	)
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_window", s.PollWindow, &out.PollWindow},
		{"lock_ttl", s.LockTTL, &out.LockTTL},
		{"scan_pacing", s.ScanPacing, &out.ScanPacing},
		{"watchdog", s.Watchdog, &out.Watchdog},
		{"max_schedule_ahead", s.MaxScheduleAhead, &out.MaxScheduleAhead},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDuration(f.raw); err != nil {
			return SchedulerDurations{}, fmt.Errorf("scheduler.%s: %w", f.name, err)
		}
	}
	return out, nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
