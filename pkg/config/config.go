// Package config loads service configuration. Settings come from a
// YAML file overlaid by environment variables, with a .env file loaded
// first when present so local runs need no exported shell state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	// RulesDir is the directory of rule YAML documents.
	RulesDir string `yaml:"rules_dir"`

	// DatabaseURL selects the Postgres store when set; empty means the
	// in-memory store.
	DatabaseURL string `yaml:"database_url"`

	// Broker settings.
	Broker BrokerConfig `yaml:"broker"`

	// Replay settings.
	Replay ReplayConfig `yaml:"replay"`

	// Reconcile settings.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Metrics settings.
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel is debug, info, warn, or error (default: info).
	LogLevel string `yaml:"log_level"`
}

// BrokerConfig tunes the in-process message bus.
type BrokerConfig struct {
	QueueSize     int `yaml:"queue_size"`
	Workers       int `yaml:"workers"`
	MaxDeliveries int `yaml:"max_deliveries"`
}

// ReplayConfig tunes the outbound replay executor.
type ReplayConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// ReconcileConfig tunes the completion sweep.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		RulesDir: "rules",
		Broker: BrokerConfig{
			QueueSize:     1024,
			Workers:       8,
			MaxDeliveries: 3,
		},
		Replay: ReplayConfig{
			Timeout:   5 * time.Second,
			RateLimit: 150,
		},
		Reconcile: ReconcileConfig{
			Interval: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (skipped when empty), overlays
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	// .env is optional; absence is not an error.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("APIVET_RULES_DIR"); v != "" {
		c.RulesDir = v
	}
	if v := os.Getenv("APIVET_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("APIVET_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, ok := envInt("APIVET_BROKER_WORKERS"); ok {
		c.Broker.Workers = v
	}
	if v, ok := envInt("APIVET_REPLAY_RATE_LIMIT"); ok {
		c.Replay.RateLimit = v
	}
	if v, ok := envInt("APIVET_METRICS_PORT"); ok {
		c.Metrics.Port = v
	}
	if v := os.Getenv("APIVET_REPLAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Replay.Timeout = d
		}
	}
	if v := os.Getenv("APIVET_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Reconcile.Interval = d
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.RulesDir == "" {
		return fmt.Errorf("%w: rules_dir", ErrMissingRequired)
	}
	if c.Broker.Workers < 0 || c.Broker.QueueSize < 0 || c.Broker.MaxDeliveries < 0 {
		return fmt.Errorf("%w: broker values must be non-negative", ErrInvalidConfig)
	}
	if c.Replay.Timeout < 0 || c.Replay.RateLimit < 0 {
		return fmt.Errorf("%w: replay values must be non-negative", ErrInvalidConfig)
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("%w: reconcile interval must be non-negative", ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}
