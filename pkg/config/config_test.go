package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "rules", cfg.RulesDir)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 8, cfg.Broker.Workers)
	assert.Equal(t, 3, cfg.Broker.MaxDeliveries)
	assert.Equal(t, 5*time.Second, cfg.Replay.Timeout)
	assert.Equal(t, 150, cfg.Replay.RateLimit)
	assert.Equal(t, 15*time.Second, cfg.Reconcile.Interval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apivet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules_dir: /etc/apivet/rules
database_url: postgres://localhost/apivet
broker:
  workers: 16
replay:
  timeout: 2s
  rate_limit: 50
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/apivet/rules", cfg.RulesDir)
	assert.Equal(t, "postgres://localhost/apivet", cfg.DatabaseURL)
	assert.Equal(t, 16, cfg.Broker.Workers)
	assert.Equal(t, 2*time.Second, cfg.Replay.Timeout)
	assert.Equal(t, 50, cfg.Replay.RateLimit)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset file fields keep their defaults.
	assert.Equal(t, 3, cfg.Broker.MaxDeliveries)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APIVET_RULES_DIR", "/opt/rules")
	t.Setenv("APIVET_BROKER_WORKERS", "32")
	t.Setenv("APIVET_REPLAY_TIMEOUT", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/opt/rules", cfg.RulesDir)
	assert.Equal(t, 32, cfg.Broker.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.Replay.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules_dir: [broken\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing rules dir", func(c *Config) { c.RulesDir = "" }, ErrMissingRequired},
		{"negative workers", func(c *Config) { c.Broker.Workers = -1 }, ErrInvalidConfig},
		{"negative rate", func(c *Config) { c.Replay.RateLimit = -1 }, ErrInvalidConfig},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
