package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 8, cfg.Pool.MaxSize)
	assert.Equal(t, 1, cfg.Bridge.Retries)
	assert.Equal(t, []string{"GET", "HEAD", "OPTIONS"}, cfg.Bridge.IdempotentMethods)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
workers:
  count: 2
  command: /usr/bin/php
  args: ["worker.php"]
pool:
  min_size: 1
  max_size: 3
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, "/usr/bin/php", cfg.Workers.Command)
	assert.Equal(t, []string{"worker.php"}, cfg.Workers.Args)
	assert.Equal(t, 1, cfg.Pool.MinSize)
	assert.Equal(t, 3, cfg.Pool.MaxSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Bridge.RequestTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SB_PORT", "7777")
	t.Setenv("SB_LOG_LEVEL", "warn")
	t.Setenv("SB_WORKER_COUNT", "6")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 6, cfg.Workers.Count)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Workers.Count = 0 }},
		{"empty command", func(c *Config) { c.Workers.Command = "" }},
		{"min above max", func(c *Config) { c.Pool.MinSize = 9; c.Pool.MaxSize = 4 }},
		{"zero max size", func(c *Config) { c.Pool.MaxSize = 0 }},
		{"negative retries", func(c *Config) { c.Bridge.Retries = -1 }},
		{"bad jitter", func(c *Config) { c.Workers.Restart.BackoffJitter = 1.5 }},
		{"backoff max below base", func(c *Config) {
			c.Workers.Restart.BackoffBase = time.Second
			c.Workers.Restart.BackoffMax = time.Millisecond
		}},
		{"lowercase idempotent method", func(c *Config) { c.Bridge.IdempotentMethods = []string{"get"} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"rate limit without rps", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerSecond = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
