package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workers   WorkersConfig   `yaml:"workers"`
	Pool      PoolConfig      `yaml:"pool"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
	Static    StaticConfig    `yaml:"static"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server specific configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// MaxConns caps concurrently accepted TCP connections; 0 disables the cap.
	MaxConns int `yaml:"max_conns"`
}

// WorkersConfig contains worker process configuration
type WorkersConfig struct {
	Count     int      `yaml:"count"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	WorkDir   string   `yaml:"work_dir"`
	SocketDir string   `yaml:"socket_dir"`
	// StartTimeout bounds the wait for a spawned worker's socket to become
	// connectable before the start attempt is treated as a crash.
	StartTimeout time.Duration `yaml:"start_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	// MaxRequests triggers a cooperative worker recycle after this many
	// requests; 0 disables recycling by request count.
	MaxRequests int           `yaml:"max_requests"`
	Restart     RestartConfig `yaml:"restart"`
}

// RestartConfig controls crash-restart backoff and the restart budget
type RestartConfig struct {
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter float64       `yaml:"backoff_jitter"`
	// StabilityThreshold is how long a worker must stay ready before its
	// backoff resets to the base delay.
	StabilityThreshold time.Duration `yaml:"stability_threshold"`
	// MaxRestarts within RestartWindow stops the worker permanently.
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`
}

// PoolConfig contains connection pool configuration
type PoolConfig struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// IdleThreshold is the minimum idle duration before a connection is probed.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	MaxPayload    int           `yaml:"max_payload"`
}

// BridgeConfig contains request bridge configuration
type BridgeConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IoTimeout      time.Duration `yaml:"io_timeout"`
	Retries        int           `yaml:"retries"`
	// IdempotentMethods are the only methods eligible for retry on a fresh
	// connection after a mid-flight failure.
	IdempotentMethods []string `yaml:"idempotent_methods"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// AdminConfig contains admin endpoint configuration
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	// AuthSecret, when set, requires a bearer token signed with it (HS256)
	// on the admin endpoints.
	AuthSecret string `yaml:"auth_secret"`
}

// StaticConfig contains static file serving configuration
type StaticConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxConns:     0,
		},
		Workers: WorkersConfig{
			Count:        4,
			Command:      "php",
			Args:         []string{"artisan", "worker:serve"},
			SocketDir:    "",
			StartTimeout: 10 * time.Second,
			StopTimeout:  3 * time.Second,
			MaxRequests:  1000,
			Restart: RestartConfig{
				BackoffBase:        250 * time.Millisecond,
				BackoffMax:         30 * time.Second,
				BackoffJitter:      0.5,
				StabilityThreshold: 60 * time.Second,
				MaxRestarts:        5,
				RestartWindow:      2 * time.Minute,
			},
		},
		Pool: PoolConfig{
			MinSize:             2,
			MaxSize:             8,
			ConnectTimeout:      5 * time.Second,
			AcquireTimeout:      10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			IdleThreshold:       60 * time.Second,
			ProbeTimeout:        2 * time.Second,
			MaxPayload:          10 * 1024 * 1024,
		},
		Bridge: BridgeConfig{
			RequestTimeout:    30 * time.Second,
			IoTimeout:         30 * time.Second,
			Retries:           1,
			IdempotentMethods: []string{"GET", "HEAD", "OPTIONS"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			BurstSize:         200,
		},
		Admin: AdminConfig{
			Enabled: true,
		},
		Static: StaticConfig{
			Enabled: false,
			Dir:     "public",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load loads configuration from the optional YAML file at path, then applies
// environment overrides. A `.env` file in the working directory is read first
// so container deployments can keep all overrides in one place.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv overrides config values from SB_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("SB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SB_WORKER_COMMAND"); v != "" {
		c.Workers.Command = v
	}
	if v := os.Getenv("SB_WORKER_DIR"); v != "" {
		c.Workers.WorkDir = v
	}
	if v := os.Getenv("SB_SOCKET_DIR"); v != "" {
		c.Workers.SocketDir = v
	}
	if v := os.Getenv("SB_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers.Count = n
		}
	}
	if v := os.Getenv("SB_ADMIN_AUTH_SECRET"); v != "" {
		c.Admin.AuthSecret = v
	}
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.Command == "" {
		return fmt.Errorf("workers.command cannot be empty")
	}
	if c.Workers.StartTimeout <= 0 {
		return fmt.Errorf("workers.start_timeout must be positive")
	}
	if c.Workers.Restart.MaxRestarts <= 0 {
		return fmt.Errorf("workers.restart.max_restarts must be positive")
	}
	if c.Workers.Restart.RestartWindow <= 0 {
		return fmt.Errorf("workers.restart.restart_window must be positive")
	}
	if c.Workers.Restart.BackoffBase <= 0 {
		return fmt.Errorf("workers.restart.backoff_base must be positive")
	}
	if c.Workers.Restart.BackoffMax < c.Workers.Restart.BackoffBase {
		return fmt.Errorf("workers.restart.backoff_max must be >= backoff_base")
	}
	if c.Workers.Restart.BackoffJitter < 0 || c.Workers.Restart.BackoffJitter > 1 {
		return fmt.Errorf("workers.restart.backoff_jitter must be in [0, 1]")
	}

	if c.Pool.MinSize < 0 {
		return fmt.Errorf("pool.min_size cannot be negative")
	}
	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be at least 1")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size (%d) cannot exceed pool.max_size (%d)",
			c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Pool.ConnectTimeout <= 0 {
		return fmt.Errorf("pool.connect_timeout must be positive")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	if c.Pool.MaxPayload <= 0 {
		return fmt.Errorf("pool.max_payload must be positive")
	}

	if c.Bridge.RequestTimeout <= 0 {
		return fmt.Errorf("bridge.request_timeout must be positive")
	}
	if c.Bridge.IoTimeout <= 0 {
		return fmt.Errorf("bridge.io_timeout must be positive")
	}
	if c.Bridge.Retries < 0 {
		return fmt.Errorf("bridge.retries cannot be negative")
	}
	for _, m := range c.Bridge.IdempotentMethods {
		if m != strings.ToUpper(m) {
			return fmt.Errorf("bridge.idempotent_methods entries must be upper case: %s", m)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Address returns the listen address of the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
