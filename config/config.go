// Package config provides configuration management for the dependency validator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// MaxParallelJobs is the hard cap on the validation worker pool size.
	MaxParallelJobs = 8
	// MaxRetries is the largest accepted value for retry settings.
	MaxRetries = 10
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	DB         DBConfig         `koanf:"db"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Logging    LoggingConfig    `koanf:"logging"`
	Events     EventsConfig     `koanf:"events"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Validation ValidationConfig `koanf:"validation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr     string   `koanf:"listen_addr"`
	AllowedOrigins []string `koanf:"allowed_origins"` // CORS allowed origins (empty = same-origin only)
}

// DBConfig holds status snapshot database configuration.
type DBConfig struct {
	Path string `koanf:"path"` // ":memory:" keeps the snapshot for the process lifetime only.
}

// WorkspaceConfig holds the folder loaded at startup.
type WorkspaceConfig struct {
	Root string `koanf:"root"` // Optional configuration folder to load on start.
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	Buffer int `koanf:"buffer"` // Pending events queued before producers wait.
}

// MetricsConfig holds OpenTelemetry metrics export configuration.
type MetricsConfig struct {
	OTLPEndpoint   string `koanf:"otlp_endpoint"`   // host:port of an OTLP gRPC collector; empty disables export.
	OTLPInsecure   bool   `koanf:"otlp_insecure"`   // Plaintext connection to the collector.
	ExportInterval int    `koanf:"export_interval"` // Export interval in seconds (default: 60).
}

// ExportIntervalDuration returns the OTLP export interval.
func (m MetricsConfig) ExportIntervalDuration() time.Duration {
	return time.Duration(m.ExportInterval) * time.Second
}

// ValidationConfig holds the validation engine configuration.
type ValidationConfig struct {
	ParallelJobs       int    `koanf:"parallel_jobs"`         // Worker pool size (default: 3, max: MaxParallelJobs).
	MaxRequestsPerHost int    `koanf:"max_requests_per_host"` // Concurrent remote operations per host (default: 3).
	GitTimeout         int    `koanf:"git_timeout"`           // Timeout per git command attempt in seconds (default: 25).
	ScanRepo           *bool  `koanf:"scan_repo"`             // Fall back to a full ref listing (default: true).
	MaxRetries         int    `koanf:"max_retries"`           // Retries after a transient failure (default: 3).
	BackoffBaseMS      int    `koanf:"backoff_base_ms"`       // Base retry delay in milliseconds (default: 600).
	BackoffJitterMS    int    `koanf:"backoff_jitter_ms"`     // Max random jitter in milliseconds (default: 300).
	IndexTimeout       int    `koanf:"index_timeout"`         // Package index request timeout in seconds (default: 30).
	IndexRetries       int    `koanf:"index_retries"`         // Retries for 429/5xx/transport failures (default: 2).
	IndexCacheTTL      *int   `koanf:"index_cache_ttl"`       // Index page cache TTL in seconds, 0 disables (default: 60).
	IndexUserEnv       string `koanf:"index_user_env"`        // Env var holding the index username.
	IndexPassEnv       string `koanf:"index_pass_env"`        // Env var holding the index password.
	UserAgent          string `koanf:"user_agent"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (with DEP_VALIDATOR_ prefix)
	if err := k.Load(env.Provider("DEP_VALIDATOR_", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "DEP_VALIDATOR_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with their defaults.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.DB.Path == "" {
		c.DB.Path = ":memory:"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
	if c.Metrics.ExportInterval == 0 {
		c.Metrics.ExportInterval = 60 // seconds
	}

	v := &c.Validation
	if v.ParallelJobs == 0 {
		v.ParallelJobs = 3
	}
	if v.ParallelJobs > MaxParallelJobs {
		v.ParallelJobs = MaxParallelJobs
	}
	if v.MaxRequestsPerHost == 0 {
		v.MaxRequestsPerHost = 3
	}
	if v.GitTimeout == 0 {
		v.GitTimeout = 25 // seconds
	}
	if v.ScanRepo == nil {
		scan := true
		v.ScanRepo = &scan
	}
	if v.MaxRetries == 0 {
		v.MaxRetries = 3
	}
	if v.BackoffBaseMS == 0 {
		v.BackoffBaseMS = 600
	}
	if v.BackoffJitterMS == 0 {
		v.BackoffJitterMS = 300
	}
	if v.IndexTimeout == 0 {
		v.IndexTimeout = 30 // seconds
	}
	if v.IndexRetries == 0 {
		v.IndexRetries = 2
	}
	if v.IndexCacheTTL == nil {
		ttl := 60
		v.IndexCacheTTL = &ttl
	}
	if v.IndexUserEnv == "" {
		v.IndexUserEnv = "PIP_INDEX_USER"
	}
	if v.IndexPassEnv == "" {
		v.IndexPassEnv = "PIP_INDEX_PASS"
	}
	if v.UserAgent == "" {
		v.UserAgent = "dep-validator/1.0"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	if c.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative (got %d)", c.Events.Buffer)
	}
	if c.Metrics.ExportInterval < 0 {
		return fmt.Errorf("metrics.export_interval must not be negative (got %d)", c.Metrics.ExportInterval)
	}

	v := c.Validation
	if v.ParallelJobs < 1 {
		return fmt.Errorf("validation.parallel_jobs must be positive (got %d)", v.ParallelJobs)
	}
	if v.MaxRequestsPerHost < 1 {
		return fmt.Errorf("validation.max_requests_per_host must be positive (got %d)", v.MaxRequestsPerHost)
	}
	if v.GitTimeout < 0 {
		return fmt.Errorf("validation.git_timeout must not be negative (got %d)", v.GitTimeout)
	}
	if v.MaxRetries < 0 || v.MaxRetries > MaxRetries {
		return fmt.Errorf("validation.max_retries must be between 0 and %d (got %d)", MaxRetries, v.MaxRetries)
	}
	if v.BackoffBaseMS < 0 || v.BackoffJitterMS < 0 {
		return fmt.Errorf("validation backoff values must not be negative")
	}
	if v.IndexTimeout < 0 {
		return fmt.Errorf("validation.index_timeout must not be negative (got %d)", v.IndexTimeout)
	}
	if v.IndexRetries < 0 || v.IndexRetries > MaxRetries {
		return fmt.Errorf("validation.index_retries must be between 0 and %d (got %d)", MaxRetries, v.IndexRetries)
	}
	if v.IndexCacheTTL != nil && *v.IndexCacheTTL < 0 {
		return fmt.Errorf("validation.index_cache_ttl must not be negative (got %d)", *v.IndexCacheTTL)
	}

	return nil
}

// GitTimeoutDuration returns the per-attempt git timeout.
func (v ValidationConfig) GitTimeoutDuration() time.Duration {
	return time.Duration(v.GitTimeout) * time.Second
}

// IndexTimeoutDuration returns the package index request timeout.
func (v ValidationConfig) IndexTimeoutDuration() time.Duration {
	return time.Duration(v.IndexTimeout) * time.Second
}

// IndexCacheTTLDuration returns the index page cache TTL; zero disables caching.
func (v ValidationConfig) IndexCacheTTLDuration() time.Duration {
	if v.IndexCacheTTL == nil {
		return 0
	}
	return time.Duration(*v.IndexCacheTTL) * time.Second
}

// AllowFullScan reports whether the full ref listing fallback is enabled.
func (v ValidationConfig) AllowFullScan() bool {
	return v.ScanRepo == nil || *v.ScanRepo
}

// BackoffBase returns the base retry delay.
func (v ValidationConfig) BackoffBase() time.Duration {
	return time.Duration(v.BackoffBaseMS) * time.Millisecond
}

// BackoffJitter returns the maximum retry jitter.
func (v ValidationConfig) BackoffJitter() time.Duration {
	return time.Duration(v.BackoffJitterMS) * time.Millisecond
}
