// Package config provides configuration loading and management for the sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/berqenas/dbsync/internal/store"
)

// Defaults for optional scheduler settings.
const (
	// DefaultWorkers is the worker pool size when none is configured
	DefaultWorkers = 4

	// DefaultSyncInterval is the periodic trigger interval when none is configured
	DefaultSyncInterval = 15 * time.Minute

	// DefaultMaxRetries bounds connectivity-failure retries per pass
	DefaultMaxRetries = 3
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Database is the control-plane database holding registrations, jobs,
	// conflicts, and watermarks
	Database *DatabaseConfig `yaml:"database"`

	// CloudStore is the cloud-side data store registrations sync against
	CloudStore store.Config `yaml:"cloudStore"`

	// Scheduler holds worker pool and trigger settings
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`

	// Telemetry configures the optional OTLP metrics exporter
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SchedulerConfig defines worker pool and periodic trigger settings
type SchedulerConfig struct {
	// Workers is the number of concurrent sync pass executors
	Workers int `yaml:"workers,omitempty"`

	// Interval is the periodic trigger interval (e.g. "15m")
	Interval string `yaml:"interval,omitempty"`

	// MaxRetries bounds backoff retries after connectivity failures
	MaxRetries int `yaml:"maxRetries,omitempty"`
}

// TelemetryConfig defines the metrics exporter settings
type TelemetryConfig struct {
	// Endpoint is the OTLP HTTP endpoint (host:port)
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the exporter connection
	Insecure bool `yaml:"insecure,omitempty"`
}

// DatabaseConfig defines control-plane database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from DBSYNC_DATABASE_PASSWORD environment variable
//
// The password from file has leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("DBSYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or DBSYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special characters.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// WorkerCount returns the configured worker pool size or the default.
func (s SchedulerConfig) WorkerCount() int {
	if s.Workers <= 0 {
		return DefaultWorkers
	}
	return s.Workers
}

// SyncInterval returns the configured periodic interval or the default.
func (s SchedulerConfig) SyncInterval() time.Duration {
	if s.Interval == "" {
		return DefaultSyncInterval
	}
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return DefaultSyncInterval
	}
	return d
}

// RetryLimit returns the configured retry bound or the default.
func (s SchedulerConfig) RetryLimit() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.Database.ConnMaxLifetime); err != nil {
			return fmt.Errorf("database connMaxLifetime must be a valid duration: %w", err)
		}
	}

	if c.CloudStore.Kind == "" {
		return fmt.Errorf("cloudStore.kind is required")
	}
	if _, err := store.ParseKind(string(c.CloudStore.Kind)); err != nil {
		return fmt.Errorf("cloudStore: %w", err)
	}
	if c.CloudStore.DSN == "" {
		return fmt.Errorf("cloudStore.dsn is required")
	}

	if c.Scheduler.Interval != "" {
		if _, err := time.ParseDuration(c.Scheduler.Interval); err != nil {
			return fmt.Errorf("scheduler.interval must be a valid duration (e.g. '30m', '1h'): %w", err)
		}
	}

	if c.Telemetry != nil && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is configured")
	}

	return nil
}
