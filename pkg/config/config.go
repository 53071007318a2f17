// Package config provides the service configuration for Tributary.
//
// Configuration is organized into logical sections:
//   - Database: relational store connection pool
//   - ObjectStore: S3-compatible or GCS bucket for binary assets and staged batches
//   - Scheduler: probe interval
//   - Worker: pool size, retry policy and maintenance intervals
//   - Auth: device token signing, pairing and OAuth providers
//   - Storage: upload concurrency and schema cache
//   - Logging, Metrics, Tracing, API: ambient service settings
//
// Values are read from a YAML file with ${VAR} substitution and may be
// overridden by TRIBUTARY_* environment variables, e.g.
// TRIBUTARY_DATABASE_URL or TRIBUTARY_WORKER_CONCURRENCY.
//
// Example usage:
//
//	cfg, err := config.Load("tributary.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/tributary/pkg/logger"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "TRIBUTARY"

// Config is the root service configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Logging     logger.Config     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
}

// DatabaseConfig configures the pgx connection pool
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxConnections  int32         `mapstructure:"max_connections" yaml:"max_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time"`
}

// ObjectStoreConfig selects and configures the object store backend
type ObjectStoreConfig struct {
	// Provider is one of s3, gcs or memory
	Provider        string `mapstructure:"provider" yaml:"provider"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	CreateBucket    bool   `mapstructure:"create_bucket" yaml:"create_bucket"`
}

// SchedulerConfig configures the due-stream probe
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// WorkerConfig configures the task runner
type WorkerConfig struct {
	Concurrency          int           `mapstructure:"concurrency" yaml:"concurrency"`
	QueueSize            int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	TokenRefreshInterval time.Duration `mapstructure:"token_refresh_interval" yaml:"token_refresh_interval"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	ActivityRetention    time.Duration `mapstructure:"activity_retention" yaml:"activity_retention"`
}

// AuthConfig configures the credential manager
type AuthConfig struct {
	DeviceTokenSecret string                         `mapstructure:"device_token_secret" yaml:"device_token_secret"`
	DeviceTokenTTL    time.Duration                  `mapstructure:"device_token_ttl" yaml:"device_token_ttl"`
	PairingTTL        time.Duration                  `mapstructure:"pairing_ttl" yaml:"pairing_ttl"`
	RefreshThreshold  time.Duration                  `mapstructure:"refresh_threshold" yaml:"refresh_threshold"`
	Providers         map[string]OAuthProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// OAuthProviderConfig describes an OAuth2 provider keyed by source type
type OAuthProviderConfig struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url" yaml:"auth_url"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	RedirectURL  string   `mapstructure:"redirect_url" yaml:"redirect_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// StorageConfig configures the hybrid storage router
type StorageConfig struct {
	MaxConcurrentUploads int           `mapstructure:"max_concurrent_uploads" yaml:"max_concurrent_uploads"`
	ColumnCacheTTL       time.Duration `mapstructure:"column_cache_ttl" yaml:"column_cache_ttl"`
	RawPrefix            string        `mapstructure:"raw_prefix" yaml:"raw_prefix"`
}

// CatalogConfig points at the stream catalog
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// APIConfig configures the HTTP ingest and pairing API
type APIConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// setDefaults registers every key with viper so environment overrides
// apply during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "postgres://localhost:5432/tributary?sslmode=disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("object_store.provider", "s3")
	v.SetDefault("object_store.bucket", "tributary")
	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.access_key_id", "")
	v.SetDefault("object_store.secret_access_key", "")
	v.SetDefault("object_store.use_path_style", false)
	v.SetDefault("object_store.project_id", "")
	v.SetDefault("object_store.credentials_file", "")
	v.SetDefault("object_store.create_bucket", true)

	v.SetDefault("scheduler.interval", time.Minute)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 1024)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.retry_base_delay", 60*time.Second)
	v.SetDefault("worker.token_refresh_interval", 15*time.Minute)
	v.SetDefault("worker.cleanup_interval", 24*time.Hour)
	v.SetDefault("worker.activity_retention", 30*24*time.Hour)

	v.SetDefault("auth.device_token_secret", "")
	v.SetDefault("auth.device_token_ttl", 30*24*time.Hour)
	v.SetDefault("auth.pairing_ttl", 300*time.Second)
	v.SetDefault("auth.refresh_threshold", time.Hour)

	v.SetDefault("storage.max_concurrent_uploads", 25)
	v.SetDefault("storage.column_cache_ttl", 5*time.Minute)
	v.SetDefault("storage.raw_prefix", "raw")

	v.SetDefault("catalog.path", "streams")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "tributary")
	v.SetDefault("tracing.sample_rate", 0.1)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.max_body_bytes", 32<<20)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)
}

// Load reads configuration from filePath (optional) and the environment.
// An empty filePath yields defaults plus environment overrides.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.ObjectStore.Provider {
	case "s3", "gcs", "memory":
	default:
		return fmt.Errorf("object_store.provider must be s3, gcs or memory, got %q", c.ObjectStore.Provider)
	}
	if c.ObjectStore.Provider != "memory" && c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries cannot be negative")
	}
	if c.Worker.RetryBaseDelay <= 0 {
		return fmt.Errorf("worker.retry_base_delay must be positive")
	}
	if c.Auth.PairingTTL <= 0 {
		return fmt.Errorf("auth.pairing_ttl must be positive")
	}
	if c.Storage.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("storage.max_concurrent_uploads must be positive")
	}
	for name, p := range c.Auth.Providers {
		if p.ClientID == "" || p.TokenURL == "" {
			return fmt.Errorf("auth.providers.%s requires client_id and token_url", name)
		}
	}
	return nil
}
