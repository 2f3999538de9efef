// Package config provides centralized configuration management for the
// translation sync service. It loads configuration from environment variables
// with sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/storage"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Catalog   CatalogConfig
	Pipeline  PipelineConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Retention RetentionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-streaming requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// StorageConfig selects and tunes the artifact store.
type StorageConfig struct {
	// Driver is one of postgres, sqlite, filesystem, memory (default: sqlite)
	Driver string `env:"STORAGE_DRIVER" default:"sqlite"`

	// DatabaseURL is the PostgreSQL connection string for the postgres driver.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	DatabaseURL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// SQLitePath is the database file for the sqlite driver (default: trexsync.db)
	SQLitePath string `env:"SQLITE_PATH" default:"trexsync.db"`

	// Dir is the root directory for the filesystem driver (default: data)
	Dir string `env:"STORAGE_DIR" default:"data"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// CatalogConfig holds the remote catalog connection. The catalog is
// optional: with no base URL every run works from documents alone.
type CatalogConfig struct {
	BaseURL  string `env:"CATALOG_BASE_URL"`
	User     string `env:"CATALOG_USER"`
	Company  string `env:"CATALOG_COMPANY"`
	Password string `env:"CATALOG_PASSWORD"`

	// Token is a pre-issued OAuth access token; it takes precedence over
	// user and password.
	Token string `env:"CATALOG_TOKEN"`

	Timeout         time.Duration `env:"CATALOG_TIMEOUT" default:"30s"`
	MaxAttempts     int           `env:"CATALOG_MAX_ATTEMPTS" default:"4"`
	RetryWait       time.Duration `env:"CATALOG_RETRY_WAIT" default:"500ms"`
	RetryMaxWait    time.Duration `env:"CATALOG_RETRY_MAX_WAIT" default:"8s"`
	PageSize        int           `env:"CATALOG_PAGE_SIZE" default:"100"`
	BreakerFailures int           `env:"CATALOG_BREAKER_FAILURES" default:"5"`
	BreakerCooldown time.Duration `env:"CATALOG_BREAKER_COOLDOWN" default:"30s"`
}

// PipelineConfig bounds export and import runs.
type PipelineConfig struct {
	// PoolWidth is the number of concurrent catalog calls per run (default: 4)
	PoolWidth int `env:"PIPELINE_POOL_WIDTH" default:"4"`

	// MaxConcurrentRuns caps runs across all projects (default: 4)
	MaxConcurrentRuns int `env:"PIPELINE_MAX_CONCURRENT_RUNS" default:"4"`

	// MaxWaitTime is how long a run waits for a free slot (default: 30s)
	MaxWaitTime time.Duration `env:"PIPELINE_MAX_WAIT_TIME" default:"30s"`

	// RunTimeout is the maximum duration of a single run (default: 30m)
	RunTimeout time.Duration `env:"PIPELINE_RUN_TIMEOUT" default:"30m"`

	// MaxUploadSize is the largest accepted multipart upload in bytes (default: 50MB)
	MaxUploadSize int64 `env:"PIPELINE_MAX_UPLOAD_SIZE" default:"52428800"`

	// ProgressBuffer is the per-run progress event buffer (default: 64)
	ProgressBuffer int `env:"PIPELINE_PROGRESS_BUFFER" default:"64"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// RunLimit is requests per minute for endpoints that start runs (default: 10)
	RunLimit int `env:"RATE_LIMIT_RUNS" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key checks on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// RetentionConfig controls purging of old artifacts and run records.
type RetentionConfig struct {
	// Enabled turns the retention job on (default: true)
	Enabled bool `env:"RETENTION_ENABLED" default:"true"`

	// MaxAge is how long artifacts and runs are kept (default: 720h)
	MaxAge time.Duration `env:"RETENTION_MAX_AGE" default:"720h"`

	// CheckInterval is how often to run the purge (default: 24h)
	CheckInterval time.Duration `env:"RETENTION_CHECK_INTERVAL" default:"24h"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Options converts the section to storage.Options.
func (c *StorageConfig) Options() storage.Options {
	return storage.Options{
		Driver:      c.Driver,
		DatabaseURL: c.DatabaseURL,
		SQLitePath:  c.SQLitePath,
		Dir:         c.Dir,
		Pool: storage.PoolConfig{
			MaxConns:        int32(c.MaxConns),
			MinConns:        int32(c.MinConns),
			MaxConnLifetime: c.MaxConnLifetime,
			MaxConnIdleTime: c.MaxConnIdleTime,
		},
	}
}

// Configured reports whether a catalog connection is set up.
func (c *CatalogConfig) Configured() bool {
	return c.BaseURL != ""
}

// ClientConfig converts the section to catalog.Config.
func (c *CatalogConfig) ClientConfig() catalog.Config {
	return catalog.Config{
		BaseURL:         c.BaseURL,
		Timeout:         c.Timeout,
		MaxAttempts:     c.MaxAttempts,
		RetryWait:       c.RetryWait,
		RetryMaxWait:    c.RetryMaxWait,
		PageSize:        c.PageSize,
		BreakerFailures: uint32(c.BreakerFailures),
		BreakerCooldown: c.BreakerCooldown,
	}
}

// Credential builds the catalog credential: bearer when a token is set,
// basic otherwise.
func (c *CatalogConfig) Credential() catalog.Credential {
	if c.Token != "" {
		return catalog.BearerCredential(c.Token)
	}
	return catalog.BasicCredential(c.User, c.Company, c.Password)
}
