// Package config loads engine configuration from environment variables,
// with optional .env file support for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	App       AppConfig
	Reconcile ReconcileConfig
	Ledger    LedgerConfig
	Cache     CacheConfig
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"serialtrack"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
}

// ReconcileConfig holds the lifecycle reconciliation settings.
type ReconcileConfig struct {
	// WindowMinutes bounds the working set to records observed within this
	// many minutes of the newest snapshot's capture time.
	WindowMinutes int `envconfig:"WINDOW_MINUTES" default:"60"`

	// WarehouseFilter drops incoming records from other warehouses.
	// Empty disables the filter.
	WarehouseFilter string `envconfig:"WAREHOUSE_FILTER" default:""`

	// TerminalStatus is the lifecycle end state.
	TerminalStatus string `envconfig:"STATUS_TERMINAL_VALUE" default:"SHIPPED"`

	// IntervalSeconds is the period of the reconciliation cycle.
	IntervalSeconds int `envconfig:"RECONCILIATION_INTERVAL_SECONDS" default:"300"`

	// ImplicitShipOnRemoval treats a PICKED serial vanishing from an export
	// as an implicit SHIPPED transition. Disable to record such
	// disappearances as removals instead.
	ImplicitShipOnRemoval bool `envconfig:"IMPLICIT_SHIP_ON_REMOVAL" default:"true"`
}

// Interval returns the cycle period as a duration.
func (r *ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// LedgerConfig holds storage settings.
type LedgerConfig struct {
	Path string `envconfig:"LEDGER_DB_PATH" default:"./data/serialtrack.db"`
}

// CacheConfig holds dashboard cache settings.
type CacheConfig struct {
	Type string        `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis
	TTL  time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Reconcile.WindowMinutes < 0 {
		return fmt.Errorf("invalid config: WINDOW_MINUTES must be >= 0, got %d", c.Reconcile.WindowMinutes)
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("invalid config: RECONCILIATION_INTERVAL_SECONDS must be > 0, got %d", c.Reconcile.IntervalSeconds)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid config: CACHE_TYPE must be memory or redis, got %q", c.Cache.Type)
	}
	return nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
