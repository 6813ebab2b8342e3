// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package config loads and validates application configuration.
//
// Configuration is loaded via Koanf v2 with layered sources, highest
// priority last:
//
//  1. Built-in defaults
//  2. Config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Logging    LoggingConfig    `koanf:"logging"`
	NATS       NATSConfig       `koanf:"nats"`
	Settlement SettlementConfig `koanf:"settlement"`
	Slicer     SlicerConfig     `koanf:"slicer"`
	API        APIConfig        `koanf:"api"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string `koanf:"path"`

	// MaxMemory limits DuckDB memory usage (e.g. "1GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`

	// PreserveInsertionOrder matches the DuckDB default. Disabling it
	// reduces memory usage but may change unordered result order.
	PreserveInsertionOrder bool `koanf:"preserve_insertion_order"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// NATSConfig holds event transport settings. When disabled, events flow
// through the in-process Go channel Pub/Sub only (HTTP ingest).
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	StreamName     string `koanf:"stream_name"`
	DurableName    string `koanf:"durable_name"`
	QueueGroup     string `koanf:"queue_group"`

	// Watermill Router middleware settings.
	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterThrottlePerSecond    int64         `koanf:"router_throttle_per_second"`
	RouterDeduplicationEnabled bool          `koanf:"router_deduplication_enabled"`
	RouterDeduplicationTTL     time.Duration `koanf:"router_deduplication_ttl"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// SettlementConfig holds consumption settlement tuning.
type SettlementConfig struct {
	// NegativeDeltaTolerance is the allowed negative remaining-fraction
	// delta before an AMS reading is rejected as firmware noise.
	NegativeDeltaTolerance float64 `koanf:"negative_delta_tolerance"`

	// DefaultRollWeightGrams is used when a stock item has no explicit
	// roll weight configured.
	DefaultRollWeightGrams float64 `koanf:"default_roll_weight_grams"`
}

// SlicerConfig holds the collector-sidecar estimate fetch settings.
// The sidecar parses sliced 3MF files and exposes predicted filament
// weight per tray for a job.
type SlicerConfig struct {
	Enabled    bool          `koanf:"enabled"`
	SidecarURL string        `koanf:"sidecar_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	DefaultPageSize   int           `koanf:"default_page_size"`
	MaxPageSize       int           `koanf:"max_page_size"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// Load loads configuration from all sources and validates it.
func Load() (*Config, error) {
	return LoadWithKoanf()
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server timeout must be positive, got %s", c.Server.Timeout)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("database threads must be >= 0, got %d", c.Database.Threads)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (must be json or console)", c.Logging.Format)
	}

	if c.NATS.Enabled && c.NATS.URL == "" && !c.NATS.EmbeddedServer {
		return fmt.Errorf("nats enabled but no url configured and embedded server disabled")
	}

	if c.Settlement.NegativeDeltaTolerance < 0 {
		return fmt.Errorf("settlement negative_delta_tolerance must be >= 0")
	}
	if c.Settlement.DefaultRollWeightGrams <= 0 {
		return fmt.Errorf("settlement default_roll_weight_grams must be positive")
	}

	if c.Slicer.Enabled && c.Slicer.SidecarURL == "" {
		return fmt.Errorf("slicer estimate fetch enabled but sidecar_url is empty")
	}

	if c.API.DefaultPageSize <= 0 || c.API.MaxPageSize <= 0 {
		return fmt.Errorf("api page sizes must be positive")
	}
	if c.API.DefaultPageSize > c.API.MaxPageSize {
		return fmt.Errorf("api default_page_size (%d) exceeds max_page_size (%d)",
			c.API.DefaultPageSize, c.API.MaxPageSize)
	}

	return nil
}
