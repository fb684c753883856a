// Package config holds the engine configuration. Components receive an
// explicit Config through their constructors rather than reading ambient
// globals, so they can be tested with varied configurations in parallel.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/tidygen-community/anchor/pkg/canonical"
)

// Config is the engine configuration surface.
type Config struct {
	// MaxRetries bounds how many times a failed record may be retried.
	MaxRetries int
	// BatchSize is the maximum number of records collected per batch.
	BatchSize int
	// BatchTimeout is the cadence at which pending records are batched.
	BatchTimeout time.Duration
	// AdapterTimeout bounds each call into the chain client.
	AdapterTimeout time.Duration
	// AutoConfirm controls whether confirmation is attempted right after
	// submission or left to a separate poller.
	AutoConfirm bool
	// HashAlgorithm selects the digest function (sha256 or keccak256).
	HashAlgorithm canonical.Algorithm

	// StoreDriver selects persistence: "memory", "sqlite", or "postgres".
	StoreDriver string
	// StoreDSN is the database path (sqlite) or connection string (postgres).
	StoreDSN string

	// RelayURL points the adapter at an anchoring relay; empty selects the
	// in-memory fake (development).
	RelayURL string

	LogLevel string
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		MaxRetries:     3,
		BatchSize:      10,
		BatchTimeout:   300 * time.Second,
		AdapterTimeout: 30 * time.Second,
		AutoConfirm:    true,
		HashAlgorithm:  canonical.SHA256,
		StoreDriver:    "memory",
		LogLevel:       "INFO",
	}
}

// Load builds a Config from environment variables over the defaults.
func Load() Config {
	cfg := Default()

	if v := os.Getenv("ANCHOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("ANCHOR_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("ANCHOR_BATCH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ANCHOR_ADAPTER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AdapterTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ANCHOR_AUTO_CONFIRM"); v != "" {
		cfg.AutoConfirm = v == "true" || v == "1"
	}
	if v := os.Getenv("ANCHOR_HASH_ALGORITHM"); v != "" {
		cfg.HashAlgorithm = canonical.Algorithm(v)
	}
	if v := os.Getenv("ANCHOR_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("ANCHOR_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("ANCHOR_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}
