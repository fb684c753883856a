package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidygen-community/anchor/pkg/canonical"
)

// Profile is a deployment-specific configuration file applied over the
// defaults. Zero values leave the default untouched.
type Profile struct {
	Name      string          `yaml:"name"`
	Anchoring AnchoringConfig `yaml:"anchoring"`
	Store     StoreConfig     `yaml:"store"`
	Relay     RelayConfig     `yaml:"relay"`
	LogLevel  string          `yaml:"log_level"`
}

// AnchoringConfig holds the lifecycle and batching knobs.
type AnchoringConfig struct {
	MaxRetries            int    `yaml:"max_retries"`
	BatchSize             int    `yaml:"batch_size"`
	BatchTimeoutSeconds   int    `yaml:"batch_timeout_seconds"`
	AdapterTimeoutSeconds int    `yaml:"adapter_timeout_seconds"`
	AutoConfirm           *bool  `yaml:"auto_confirm"`
	HashAlgorithm         string `yaml:"hash_algorithm"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RelayConfig points at the anchoring relay.
type RelayConfig struct {
	URL string `yaml:"url"`
}

// LoadProfile reads a YAML profile and applies it over the defaults.
func LoadProfile(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: failed to read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return cfg, fmt.Errorf("config: failed to parse profile %s: %w", path, err)
	}

	if p.Anchoring.MaxRetries > 0 {
		cfg.MaxRetries = p.Anchoring.MaxRetries
	}
	if p.Anchoring.BatchSize > 0 {
		cfg.BatchSize = p.Anchoring.BatchSize
	}
	if p.Anchoring.BatchTimeoutSeconds > 0 {
		cfg.BatchTimeout = time.Duration(p.Anchoring.BatchTimeoutSeconds) * time.Second
	}
	if p.Anchoring.AdapterTimeoutSeconds > 0 {
		cfg.AdapterTimeout = time.Duration(p.Anchoring.AdapterTimeoutSeconds) * time.Second
	}
	if p.Anchoring.AutoConfirm != nil {
		cfg.AutoConfirm = *p.Anchoring.AutoConfirm
	}
	if p.Anchoring.HashAlgorithm != "" {
		cfg.HashAlgorithm = canonical.Algorithm(p.Anchoring.HashAlgorithm)
	}
	if p.Store.Driver != "" {
		cfg.StoreDriver = p.Store.Driver
	}
	if p.Store.DSN != "" {
		cfg.StoreDSN = p.Store.DSN
	}
	if p.Relay.URL != "" {
		cfg.RelayURL = p.Relay.URL
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}

	return cfg, nil
}
