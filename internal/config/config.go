// Package config loads the server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP listen address for the gateway.
	Listen string `yaml:"listen"`

	Store      Store      `yaml:"store"`
	Optimistic Optimistic `yaml:"optimistic"`
}

// Store selects and bounds the storage backend.
type Store struct {
	// Backend is "memory" or "sqlite".
	Backend Backend `yaml:"backend"`

	// Path is the database file. Required for sqlite, ignored otherwise.
	Path string `yaml:"path,omitempty"`

	// MaxPatchAge bounds how long patch log entries are retained.
	MaxPatchAge time.Duration `yaml:"max_patch_age"`

	// MaxPatchesPerEntity bounds the per-entity patch log length.
	MaxPatchesPerEntity int `yaml:"max_patches_per_entity"`

	// MaxRetries bounds write retries on concurrent-write conflicts.
	MaxRetries int `yaml:"max_retries"`
}

// Optimistic configures the client-side transaction manager.
type Optimistic struct {
	Enabled bool `yaml:"enabled"`

	// Timeout rolls back unconfirmed transactions. Zero disables it.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ":8080",
		Store: Store{
			Backend:             BackendMemory,
			MaxPatchAge:         5 * time.Minute,
			MaxPatchesPerEntity: 50,
			MaxRetries:          3,
		},
		Optimistic: Optimistic{
			Enabled: true,
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads and validates a YAML configuration file. Fields the file
// omits keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			return errors.New("sqlite backend requires store.path")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.MaxPatchAge <= 0 {
		return errors.New("store.max_patch_age must be positive")
	}
	if c.Store.MaxPatchesPerEntity <= 0 {
		return errors.New("store.max_patches_per_entity must be positive")
	}
	if c.Store.MaxRetries <= 0 {
		return errors.New("store.max_retries must be positive")
	}
	if c.Optimistic.Timeout < 0 {
		return errors.New("optimistic.timeout must not be negative")
	}
	return nil
}
