// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Windlass binaries.
//
// Configuration is loaded from a single YAML file specified by the
// WINDLASS_CONFIG environment variable or a --config flag. There are
// no fallbacks or automatic discovery; this keeps configuration
// deterministic and auditable. The only expansion performed is
// ${VAR} / ${VAR:-default} substitution in path values, for
// portability across home directories.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Windlass storage tooling.
type Config struct {
	// Database configures the SQLite file and its connection pool.
	Database DatabaseConfig `yaml:"database"`

	// Snapshot configures backup creation.
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// DatabaseConfig configures the database file and pool bounds.
// Timeouts are integer milliseconds in the file.
type DatabaseConfig struct {
	// Path is the SQLite database file. Required.
	Path string `yaml:"path"`

	// MaxConnections bounds the pool. Zero keeps the pool default.
	MaxConnections int `yaml:"max_connections"`

	// AcquireTimeoutMs is how long an acquire waits before failing.
	// Zero keeps the pool default.
	AcquireTimeoutMs int `yaml:"acquire_timeout_ms"`

	// IdleTimeoutMs is how long an unused connection survives before
	// eviction. Zero keeps the pool default; negative disables
	// eviction.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

// SnapshotConfig configures backup creation defaults.
type SnapshotConfig struct {
	// Directory receives snapshot files when the operator does not
	// name an output path.
	Directory string `yaml:"directory"`

	// Compression is the default snapshot compression: "zstd",
	// "lz4", or "none". Empty selects zstd.
	Compression string `yaml:"compression"`
}

// Default returns the default configuration. The database path
// defaults under the user data directory so a bare invocation on a
// developer machine works; deployments set an explicit path.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "windlass")

	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(root, "windlass.db"),
		},
		Snapshot: SnapshotConfig{
			Directory:   filepath.Join(root, "snapshots"),
			Compression: "zstd",
		},
	}
}

// Load loads configuration from the file named by WINDLASS_CONFIG.
// This is the only way to load configuration without an explicit
// path; there is no search path.
func Load() (*Config, error) {
	path := os.Getenv("WINDLASS_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("WINDLASS_CONFIG environment variable not set; " +
			"set it to the path of your windlass.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, merging over the defaults
// and expanding ${VAR} patterns in path values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// AcquireTimeout converts the millisecond field to a duration.
func (c *DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMs) * time.Millisecond
}

// IdleTimeout converts the millisecond field to a duration, keeping
// the sign (negative disables eviction).
func (c *DatabaseConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// expandVariables expands ${VAR} and ${VAR:-default} in path values.
func (c *Config) expandVariables() {
	c.Database.Path = expandVars(c.Database.Path)
	c.Snapshot.Directory = expandVars(c.Snapshot.Directory)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors, accumulating every
// problem rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Database.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("database.max_connections must not be negative"))
	}
	if c.Database.AcquireTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("database.acquire_timeout_ms must not be negative"))
	}

	switch c.Snapshot.Compression {
	case "", "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("snapshot.compression must be one of: none, lz4, zstd"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the configuration points into.
func (c *Config) EnsurePaths() error {
	paths := []string{
		filepath.Dir(c.Database.Path),
		c.Snapshot.Directory,
	}
	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}
