// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

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

// DefaultBufferSize is the default per-stream buffer limit for
// subprocess output and input (4 MiB).
const DefaultBufferSize = 4 << 20

// Config is the configuration for a Lattice node daemon.
type Config struct {
	// Rank is this node's rank, reported in every rexec message so
	// that aggregating tools can attribute output to nodes.
	Rank int `yaml:"rank"`

	// Socket is the Unix socket path the daemon's bus listens on.
	Socket string `yaml:"socket"`

	// LocalURI is the address advertised to spawned subprocesses via
	// the LATTICE_URI environment variable. When empty, it is derived
	// from Socket as "local://<socket>".
	LocalURI string `yaml:"local_uri"`

	// ShutdownGrace is how long the daemon waits for subprocesses to
	// terminate after a shutdown signal before force-killing them.
	// Duration string, e.g. "10s".
	ShutdownGrace string `yaml:"shutdown_grace"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`

	// Auth configures request authorization.
	Auth AuthConfig `yaml:"auth"`

	// Limits configures per-subprocess buffer limits.
	Limits LimitsConfig `yaml:"limits"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	// Default: info.
	Level string `yaml:"level"`

	// Format selects the handler: json (default) or text.
	Format string `yaml:"format"`
}

// AuthConfig configures request authorization.
type AuthConfig struct {
	// PublicKeyFile is the path to the token signing authority's
	// Ed25519 public key. When empty, the daemon runs open: every
	// request is admitted.
	PublicKeyFile string `yaml:"public_key_file"`
}

// LimitsConfig configures per-subprocess buffer limits.
type LimitsConfig struct {
	// OutputBufferSize is the per-stream output buffer limit in
	// bytes. Default: 4 MiB.
	OutputBufferSize int `yaml:"output_buffer_size"`

	// InputBufferSize is the pending stdin buffer limit in bytes.
	// Writes beyond this limit are accepted short, which the server
	// treats as a fault. Default: 4 MiB.
	InputBufferSize int `yaml:"input_buffer_size"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; a daemon started without
// a config file runs entirely on them.
func Default() *Config {
	return &Config{
		Rank:          0,
		Socket:        "/run/lattice/bus.sock",
		LocalURI:      "",
		ShutdownGrace: "10s",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{},
		Limits: LimitsConfig{
			OutputBufferSize: DefaultBufferSize,
			InputBufferSize:  DefaultBufferSize,
		},
	}
}

// Load loads configuration from the LATTICE_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks: if LATTICE_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no
// hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("LATTICE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("LATTICE_CONFIG environment variable not set; " +
			"set it to the path of your lattice-daemon.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Socket = expandVars(c.Socket, vars)
	c.Auth.PublicKeyFile = expandVars(c.Auth.PublicKeyFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Rank < 0 {
		errs = append(errs, fmt.Errorf("rank must be non-negative, got %d", c.Rank))
	}

	if c.Socket == "" {
		errs = append(errs, fmt.Errorf("socket is required"))
	}

	if _, err := c.GraceTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown_grace: %w", err))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}

	formats := []string{"json", "text"}
	if !contains(formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	if c.Limits.OutputBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("limits.output_buffer_size must be positive"))
	}
	if c.Limits.InputBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("limits.input_buffer_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// URI returns the advertised local URI, deriving it from the socket
// path when not configured explicitly.
func (c *Config) URI() string {
	if c.LocalURI != "" {
		return c.LocalURI
	}
	return "local://" + c.Socket
}

// GraceTimeout parses the ShutdownGrace duration string.
func (c *Config) GraceTimeout() (time.Duration, error) {
	grace, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", c.ShutdownGrace, err)
	}
	if grace <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", c.ShutdownGrace)
	}
	return grace, nil
}

// EnsureSocketDir creates the directory that will hold the bus
// socket.
func (c *Config) EnsureSocketDir() error {
	directory := filepath.Dir(c.Socket)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
