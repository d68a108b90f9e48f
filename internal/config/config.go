// Package config holds the autoloader configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mangleload/internal/symbol"
)

// Config holds all mangleload configuration.
type Config struct {
	// LibraryRoots are the directories indexed for the library-wide
	// autoload fallback.
	LibraryRoots []string `yaml:"library_roots"`

	// Extensions are the source-file extensions scanned by the index
	// builder and tried when resolving extension-less file specs.
	Extensions []string `yaml:"extensions"`

	// Autoload enables the library-index fallback strategy. Explicit
	// declarations keep working when this is off.
	Autoload bool `yaml:"autoload"`

	// IndexRecheck bounds how often lookups re-check index staleness.
	IndexRecheck string `yaml:"index_recheck"`

	// SuppressWindow is the minimum silence between identical warnings.
	SuppressWindow string `yaml:"suppress_window"`

	// GeneratorExtraArgs is the arity adjustment applied to "name//arity"
	// export specs. A convention of the host grammar, hence configurable.
	GeneratorExtraArgs int `yaml:"generator_extra_args"`

	// Watch enables filesystem watching of library roots so index
	// staleness is noticed before the recheck interval elapses.
	Watch bool `yaml:"watch"`

	// Logging configures the zap logger built by the CLI.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Extensions:         []string{".mg"},
		Autoload:           true,
		IndexRecheck:       "60s",
		SuppressWindow:     "1s",
		GeneratorExtraArgs: 2,
		Watch:              false,
		Logging:            LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// RecheckInterval parses IndexRecheck, falling back to the default on
// malformed input.
func (c *Config) RecheckInterval() time.Duration {
	return parseDuration(c.IndexRecheck, 60*time.Second)
}

// SuppressionWindow parses SuppressWindow, falling back to the default.
func (c *Config) SuppressionWindow() time.Duration {
	return parseDuration(c.SuppressWindow, time.Second)
}

// Normalizer returns the export-spec normalizer for this config.
func (c *Config) Normalizer() symbol.Normalizer {
	return symbol.Normalizer{ExtraArgs: c.GeneratorExtraArgs}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
