package config

import (
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/treepatch/internal/codec"
	"github.com/schaermu/treepatch/internal/patch"
)

// MaxWorkers caps the configurable parallelism
const MaxWorkers = 64

// Config represents the complete treepatch configuration
type Config struct {
	Workers  int            `yaml:"workers"`
	Codec    CodecConfig    `yaml:"codec"`
	Generate GenerateConfig `yaml:"generate"`
	Apply    ApplyConfig    `yaml:"apply"`
}

// CodecConfig selects and configures the delta codec
type CodecConfig struct {
	Kind    string        `yaml:"kind"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	Debug   bool          `yaml:"debug"`
}

// GenerateConfig configures manifest generation
type GenerateConfig struct {
	FailFast bool     `yaml:"fail_fast"`
	Exclude  []string `yaml:"exclude"`
}

// ApplyConfig configures manifest application
type ApplyConfig struct {
	Cleanup bool `yaml:"cleanup"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Codec.Kind = os.ExpandEnv(c.Codec.Kind)
	c.Codec.Path = os.ExpandEnv(c.Codec.Path)
	for i, pattern := range c.Generate.Exclude {
		c.Generate.Exclude[i] = os.ExpandEnv(pattern)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = patch.DefaultWorkers
	}
	if c.Codec.Kind == "" {
		c.Codec.Kind = codec.KindXDelta
	}
	if c.Codec.Path == "" && c.Codec.Kind == codec.KindXDelta {
		c.Codec.Path = codec.KindXDelta
	}
	if c.Codec.Timeout == 0 {
		c.Codec.Timeout = patch.DefaultCodecTimeout
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", MaxWorkers, c.Workers)
	}

	switch c.Codec.Kind {
	case codec.KindXDelta:
		if c.Codec.Path == "" {
			return fmt.Errorf("codec.path is required for the %s codec", codec.KindXDelta)
		}
	case codec.KindBSDiff:
		// embedded, nothing to check
	default:
		return fmt.Errorf("invalid codec.kind: %s (must be %s or %s)", c.Codec.Kind, codec.KindXDelta, codec.KindBSDiff)
	}

	if c.Codec.Timeout < 0 {
		return fmt.Errorf("codec.timeout must not be negative: %s", c.Codec.Timeout)
	}

	for _, pattern := range c.Generate.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid generate.exclude pattern: %q", pattern)
		}
	}

	return nil
}
