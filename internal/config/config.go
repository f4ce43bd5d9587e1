// Package config loads the streamsub configuration: defaults, then
// config.yml, then config.local.yml, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syntrixbase/streamsub/internal/realtime"
	"github.com/syntrixbase/streamsub/internal/subscription"
	"github.com/syntrixbase/streamsub/internal/transport"
	"gopkg.in/yaml.v3"
)

// DefaultDir is the configuration directory used when none is given.
const DefaultDir = "config"

// Config holds the application configuration
type Config struct {
	Subscription subscription.Config `yaml:"subscription"`
	Transport    transport.Config    `yaml:"transport"`
	Logging      LoggingConfig       `yaml:"logging"`
	Feed         realtime.Config     `yaml:"feed"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Subscription: subscription.DefaultConfig(),
		Transport:    transport.DefaultConfig(),
		Logging:      DefaultLoggingConfig(),
		Feed:         realtime.DefaultConfig(),
	}
}

// Load reads configuration from dir.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
// Missing files are skipped; unreadable or malformed ones are errors.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir
	}

	// Start with default values so YAML can override them, including bool fields
	cfg := Default()

	for _, name := range []string{"config.yml", "config.local.yml"} {
		if err := loadFile(filepath.Join(dir, name), cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Finalize(dir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize runs the configuration lifecycle on every section.
func (c *Config) Finalize(dir string) error {
	if err := ApplyServiceConfigs(dir,
		&c.Subscription,
		&c.Transport,
		&c.Logging,
		&c.Feed,
	); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	return nil
}
