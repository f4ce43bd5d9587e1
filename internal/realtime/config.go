package realtime

import (
	"fmt"
	"os"
	"time"
)

// Config controls the feed server.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// HeartbeatInterval is how often a heartbeat message is sent to every client.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// BufferSize is the per-client outbound queue length. Messages for a
	// client whose queue is full are dropped.
	BufferSize int `yaml:"buffer_size"`
	// AllowedOrigins lists browser origins accepted for WebSocket upgrades in
	// addition to the server's own host.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Listen:            ":8080",
		HeartbeatInterval: 15 * time.Second,
		BufferSize:        256,
		ShutdownTimeout:   10 * time.Second,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaults.BufferSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STREAMSUB_FEED_LISTEN"); v != "" {
		c.Listen = v
	}
}

// ResolvePaths is a no-op; the feed server has no file paths.
func (c *Config) ResolvePaths(_ string) {}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("feed.heartbeat_interval must be >= 0")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("feed.buffer_size must be >= 0")
	}
	return nil
}
