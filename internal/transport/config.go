package transport

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config controls how streams are opened.
type Config struct {
	// BaseURL resolves relative subscription addresses such as "/events".
	BaseURL string `yaml:"base_url"`
	// Token is sent as a bearer token (HTTP, WebSocket) or auth token (NATS).
	Token string `yaml:"token"`
	// Headers are added to HTTP and WebSocket handshakes.
	Headers map[string]string `yaml:"headers"`
	// HandshakeTimeout bounds the opening handshake. The stream itself has no timeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ClientName identifies this client to NATS servers.
	ClientName string `yaml:"client_name"`
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ClientName:       "streamsub",
	}
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.ClientName == "" {
		c.ClientName = defaults.ClientName
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STREAMSUB_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("STREAMSUB_TOKEN"); v != "" {
		c.Token = v
	}
}

// ResolvePaths is a no-op; the transport has no file paths.
func (c *Config) ResolvePaths(_ string) {}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("transport.base_url: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("transport.base_url must be absolute: %s", c.BaseURL)
		}
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("transport.handshake_timeout must be >= 0")
	}
	return nil
}
