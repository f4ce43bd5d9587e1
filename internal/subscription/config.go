package subscription

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	DefaultReconnectDelay = 3000 * time.Millisecond
	DefaultMaxMessages    = 1000
)

// Config describes one subscription. It doubles as the "subscription"
// section of the configuration file.
type Config struct {
	// Address is the stream to subscribe to. Whitespace is removed before
	// use; an empty result means no subscription.
	Address string `yaml:"address"`
	// Enabled turns the subscription on or off without losing the address.
	// Nil means enabled.
	Enabled *bool `yaml:"enabled"`
	// ReconnectDelay is the fixed wait between a failure and the next attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// MaxMessages bounds the retained buffer; the oldest entries are evicted first.
	MaxMessages int `yaml:"max_messages"`
	// Filter is an optional CEL expression over `msg`; messages for which it
	// is not true are not retained.
	Filter string `yaml:"filter"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        Bool(true),
		ReconnectDelay: DefaultReconnectDelay,
		MaxMessages:    DefaultMaxMessages,
	}
}

// Bool returns a pointer to v, for Config.Enabled.
func Bool(v bool) *bool { return &v }

// IsEnabled reports whether the subscription is switched on. An unset
// Enabled counts as on.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ApplyDefaults fills an unset Enabled with true and zero durations and sizes.
func (c *Config) ApplyDefaults() {
	if c.Enabled == nil {
		c.Enabled = Bool(true)
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = DefaultMaxMessages
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STREAMSUB_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("STREAMSUB_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconnectDelay = d
		}
	}
	if v := os.Getenv("STREAMSUB_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxMessages = n
		}
	}
}

// ResolvePaths is a no-op; the subscription has no file paths.
func (c *Config) ResolvePaths(_ string) {}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("subscription.reconnect_delay must be >= 0")
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("subscription.max_messages must be >= 0")
	}
	if _, err := CompileFilter(c.Filter); err != nil {
		return fmt.Errorf("subscription.filter: %w", err)
	}
	return nil
}

// Active reports whether the configuration asks for a live connection.
func (c Config) Active() bool {
	return c.IsEnabled() && NormalizeAddress(c.Address) != ""
}

// NormalizeAddress removes every whitespace character from addr.
func NormalizeAddress(addr string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, addr)
}
