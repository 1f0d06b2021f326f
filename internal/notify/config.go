package notify

import (
	"errors"
	"fmt"
)

// Config holds ntfy notification configuration.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`  // Whether notifications are enabled
	Server   string `mapstructure:"server"`   // ntfy server URL (default: https://ntfy.sh)
	Topic    string `mapstructure:"topic"`    // Topic name (required if enabled)
	Priority string `mapstructure:"priority"` // Message priority: min, low, default, high, urgent
	Tags     string `mapstructure:"tags"`     // Comma-separated emoji tags (e.g., "speech_balloon")
	Token    string `mapstructure:"token"`    // Optional access token for private topics
}

var validPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

// Validate checks configuration is valid when enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Server == "" {
		return errors.New("server is required when notifications are enabled")
	}
	if c.Topic == "" {
		return errors.New("topic is required when notifications are enabled (set FEEDSYNC_NOTIFY_TOPIC)")
	}
	if !validPriorities[c.Priority] {
		return fmt.Errorf("invalid priority: %s (valid: min, low, default, high, urgent)", c.Priority)
	}

	return nil
}
