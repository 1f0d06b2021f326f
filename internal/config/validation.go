package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// FieldError describes one invalid setting.
type FieldError struct {
	Key    string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

func (e *ValidationErrors) add(key, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Key: key, Reason: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Reason))
	}
	return sb.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.API.Token == "" {
		errs.add("api.token", "is required (set FEEDSYNC_API_TOKEN env var)")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs.add("api.base_url", "must be an absolute URL, got %q", c.API.BaseURL)
	}
	if c.API.TimeoutSec < 1 {
		errs.add("api.timeout_sec", "must be >= 1")
	}
	if c.API.RetryCount < 0 {
		errs.add("api.retry_count", "must be >= 0")
	}
	if c.API.RatePerSecond < 1 {
		errs.add("api.rate_per_second", "must be >= 1")
	}

	if c.Sync.Window < 1 {
		errs.add("sync.window", "must be >= 1")
	}
	if c.Sync.Interval <= 0 {
		errs.add("sync.interval", "must be positive")
	}
	if c.Sync.FetchTimeout < 0 {
		errs.add("sync.fetch_timeout", "must not be negative")
	}
	if c.Sync.PendingTimeout < 0 {
		errs.add("sync.pending_timeout", "must not be negative")
	}
	if c.Sync.BacklogLimit < 1 {
		errs.add("sync.backlog_limit", "must be >= 1")
	}
	if c.Sync.StallAfter < 0 {
		errs.add("sync.stall_after", "must not be negative")
	}

	if c.Relay.Enabled && c.Relay.Addr == "" {
		errs.add("relay.addr", "is required when relay is enabled")
	}

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", "%v", err)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.add("logging.level", "unknown level %q", c.Logging.Level)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
