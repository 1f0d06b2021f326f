package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/chatfeed-sync/internal/notify"
)

type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Notify  notify.Config `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Token         string `mapstructure:"token"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryDelay    int    `mapstructure:"retry_delay_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type SyncConfig struct {
	Window         int           `mapstructure:"window"`
	Interval       time.Duration `mapstructure:"interval"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	// BacklogLimit caps the items held while the relay has no visible client.
	BacklogLimit int `mapstructure:"backlog_limit"`
	// StallAfter is the number of consecutive failed fetches before a
	// stalled-feed notification is sent. Zero disables it.
	StallAfter int `mapstructure:"stall_after"`
}

type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c APIConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout_sec", 10)
	v.SetDefault("api.retry_count", 3)
	v.SetDefault("api.retry_delay_sec", 1)
	v.SetDefault("api.rate_per_second", 5)
	v.SetDefault("sync.window", 20)
	v.SetDefault("sync.interval", "1s")
	v.SetDefault("sync.fetch_timeout", "5s")
	v.SetDefault("sync.pending_timeout", "30s")
	v.SetDefault("sync.backlog_limit", 200)
	v.SetDefault("sync.stall_after", 10)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.addr", ":8090")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "speech_balloon")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("FEEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind secrets so they work without a config file entry
	_ = v.BindEnv("api.token", "FEEDSYNC_API_TOKEN")
	_ = v.BindEnv("notify.topic", "FEEDSYNC_NOTIFY_TOPIC")
	_ = v.BindEnv("notify.token", "FEEDSYNC_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("feedsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
