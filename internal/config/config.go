package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env      string `mapstructure:"env"`
	Feed     FeedConfig
	Binance  MarketConfig
	Deribit  MarketConfig
	Redis    RedisConfig
	Download DownloadConfig
}

// FeedConfig holds pipeline-wide settings.
type FeedConfig struct {
	TimeoutSec             int  `mapstructure:"timeout_sec"`
	WithDisconnectMessages bool `mapstructure:"with_disconnect_messages"`
	Buffer                 int  `mapstructure:"buffer"`
}

// Timeout returns the staleness timeout as a duration.
func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

// MarketConfig holds the per-exchange symbol subscriptions. An empty
// symbol list disables the exchange.
type MarketConfig struct {
	Symbols  []string `mapstructure:"symbols"`
	Channels []string `mapstructure:"channels"`
}

// RedisConfig holds Redis connection settings for the top-of-book sink.
// An empty Addr disables the sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DownloadConfig holds historical dataset downloader settings.
type DownloadConfig struct {
	APIKey          string `mapstructure:"api_key"`
	UserAgent       string `mapstructure:"user_agent"`
	CacheDir        string `mapstructure:"cache_dir"`
	Concurrency     int    `mapstructure:"concurrency"`
	ContinueOnError bool   `mapstructure:"continue_on_error"`
}

// Load reads configuration from environment variables prefixed with QUIVER_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Feed defaults
	v.SetDefault("feed.timeout_sec", 30)
	v.SetDefault("feed.with_disconnect_messages", true)
	v.SetDefault("feed.buffer", 1024)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Downloader defaults
	v.SetDefault("download.user_agent", "quiver/1.0")
	v.SetDefault("download.cache_dir", "./datasets")
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.continue_on_error", false)

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Feed = FeedConfig{
		TimeoutSec:             v.GetInt("feed.timeout_sec"),
		WithDisconnectMessages: v.GetBool("feed.with_disconnect_messages"),
		Buffer:                 v.GetInt("feed.buffer"),
	}

	cfg.Binance = MarketConfig{
		Symbols:  v.GetStringSlice("binance.symbols"),
		Channels: v.GetStringSlice("binance.channels"),
	}
	cfg.Deribit = MarketConfig{
		Symbols:  v.GetStringSlice("deribit.symbols"),
		Channels: v.GetStringSlice("deribit.channels"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Download = DownloadConfig{
		APIKey:          v.GetString("download.api_key"),
		UserAgent:       v.GetString("download.user_agent"),
		CacheDir:        v.GetString("download.cache_dir"),
		Concurrency:     v.GetInt("download.concurrency"),
		ContinueOnError: v.GetBool("download.continue_on_error"),
	}

	return cfg, nil
}
