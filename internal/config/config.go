// Package config loads the proxy configuration from the environment,
// with an optional YAML file underneath for anything not set there.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host         string
	Port         int
	DiscordToken string

	ClientDecayTimeout time.Duration
	ClientReapInterval time.Duration
	// ClientCacheMaxSize of 0 leaves the cache unbounded.
	ClientCacheMaxSize int

	MetricTimeout time.Duration
	MetricKey     string

	DisableHTTP2 bool

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads the environment, merges the optional CONFIG_FILE under it
// and validates the result. Durations are given in seconds.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("CLIENT_DECAY_TIMEOUT", 3600)
	v.SetDefault("CLIENT_REAP_INTERVAL", 600)
	v.SetDefault("CLIENT_CACHE_MAX_SIZE", 0)
	v.SetDefault("METRIC_TIMEOUT", 300)
	v.SetDefault("METRIC_KEY", "discord_proxy_request_duration_seconds")
	v.SetDefault("DISABLE_HTTP2", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 3)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.AutomaticEnv()

	if cf := v.GetString("CONFIG_FILE"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Host:               v.GetString("HOST"),
		Port:               v.GetInt("PORT"),
		DiscordToken:       v.GetString("DISCORD_TOKEN"),
		ClientDecayTimeout: time.Duration(v.GetInt("CLIENT_DECAY_TIMEOUT")) * time.Second,
		ClientReapInterval: time.Duration(v.GetInt("CLIENT_REAP_INTERVAL")) * time.Second,
		ClientCacheMaxSize: v.GetInt("CLIENT_CACHE_MAX_SIZE"),
		MetricTimeout:      time.Duration(v.GetInt("METRIC_TIMEOUT")) * time.Second,
		MetricKey:          v.GetString("METRIC_KEY"),
		DisableHTTP2:       v.GetBool("DISABLE_HTTP2"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFile:            v.GetString("LOG_FILE"),
		LogMaxSizeMB:       v.GetInt("LOG_MAX_SIZE_MB"),
		LogMaxBackups:      v.GetInt("LOG_MAX_BACKUPS"),
		LogMaxAgeDays:      v.GetInt("LOG_MAX_AGE_DAYS"),
	}

	// DISABLE_HTTP2 in the environment disables HTTP/2 whatever its value.
	if _, set := os.LookupEnv("DISABLE_HTTP2"); set {
		cfg.DisableHTTP2 = true
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.New("PORT must be set to a valid port number")
	}
	if cfg.DiscordToken == "" {
		return nil, errors.New("DISCORD_TOKEN must be set")
	}
	if cfg.ClientCacheMaxSize < 0 {
		return nil, errors.New("CLIENT_CACHE_MAX_SIZE must not be negative")
	}
	return cfg, nil
}
