// Package config loads the daemon configuration from a YAML file with
// environment variable overrides (prefix BROKER_, dots become
// underscores: BROKER_API_KEY_ID overrides api.key_id).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tradeopt/broker-client/pkg/broker"
)

const envPrefix = "broker"

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// APIConfig configures the direct brokerage client.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	DataURL   string        `mapstructure:"data_url"`
	KeyID     string        `mapstructure:"key_id"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RedisConfig optionally enables the shared Redis cache store instead
// of the default in-process store.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// OptimizerConfig holds the recognized optimization options.
type OptimizerConfig struct {
	CacheTTLQuotes        time.Duration `mapstructure:"cache_ttl_quotes"`
	CacheTTLBars          time.Duration `mapstructure:"cache_ttl_bars"`
	CacheTTLAccount       time.Duration `mapstructure:"cache_ttl_account"`
	CacheMaxEntries       int           `mapstructure:"cache_max_entries"`
	QuoteBucket           time.Duration `mapstructure:"quote_bucket"`
	RateLimitCapacity     float64       `mapstructure:"rate_limit_capacity"`
	RateLimitRefillPerSec float64       `mapstructure:"rate_limit_refill_per_sec"`
	BatchMaxConcurrency   int           `mapstructure:"batch_max_concurrency"`
}

// BrokerConfig converts the optimizer section to a broker.Config.
func (c OptimizerConfig) BrokerConfig() broker.Config {
	return broker.Config{
		CacheTTLQuotes:        c.CacheTTLQuotes,
		CacheTTLBars:          c.CacheTTLBars,
		CacheTTLAccount:       c.CacheTTLAccount,
		CacheMaxEntries:       c.CacheMaxEntries,
		QuoteBucket:           c.QuoteBucket,
		RateLimitCapacity:     c.RateLimitCapacity,
		RateLimitRefillPerSec: c.RateLimitRefillPerSec,
		BatchMaxConcurrency:   c.BatchMaxConcurrency,
	}
}

// Load reads the configuration. When path is empty, defaults and
// environment variables alone are used if no config file is found in
// the working directory or ./configs.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := broker.DefaultConfig()

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("api.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("api.data_url", "https://data.alpaca.markets")
	v.SetDefault("api.timeout", "30s")
	// Credentials have no default but must be registered for env
	// overrides to bind.
	v.SetDefault("api.key_id", "")
	v.SetDefault("api.secret_key", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("optimizer.cache_ttl_quotes", defaults.CacheTTLQuotes)
	v.SetDefault("optimizer.cache_ttl_bars", defaults.CacheTTLBars)
	v.SetDefault("optimizer.cache_ttl_account", defaults.CacheTTLAccount)
	v.SetDefault("optimizer.cache_max_entries", defaults.CacheMaxEntries)
	v.SetDefault("optimizer.quote_bucket", defaults.QuoteBucket)
	v.SetDefault("optimizer.rate_limit_capacity", defaults.RateLimitCapacity)
	v.SetDefault("optimizer.rate_limit_refill_per_sec", defaults.RateLimitRefillPerSec)
	v.SetDefault("optimizer.batch_max_concurrency", defaults.BatchMaxConcurrency)
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if err := c.Optimizer.BrokerConfig().Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	return nil
}
