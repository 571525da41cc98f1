// Package config loads application configuration from file and
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds persistence configuration. An empty DatabaseURL
// selects the in-memory store; an empty RedisURL disables the cache.
type StorageConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// PoolConfig holds the default pool parameters applied when no config
// row has been persisted yet.
type PoolConfig struct {
	InitialSize      float64 `mapstructure:"initial_size"`
	CapMultiplier    float64 `mapstructure:"cap_multiplier"`
	MinimumGuarantee float64 `mapstructure:"minimum_guarantee"`
	VaultRate        float64 `mapstructure:"vault_rate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and PXB_POOL_*
// environment variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PXB_POOL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers the default value for every key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", 30*time.Second)

	v.SetDefault("pool.initial_size", 10000.0)
	v.SetDefault("pool.cap_multiplier", 5.0)
	v.SetDefault("pool.minimum_guarantee", 0.5)
	v.SetDefault("pool.vault_rate", 0.03)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks configuration values for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Pool.CapMultiplier <= 0 {
		return fmt.Errorf("pool.cap_multiplier must be positive, got %g", c.Pool.CapMultiplier)
	}
	if c.Pool.MinimumGuarantee < 0 || c.Pool.MinimumGuarantee > c.Pool.CapMultiplier {
		return fmt.Errorf("pool.minimum_guarantee must be in [0, cap_multiplier], got %g", c.Pool.MinimumGuarantee)
	}
	if c.Pool.VaultRate < 0 || c.Pool.VaultRate >= 1 {
		return fmt.Errorf("pool.vault_rate must be in [0, 1), got %g", c.Pool.VaultRate)
	}
	if c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("storage.cache_ttl must be positive, got %s", c.Storage.CacheTTL)
	}
	return nil
}
