package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig holds container engine configuration
type EngineConfig struct {
	Binary        string `mapstructure:"binary"`
	Image         string `mapstructure:"image"`
	NamePrefix    string `mapstructure:"name_prefix"`
	BuildIfAbsent bool   `mapstructure:"build_if_absent"`
}

// LimitsConfig holds the resource ceilings enforced on every execution.
// MaxTimeSec and MaxMemoryMB are hard ceilings: caller-supplied limits
// are clamped to them regardless of input.
type LimitsConfig struct {
	DefaultTimeSec   int     `mapstructure:"default_time_sec"`
	GradedTimeSec    int     `mapstructure:"graded_time_sec"`
	MaxTimeSec       int     `mapstructure:"max_time_sec"`
	GraceSec         int     `mapstructure:"grace_sec"`
	DefaultMemoryMB  int     `mapstructure:"default_memory_mb"`
	MaxMemoryMB      int     `mapstructure:"max_memory_mb"`
	CPUs             float64 `mapstructure:"cpus"`
	PidsLimit        int     `mapstructure:"pids_limit"`
	OpenFiles        int     `mapstructure:"open_files"`
	ScratchSizeMB    int     `mapstructure:"scratch_size_mb"`
	MaxOutputBytes   int     `mapstructure:"max_output_bytes"`
	PerTestTimeoutMS int     `mapstructure:"per_test_timeout_ms"`
}

// CacheConfig holds execution cache configuration
type CacheConfig struct {
	Backend   string `mapstructure:"backend"`
	TTLSec    int    `mapstructure:"ttl_sec"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// ReaperConfig holds stale container reaper configuration
type ReaperConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	IntervalSec int  `mapstructure:"interval_sec"`
	MaxAgeSec   int  `mapstructure:"max_age_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("engine.binary", "docker")
	viper.SetDefault("engine.image", "runbox-python:latest")
	viper.SetDefault("engine.name_prefix", "runbox-")
	viper.SetDefault("engine.build_if_absent", true)

	viper.SetDefault("limits.default_time_sec", 10)
	viper.SetDefault("limits.graded_time_sec", 30)
	viper.SetDefault("limits.max_time_sec", 60)
	viper.SetDefault("limits.grace_sec", 5)
	viper.SetDefault("limits.default_memory_mb", 128)
	viper.SetDefault("limits.max_memory_mb", 512)
	viper.SetDefault("limits.cpus", 0.5)
	viper.SetDefault("limits.pids_limit", 64)
	viper.SetDefault("limits.open_files", 64)
	viper.SetDefault("limits.scratch_size_mb", 16)
	viper.SetDefault("limits.max_output_bytes", 65536)
	viper.SetDefault("limits.per_test_timeout_ms", 5000)

	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.ttl_sec", 600)
	viper.SetDefault("cache.redis_addr", "localhost:6379")
	viper.SetDefault("cache.redis_db", 0)

	viper.SetDefault("reaper.enabled", true)
	viper.SetDefault("reaper.interval_sec", 60)
	viper.SetDefault("reaper.max_age_sec", 600)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	supportedEngines := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedEngines[c.Engine.Binary] {
		return fmt.Errorf("unsupported engine.binary: %s, must be 'docker' or 'podman'", c.Engine.Binary)
	}

	if c.Engine.Image == "" {
		return fmt.Errorf("engine.image must not be empty")
	}

	if c.Engine.NamePrefix == "" {
		return fmt.Errorf("engine.name_prefix must not be empty")
	}

	if c.Limits.MaxTimeSec <= 0 {
		return fmt.Errorf("limits.max_time_sec must be positive, got: %d", c.Limits.MaxTimeSec)
	}

	if c.Limits.DefaultTimeSec <= 0 || c.Limits.DefaultTimeSec > c.Limits.MaxTimeSec {
		return fmt.Errorf("limits.default_time_sec must be in (0, %d], got: %d", c.Limits.MaxTimeSec, c.Limits.DefaultTimeSec)
	}

	if c.Limits.GradedTimeSec <= 0 || c.Limits.GradedTimeSec > c.Limits.MaxTimeSec {
		return fmt.Errorf("limits.graded_time_sec must be in (0, %d], got: %d", c.Limits.MaxTimeSec, c.Limits.GradedTimeSec)
	}

	if c.Limits.GraceSec <= 0 {
		return fmt.Errorf("limits.grace_sec must be positive, got: %d", c.Limits.GraceSec)
	}

	if c.Limits.MaxMemoryMB <= 0 {
		return fmt.Errorf("limits.max_memory_mb must be positive, got: %d", c.Limits.MaxMemoryMB)
	}

	if c.Limits.DefaultMemoryMB <= 0 || c.Limits.DefaultMemoryMB > c.Limits.MaxMemoryMB {
		return fmt.Errorf("limits.default_memory_mb must be in (0, %d], got: %d", c.Limits.MaxMemoryMB, c.Limits.DefaultMemoryMB)
	}

	if c.Limits.CPUs <= 0 || c.Limits.CPUs > 4 {
		return fmt.Errorf("limits.cpus must be in (0, 4], got: %f", c.Limits.CPUs)
	}

	supportedCacheBackends := map[string]bool{
		"memory": true,
		"redis":  true,
		"none":   true,
	}
	if !supportedCacheBackends[c.Cache.Backend] {
		return fmt.Errorf("unsupported cache.backend: %s, must be 'memory', 'redis' or 'none'", c.Cache.Backend)
	}

	if c.Cache.TTLSec <= 0 {
		return fmt.Errorf("cache.ttl_sec must be positive, got: %d", c.Cache.TTLSec)
	}

	if c.Reaper.Enabled {
		if c.Reaper.IntervalSec <= 0 {
			return fmt.Errorf("reaper.interval_sec must be positive, got: %d", c.Reaper.IntervalSec)
		}
		if c.Reaper.MaxAgeSec <= 0 {
			return fmt.Errorf("reaper.max_age_sec must be positive, got: %d", c.Reaper.MaxAgeSec)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	supportedLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !supportedLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s, must be one of 'debug', 'info', 'warn', 'error'", c.Logging.Level)
	}

	return nil
}

// MaxTime returns the hard execution time ceiling as a duration
func (c *Config) MaxTime() time.Duration {
	return time.Duration(c.Limits.MaxTimeSec) * time.Second
}

// Grace returns the orchestration grace period as a duration
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Limits.GraceSec) * time.Second
}

// CacheTTL returns the execution cache TTL as a duration
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}

// ReaperInterval returns the reaper sweep interval as a duration
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSec) * time.Second
}

// ReaperMaxAge returns the maximum container age before the reaper removes it
func (c *Config) ReaperMaxAge() time.Duration {
	return time.Duration(c.Reaper.MaxAgeSec) * time.Second
}
