// Package config loads pipelined service configuration from a YAML file
// and PIPELINED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/queue"
)

// ProjectLimit is a per-project admission limit.
type ProjectLimit struct {
	ProjectID      string  `mapstructure:"project_id"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
}

// Config is the full pipelined service configuration.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Pipeline struct {
		Concurrency        int           `mapstructure:"concurrency"`
		QueueSize          int           `mapstructure:"queue_size"`
		ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
		DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
		DefaultRetryDelay  time.Duration `mapstructure:"default_retry_delay"`
	} `mapstructure:"pipeline"`

	Heartbeat struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"heartbeat"`

	Store struct {
		// Driver selects the persistence backend: memory, sqlite,
		// postgres, redis, or mongo.
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		// Database names the mongo database; ignored by other drivers.
		Database string `mapstructure:"database"`
	} `mapstructure:"store"`

	Limits []ProjectLimit `mapstructure:"limits"`
}

// Load reads configuration from the given file path. An empty path falls
// back to pipelined.yaml in the working directory; a missing file is fine,
// defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.shutdown_timeout", "30s")
	v.SetDefault("pipeline.default_max_attempts", 3)
	v.SetDefault("pipeline.default_retry_delay", "5s")
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.timeout", "90s")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database", "pipeline")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pipelined")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pipelined")
	}

	v.SetEnvPrefix("PIPELINED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "redis", "mongo":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store driver %q requires a dsn", c.Store.Driver)
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed the interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline concurrency must be at least 1")
	}
	if c.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline queue size must be at least 1")
	}
	return nil
}

// ToPipeline converts the service configuration into the library form.
func (c *Config) ToPipeline() pipeline.Config {
	return pipeline.Config{
		Concurrency:        c.Pipeline.Concurrency,
		QueueSize:          c.Pipeline.QueueSize,
		ShutdownTimeout:    c.Pipeline.ShutdownTimeout,
		DefaultMaxAttempts: c.Pipeline.DefaultMaxAttempts,
		DefaultRetryDelay:  c.Pipeline.DefaultRetryDelay,
		HeartbeatInterval:  c.Heartbeat.Interval,
		HeartbeatTimeout:   c.Heartbeat.Timeout,
	}
}

// LimitConfigs converts the per-project limits into queue limiter form.
func (c *Config) LimitConfigs() []queue.LimitConfig {
	out := make([]queue.LimitConfig, 0, len(c.Limits))
	for _, l := range c.Limits {
		out = append(out, queue.LimitConfig{
			ProjectID:      l.ProjectID,
			RateLimit:      l.RateLimit,
			RateBurst:      l.RateBurst,
			MaxConcurrency: l.MaxConcurrency,
		})
	}
	return out
}
