// Package config loads swrr settings with viper. SWRR_* environment variables
// override the YAML file, which overrides built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonwraymond/swrr/cache"
	"github.com/jonwraymond/swrr/observe"
)

// EnvPrefix prefixes every environment override, e.g. SWRR_BACKPLANE_KIND.
const EnvPrefix = "SWRR"

// Backplane kinds.
const (
	BackplaneMemory   = "memory"
	BackplaneResponse = "response"
	BackplaneS3       = "s3"
)

var (
	ErrInvalidBackplaneKind = errors.New("config: unknown backplane kind")
	ErrMissingBucket        = errors.New("config: s3 backplane requires a bucket")
	ErrInvalidConcurrency   = errors.New("config: defer.max_concurrent must not be negative")
	ErrInvalidBacklog       = errors.New("config: defer.backlog_unhealthy must not be below defer.backlog_degraded")
)

// Config is the full swrr configuration.
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Backplane BackplaneConfig `mapstructure:"backplane"`
	Defer     DeferConfig     `mapstructure:"defer"`
	Observe   observe.Config  `mapstructure:"observe"`
	Server    ServerConfig    `mapstructure:"server"`
}

// CacheConfig holds the default lifetimes for wrapped computations.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	MaxTTL   time.Duration `mapstructure:"max_ttl"`
	ErrorTTL time.Duration `mapstructure:"error_ttl"`
	Type     string        `mapstructure:"type"`
}

// Options converts the section into cache.Options.
func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		Lifetimes: cache.Lifetimes{TTL: c.TTL, MaxTTL: c.MaxTTL, ErrorTTL: c.ErrorTTL},
		Type:      cache.Type(c.Type),
	}
}

// BackplaneConfig selects and configures the storage layer.
type BackplaneConfig struct {
	Kind string   `mapstructure:"kind"` // memory|response|s3
	S3   S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 backplane. Empty region and profile inherit the
// shell's AWS setup.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Profile  string `mapstructure:"profile"`
	Endpoint string `mapstructure:"endpoint"`
}

// DeferConfig bounds background work.
type DeferConfig struct {
	MaxConcurrent int64         `mapstructure:"max_concurrent"` // 0 = unbounded
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	// BacklogDegraded and BacklogUnhealthy are pending-task thresholds for
	// readiness. Zero disables a threshold.
	BacklogDegraded  int64 `mapstructure:"backlog_degraded"`
	BacklogUnhealthy int64 `mapstructure:"backlog_unhealthy"`
}

// ServerConfig configures `swrr serve`.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Upstream        string        `mapstructure:"upstream"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.ttl", cache.DefaultTTL)
	v.SetDefault("cache.max_ttl", cache.DefaultMaxTTL)
	v.SetDefault("cache.error_ttl", cache.DefaultErrorTTL)
	v.SetDefault("cache.type", string(cache.TypeJSON))

	v.SetDefault("backplane.kind", BackplaneMemory)
	v.SetDefault("backplane.s3.bucket", "")
	v.SetDefault("backplane.s3.prefix", "swrr")
	v.SetDefault("backplane.s3.region", "")
	v.SetDefault("backplane.s3.profile", "")
	v.SetDefault("backplane.s3.endpoint", "")

	v.SetDefault("defer.max_concurrent", 64)
	v.SetDefault("defer.drain_timeout", 30*time.Second)
	v.SetDefault("defer.backlog_degraded", 1000)
	v.SetDefault("defer.backlog_unhealthy", 10000)

	v.SetDefault("observe.service_name", "swrr")
	v.SetDefault("observe.version", "")
	v.SetDefault("observe.tracing.enabled", false)
	v.SetDefault("observe.tracing.exporter", "none")
	v.SetDefault("observe.tracing.sample_pct", 1.0)
	v.SetDefault("observe.metrics.enabled", true)
	v.SetDefault("observe.metrics.exporter", "prometheus")
	v.SetDefault("observe.logging.enabled", true)
	v.SetDefault("observe.logging.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.upstream", "")
	v.SetDefault("server.upstream_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
}

// Load reads configuration. An explicit path must exist; otherwise swrr.yaml
// is searched for in the working directory, $HOME/.config/swrr and /etc/swrr,
// and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swrr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/swrr")
		v.AddConfigPath("/etc/swrr")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", describe(path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func describe(path string) string {
	if path == "" {
		return "swrr.yaml"
	}
	return path
}

// Validate checks cross-field constraints. Section validation is delegated to
// cache.Options and observe.Config.
func (c *Config) Validate() error {
	if err := c.Cache.Options().WithDefaults().Validate(); err != nil {
		return fmt.Errorf("config: cache: %w", err)
	}

	switch c.Backplane.Kind {
	case BackplaneMemory, BackplaneResponse:
	case BackplaneS3:
		if c.Backplane.S3.Bucket == "" {
			return ErrMissingBucket
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackplaneKind, c.Backplane.Kind)
	}

	if c.Defer.MaxConcurrent < 0 {
		return ErrInvalidConcurrency
	}
	if c.Defer.BacklogUnhealthy > 0 && c.Defer.BacklogUnhealthy < c.Defer.BacklogDegraded {
		return ErrInvalidBacklog
	}

	if err := c.Observe.Validate(); err != nil {
		return fmt.Errorf("config: observe: %w", err)
	}
	return nil
}
