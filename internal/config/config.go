// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	KV         KVConfig         `mapstructure:"kv"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProviderConfig points at the remote crawl API.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// KVConfig selects and configures the durable tier backend.
type KVConfig struct {
	// Backend is one of badger, postgres, memory.
	Backend    string `mapstructure:"backend"`
	BadgerPath string `mapstructure:"badger_path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
	DSN        string `mapstructure:"dsn"`
}

// CacheConfig governs the two-tier page cache.
type CacheConfig struct {
	FastTTLSeconds       int `mapstructure:"fast_ttl_seconds"`
	DurableTTLHours      int `mapstructure:"durable_ttl_hours"`
	CompressionThreshold int `mapstructure:"compression_threshold"`
	SlowOpThresholdMs    int `mapstructure:"slow_op_threshold_ms"`
	LatencyWindow        int `mapstructure:"latency_window"`
}

// CrawlConfig governs the cache-first start path.
type CrawlConfig struct {
	Limit            int `mapstructure:"limit"`
	LockTTLMinutes   int `mapstructure:"lock_ttl_minutes"`
	LockWaitSeconds  int `mapstructure:"lock_wait_seconds"`
	SpotCheckSize    int `mapstructure:"spot_check_size"`
	MinContentLength int `mapstructure:"min_content_length"`
	JobTTLHours      int `mapstructure:"job_ttl_hours"`
}

// ReconcilerConfig holds polling and completion-heuristic knobs.
type ReconcilerConfig struct {
	PollIntervalSeconds    int     `mapstructure:"poll_interval_seconds"`
	MaxPollDurationMinutes int     `mapstructure:"max_poll_duration_minutes"`
	StallWindowSeconds     int     `mapstructure:"stall_window_seconds"`
	LongStallWindowSeconds int     `mapstructure:"long_stall_window_seconds"`
	NearCompleteRatio      float64 `mapstructure:"near_complete_ratio"`
	HighCompleteRatio      float64 `mapstructure:"high_complete_ratio"`
	LowCompleteRatio       float64 `mapstructure:"low_complete_ratio"`
	MinCompletionRate      float64 `mapstructure:"min_completion_rate"`
	ErrorThreshold         int     `mapstructure:"error_threshold"`
	MaxBackoffSeconds      int     `mapstructure:"max_backoff_seconds"`
}

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int `mapstructure:"failure_threshold"`
	SuccessThreshold   int `mapstructure:"success_threshold"`
	OpenTimeoutSeconds int `mapstructure:"open_timeout_seconds"`
	HalfOpenRequests   int `mapstructure:"half_open_requests"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where terminal job artifacts are stored.
type ArchiveConfig struct {
	// Backend is one of none, gcs, local.
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the minimum log level; empty keeps the flavor default.
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LLMCODES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("provider.base_url", "https://api.firecrawl.dev")
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("kv.backend", "badger")
	v.SetDefault("kv.badger_path", "data/kv")
	v.SetDefault("kv.sync_writes", false)
	v.SetDefault("cache.fast_ttl_seconds", 300)
	v.SetDefault("cache.durable_ttl_hours", 168)
	v.SetDefault("cache.compression_threshold", 1024)
	v.SetDefault("cache.slow_op_threshold_ms", 500)
	v.SetDefault("cache.latency_window", 1000)
	v.SetDefault("crawl.limit", 100)
	v.SetDefault("crawl.lock_ttl_minutes", 10)
	v.SetDefault("crawl.lock_wait_seconds", 30)
	v.SetDefault("crawl.spot_check_size", 5)
	v.SetDefault("crawl.min_content_length", 100)
	v.SetDefault("crawl.job_ttl_hours", 24)
	v.SetDefault("reconciler.poll_interval_seconds", 2)
	v.SetDefault("reconciler.max_poll_duration_minutes", 8)
	v.SetDefault("reconciler.stall_window_seconds", 30)
	v.SetDefault("reconciler.long_stall_window_seconds", 60)
	v.SetDefault("reconciler.near_complete_ratio", 0.95)
	v.SetDefault("reconciler.high_complete_ratio", 0.80)
	v.SetDefault("reconciler.low_complete_ratio", 0.50)
	v.SetDefault("reconciler.min_completion_rate", 0.1)
	v.SetDefault("reconciler.error_threshold", 5)
	v.SetDefault("reconciler.max_backoff_seconds", 30)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout_seconds", 30)
	v.SetDefault("breaker.half_open_requests", 3)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "crawls")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url must be set")
	}
	switch c.KV.Backend {
	case "badger":
		if c.KV.BadgerPath == "" {
			return fmt.Errorf("kv.badger_path must be set for the badger backend")
		}
	case "postgres":
		if c.KV.DSN == "" {
			return fmt.Errorf("kv.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("kv.backend must be one of badger, postgres, memory")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Reconciler.NearCompleteRatio < c.Reconciler.HighCompleteRatio ||
		c.Reconciler.HighCompleteRatio < c.Reconciler.LowCompleteRatio {
		return fmt.Errorf("reconciler completion ratios must be ordered near >= high >= low")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	switch c.Archive.Backend {
	case "none", "":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, gcs, local")
	}
	return nil
}

// ProviderTimeout converts the provider timeout to a duration.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}
