// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Target    TargetConfig    `mapstructure:"target"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Proxies   ProxiesConfig   `mapstructure:"proxies"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// JobsConfig governs scheduler and reaper behavior.
type JobsConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	PollSeconds      int `mapstructure:"poll_seconds"`
	StallMinutes     int `mapstructure:"stall_minutes"`
	ReapSweepSeconds int `mapstructure:"reap_sweep_seconds"`
	MaxPages         int `mapstructure:"max_pages"`
}

// TargetConfig describes the extraction target site.
type TargetConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	UserAgent     string `mapstructure:"user_agent"`
	SnapshotPages bool   `mapstructure:"snapshot_pages"`
	MinDelayMs    int    `mapstructure:"min_delay_ms"`
	MaxDelayMs    int    `mapstructure:"max_delay_ms"`
}

// SessionsConfig sizes the automation session pool.
type SessionsConfig struct {
	// Mode selects the session backend: "browser", "static" or "noop".
	Mode                string `mapstructure:"mode"`
	Instances           int    `mapstructure:"instances"`
	SessionsPerInstance int    `mapstructure:"sessions_per_instance"`
	NavTimeoutSeconds   int    `mapstructure:"nav_timeout_seconds"`
}

// RetryConfig configures transient-failure retry behavior.
type RetryConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// BreakerConfig configures the circuit breaker guarding the target.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `mapstructure:"reset_timeout_seconds"`
}

// RateLimitConfig bounds outbound request frequency.
type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// ProxiesConfig configures the proxy rotator.
type ProxiesConfig struct {
	URLs         []string `mapstructure:"urls"`
	Strategy     string   `mapstructure:"strategy"`
	MaxFailures  int      `mapstructure:"max_failures"`
	CooldownSecs int      `mapstructure:"cooldown_seconds"`
}

// WebhooksConfig controls the delivery engine.
type WebhooksConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	FailureCeiling int     `mapstructure:"failure_ceiling"`
	ScanSeconds    int     `mapstructure:"scan_seconds"`
	Source         string  `mapstructure:"source"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	// Provider is "gcs" or "memory".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables the push channel.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.poll_seconds", 2)
	v.SetDefault("jobs.stall_minutes", 10)
	v.SetDefault("jobs.reap_sweep_seconds", 60)
	v.SetDefault("jobs.max_pages", 50)
	v.SetDefault("target.base_url", "https://www.bizbuysell.com/businesses-for-sale/")
	v.SetDefault("target.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	v.SetDefault("target.snapshot_pages", false)
	v.SetDefault("target.min_delay_ms", 500)
	v.SetDefault("target.max_delay_ms", 2500)
	v.SetDefault("sessions.mode", "static")
	v.SetDefault("sessions.instances", 2)
	v.SetDefault("sessions.sessions_per_instance", 3)
	v.SetDefault("sessions.nav_timeout_seconds", 45)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_seconds", 30)
	v.SetDefault("rate_limit.max_requests", 30)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("proxies.strategy", "health_based")
	v.SetDefault("proxies.max_failures", 3)
	v.SetDefault("proxies.cooldown_seconds", 300)
	v.SetDefault("webhooks.timeout_seconds", 10)
	v.SetDefault("webhooks.rate_per_second", 10)
	v.SetDefault("webhooks.failure_ceiling", 10)
	v.SetDefault("webhooks.scan_seconds", 5)
	v.SetDefault("webhooks.source", "harvester")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "harvester")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	switch c.Sessions.Mode {
	case "browser", "static", "noop":
	default:
		return fmt.Errorf("sessions.mode must be browser, static or noop")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
	}
	return nil
}

// PollInterval returns the scheduler poll period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Jobs.PollSeconds) * time.Second
}

// StallTimeout returns how long a processing job may go silent.
func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.Jobs.StallMinutes) * time.Minute
}
