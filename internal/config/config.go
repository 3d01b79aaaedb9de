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
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Source    SourceConfig    `mapstructure:"source"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	DB        DBConfig        `mapstructure:"db"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// EngineConfig governs session worker behavior.
type EngineConfig struct {
	MaxApplicationsDefault  int     `mapstructure:"max_applications_default"`
	ScoreThresholdDefault   float64 `mapstructure:"score_threshold_default"`
	PerJobDelaySeconds      int     `mapstructure:"per_job_delay_seconds"`
	MaxFailures             int     `mapstructure:"max_failures"`
	MaxConsecutiveTimeouts  int     `mapstructure:"max_consecutive_timeouts"`
	ExternalTimeoutSeconds  int     `mapstructure:"external_timeout_seconds"`
	PausePollMs             int     `mapstructure:"pause_poll_ms"`
	BackoffCapSeconds       int     `mapstructure:"backoff_cap_seconds"`
	SingleActivePerCriteria bool    `mapstructure:"single_active_per_criteria"`
}

// RateLimitConfig holds per-user token bucket settings by action.
type RateLimitConfig struct {
	ApplyPerMinute int `mapstructure:"apply_per_minute"`
	ApplyBurst     int `mapstructure:"apply_burst"`
	ScorePerMinute int `mapstructure:"score_per_minute"`
	ScoreBurst     int `mapstructure:"score_burst"`
}

// SourceConfig selects and configures the job source.
type SourceConfig struct {
	// Kind is "board" or "static".
	Kind      string `mapstructure:"kind"`
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
	MaxPages  int    `mapstructure:"max_pages"`
}

// BrowserConfig configures the browser automation subsystem.
type BrowserConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// DBConfig controls access to the relational session store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// ReceiptsConfig selects where confirmation artifacts are written.
type ReceiptsConfig struct {
	// Kind is "memory", "local", or "gcs".
	Kind      string `mapstructure:"kind"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe event notifications.
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
	v.SetEnvPrefix("APPLY")
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
	v.SetDefault("engine.max_applications_default", 20)
	v.SetDefault("engine.score_threshold_default", 0.5)
	v.SetDefault("engine.per_job_delay_seconds", 5)
	v.SetDefault("engine.max_failures", 10)
	v.SetDefault("engine.max_consecutive_timeouts", 3)
	v.SetDefault("engine.external_timeout_seconds", 30)
	v.SetDefault("engine.pause_poll_ms", 250)
	v.SetDefault("engine.backoff_cap_seconds", 5)
	v.SetDefault("engine.single_active_per_criteria", true)
	v.SetDefault("ratelimit.apply_per_minute", 6)
	v.SetDefault("ratelimit.apply_burst", 2)
	v.SetDefault("ratelimit.score_per_minute", 60)
	v.SetDefault("ratelimit.score_burst", 10)
	v.SetDefault("source.kind", "static")
	v.SetDefault("source.user_agent", "autoapply-bot/0.1")
	v.SetDefault("source.max_pages", 10)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("receipts.kind", "memory")
	v.SetDefault("receipts.prefix", "receipts")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.ScoreThresholdDefault < 0 || c.Engine.ScoreThresholdDefault > 1 {
		return fmt.Errorf("engine.score_threshold_default must be in [0, 1]")
	}
	if c.RateLimit.ApplyPerMinute <= 0 || c.RateLimit.ScorePerMinute <= 0 {
		return fmt.Errorf("ratelimit rates must be > 0")
	}
	switch c.Source.Kind {
	case "board":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url must be set for the board source")
		}
	case "static":
	default:
		return fmt.Errorf("source.kind must be \"board\" or \"static\"")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser automation is enabled")
	}
	switch c.Receipts.Kind {
	case "memory":
	case "local":
		if c.Receipts.BaseDir == "" {
			return fmt.Errorf("receipts.base_dir must be set for the local receipt store")
		}
	case "gcs":
		if c.Receipts.GCSBucket == "" {
			return fmt.Errorf("receipts.gcs_bucket must be set for the gcs receipt store")
		}
	default:
		return fmt.Errorf("receipts.kind must be \"memory\", \"local\", or \"gcs\"")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PerJobDelay converts the configured delay into a duration.
func (c Config) PerJobDelay() time.Duration {
	return time.Duration(c.Engine.PerJobDelaySeconds) * time.Second
}

// ExternalTimeout converts the external call budget into a duration.
func (c Config) ExternalTimeout() time.Duration {
	return time.Duration(c.Engine.ExternalTimeoutSeconds) * time.Second
}

// PausePoll converts the pause poll interval into a duration.
func (c Config) PausePoll() time.Duration {
	return time.Duration(c.Engine.PausePollMs) * time.Millisecond
}

// BackoffCap converts the rate limit backoff ceiling into a duration.
func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.Engine.BackoffCapSeconds) * time.Second
}
