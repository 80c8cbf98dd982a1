// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/refscout/refscout/internal/refs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Sites       []refs.Site       `mapstructure:"sites"`
	Scan        ScanConfig        `mapstructure:"scan"`
	Status      StatusConfig      `mapstructure:"status"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
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

// ScanConfig governs batch orchestration behavior.
type ScanConfig struct {
	SiteID             int64   `mapstructure:"site_id"`
	QueueDir           string  `mapstructure:"queue_dir"`
	TimeBudgetSeconds  int     `mapstructure:"time_budget_seconds"`
	MemoryCeilingMB    int     `mapstructure:"memory_ceiling_mb"`
	MemoryFraction     float64 `mapstructure:"memory_fraction"`
	LockTTLSeconds     int     `mapstructure:"lock_ttl_seconds"`
	GroupSize          int     `mapstructure:"group_size"`
	ContinueDelayMs    int     `mapstructure:"continue_delay_ms"`
	HealthCheckSeconds int     `mapstructure:"health_check_seconds"`
}

// StatusConfig configures the HTTP status checker and its session cache.
type StatusConfig struct {
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	BackoffSeconds   int     `mapstructure:"backoff_seconds"`
	UserAgent        string  `mapstructure:"user_agent"`
	FreshnessMinutes int     `mapstructure:"freshness_minutes"`
	CacheTTLMinutes  int     `mapstructure:"cache_ttl_minutes"`
	PerHostRPS       float64 `mapstructure:"per_host_rps"`
	PerHostBurst     int     `mapstructure:"per_host_burst"`
}

// ExtractConfig controls reference extraction.
type ExtractConfig struct {
	CheckStatuses bool     `mapstructure:"check_statuses"`
	IgnoreBlocks  []string `mapstructure:"ignore_blocks"`
}

// MaintenanceConfig schedules the recurring maintenance status scan.
type MaintenanceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Frequency string `mapstructure:"frequency"`
	Hour      int    `mapstructure:"hour"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	DSN             string `mapstructure:"dsn"`
	ReferencesTable string `mapstructure:"references_table"`
	RedirectsTable  string `mapstructure:"redirects_table"`
	ScanStatesTable string `mapstructure:"scan_states_table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	FixturePath     string `mapstructure:"fixture_path"`
}

// RedisConfig configures the status cache and scan lock backend.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	LockKey  string `mapstructure:"lock_key"`
}

// NotifyConfig holds metadata for publish-subscribe notifications.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
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
	v.SetEnvPrefix("REFSCOUT")
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
	v.SetDefault("scan.site_id", 1)
	v.SetDefault("scan.queue_dir", "queues")
	v.SetDefault("scan.time_budget_seconds", 20)
	v.SetDefault("scan.memory_ceiling_mb", 256)
	v.SetDefault("scan.memory_fraction", 0.8)
	v.SetDefault("scan.lock_ttl_seconds", 90)
	v.SetDefault("scan.group_size", 50)
	v.SetDefault("scan.continue_delay_ms", 5000)
	v.SetDefault("scan.health_check_seconds", 60)
	v.SetDefault("status.timeout_seconds", 10)
	v.SetDefault("status.backoff_seconds", 2)
	v.SetDefault("status.user_agent", "refscout/1.0")
	v.SetDefault("status.freshness_minutes", 10)
	v.SetDefault("status.cache_ttl_minutes", 120)
	v.SetDefault("status.per_host_rps", 4)
	v.SetDefault("status.per_host_burst", 2)
	v.SetDefault("extract.check_statuses", true)
	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.frequency", "weekly")
	v.SetDefault("maintenance.hour", 3)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lock_key", "refscout:scan-lock")
	v.SetDefault("notify.backend", "memory")
	v.SetDefault("notify.topic_name", "scan-events")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scan.SiteID <= 0 {
		return fmt.Errorf("scan.site_id must be > 0")
	}
	if c.Scan.TimeBudgetSeconds <= 0 {
		return fmt.Errorf("scan.time_budget_seconds must be > 0")
	}
	if c.Scan.MemoryFraction <= 0 || c.Scan.MemoryFraction > 1 {
		return fmt.Errorf("scan.memory_fraction must be in (0,1]")
	}
	if c.Scan.LockTTLSeconds <= c.Scan.TimeBudgetSeconds {
		return fmt.Errorf("scan.lock_ttl_seconds must exceed scan.time_budget_seconds")
	}
	if c.Status.TimeoutSeconds <= 0 {
		return fmt.Errorf("status.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	switch c.Notify.Backend {
	case "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" {
			return fmt.Errorf("notify.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend must be memory or pubsub")
	}
	if c.Maintenance.Enabled {
		switch c.Maintenance.Frequency {
		case "weekly", "bi-weekly", "monthly":
		default:
			return fmt.Errorf("maintenance.frequency must be weekly, bi-weekly or monthly")
		}
		if c.Maintenance.Hour < 0 || c.Maintenance.Hour > 23 {
			return fmt.Errorf("maintenance.hour must be between 0 and 23")
		}
	}
	return nil
}

// TimeBudget returns the batch time budget as a duration.
func (c Config) TimeBudget() time.Duration {
	return time.Duration(c.Scan.TimeBudgetSeconds) * time.Second
}

// LockTTL returns the scan lock TTL as a duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Scan.LockTTLSeconds) * time.Second
}

// StatusTimeout returns the per-request status check timeout.
func (c Config) StatusTimeout() time.Duration {
	return time.Duration(c.Status.TimeoutSeconds) * time.Second
}
