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
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	JobsAPI  JobsAPIConfig  `mapstructure:"jobs_api"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the scheduler shared secret.
type AuthConfig struct {
	SchedulerSecret string `mapstructure:"scheduler_secret"`
}

// StoreConfig selects and configures the run store backend.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // postgres or memory
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig enables the cross-process run-update bridge.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

// WorkerConfig points at the external scraping worker.
type WorkerConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	PokeBatchSize int    `mapstructure:"poke_batch_size"`
}

// JobsAPIConfig points at the job-store API the batch processor mutates.
type JobsAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// ScheduleConfig controls the fan-out and the optional in-process cron.
type ScheduleConfig struct {
	// Cron is an optional spec (e.g. "0 7 * * *") that runs the fan-out
	// in-process; leave empty when an external scheduler hits the endpoint.
	Cron            string `mapstructure:"cron"`
	HoursOld        int    `mapstructure:"hours_old"`
	InsertBatchSize int    `mapstructure:"insert_batch_size"`
}

// MonitorConfig controls session-monitor cadence.
type MonitorConfig struct {
	PollSeconds           int `mapstructure:"poll_seconds"`
	PendingTimeoutSeconds int `mapstructure:"pending_timeout_seconds"`
}

// BatchConfig controls the bulk-operation processor.
type BatchConfig struct {
	Dir     string `mapstructure:"dir"`
	YieldMs int    `mapstructure:"yield_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCHRUN")
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
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("worker.base_url", "http://localhost:8000")
	v.SetDefault("worker.poke_batch_size", 10)
	v.SetDefault("jobs_api.base_url", "http://localhost:8090")
	v.SetDefault("schedule.hours_old", 24)
	v.SetDefault("schedule.insert_batch_size", 500)
	v.SetDefault("monitor.poll_seconds", 3)
	v.SetDefault("monitor.pending_timeout_seconds", 120)
	v.SetDefault("batch.dir", "data/operations")
	v.SetDefault("batch.yield_ms", 50)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Provider {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	if c.Worker.BaseURL == "" {
		return fmt.Errorf("worker.base_url must be set")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis.enabled")
	}
	if c.Schedule.HoursOld <= 0 {
		return fmt.Errorf("schedule.hours_old must be > 0")
	}
	return nil
}

// PollInterval returns the monitor poll cadence as a duration.
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// PendingTimeout returns the pending-timeout window as a duration.
func (c MonitorConfig) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}

// Yield returns the batch yield pause as a duration.
func (c BatchConfig) Yield() time.Duration {
	return time.Duration(c.YieldMs) * time.Millisecond
}
