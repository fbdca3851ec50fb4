// Package config provides configuration management for the chatlog core.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, LOG_LEVEL)
// 3. Default values
//
// Import Path: liteskill.io/chatlog/internal/config
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Bus       BusConfig       `mapstructure:"bus"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Projector ProjectorConfig `mapstructure:"projector"`
	River     RiverConfig     `mapstructure:"river"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// DatabaseConfig contains PostgreSQL connection settings for the shared pool.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	// OpTimeout bounds each store call; hung connections fail instead of
	// blocking command execution.
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// BusConfig selects the change notification channel implementation.
type BusConfig struct {
	// Kind is "memory" (in-process, default), "nats", or "noop".
	Kind string `mapstructure:"kind"`

	// URL is the NATS server URL when kind is "nats".
	URL string `mapstructure:"url"`

	// BufferSize is the per-subscriber channel depth for the in-process
	// bus. Overflow drops notifications (the projector catches up).
	BufferSize int `mapstructure:"buffer_size"`
}

// ExecutorConfig tunes the command-execution pipeline.
type ExecutorConfig struct {
	// PageLimit is the ReadForward page size used while loading a stream.
	// Load paginates until a short page, so long streams replay fully.
	PageLimit int `mapstructure:"page_limit"`
}

// ProjectorConfig tunes the read-model projector.
type ProjectorConfig struct {
	// StreamingTimeout is how long a conversation may stay projected as
	// streaming before the recovery sweep fails the in-flight response.
	StreamingTimeout time.Duration `mapstructure:"streaming_timeout"`

	// SweepInterval schedules the recovery sweep job.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SnapshotEvery triggers snapshot compaction once a stream has this
	// many events past its latest snapshot.
	SnapshotEvery int `mapstructure:"snapshot_every"`

	// SnapshotInterval schedules the snapshot compaction job.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// RiverConfig contains River queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	CatchupPoolSize int `mapstructure:"catchup_pool_size"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/liteskill-chatlog")

	// No prefix: standard names like DATABASE_URL, LOG_LEVEL.
	// Nested keys map as database.max_conns -> DATABASE_MAX_CONNS.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Executor.PageLimit <= 0 {
		return fmt.Errorf("executor.page_limit must be positive")
	}
	if c.Projector.StreamingTimeout <= 0 {
		return fmt.Errorf("projector.streaming_timeout must be positive")
	}
	switch c.Bus.Kind {
	case "memory", "noop":
	case "nats":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.kind is nats")
		}
	default:
		return fmt.Errorf("bus.kind must be one of memory, nats, noop (got %q)", c.Bus.Kind)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chatlog")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "chatlog")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "15m")
	v.SetDefault("database.op_timeout", "5s")
	v.SetDefault("database.auto_migrate", true)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Notification bus
	v.SetDefault("bus.kind", "memory")
	v.SetDefault("bus.buffer_size", 256)

	// Command execution
	v.SetDefault("executor.page_limit", 500)

	// Projector
	v.SetDefault("projector.streaming_timeout", "2m")
	v.SetDefault("projector.sweep_interval", "30s")
	v.SetDefault("projector.snapshot_every", 100)
	v.SetDefault("projector.snapshot_interval", "5m")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pool
	v.SetDefault("worker.catchup_pool_size", 8)
}
