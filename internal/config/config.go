// Package config loads the muster command's settings from a YAML file and
// MUSTER_* environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/kode4food/muster"
	"github.com/kode4food/muster/bolt"
	"github.com/kode4food/muster/postgres"
)

type (
	// Config is the top-level command configuration
	Config struct {
		Backend         string         `yaml:"backend" env:"BACKEND"`
		LogLevel        string         `yaml:"log_level" env:"LOG_LEVEL"`
		PerUserTimeout  time.Duration  `yaml:"per_user_timeout" env:"PER_USER_TIMEOUT"`
		SweepSchedule   string         `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
		ExpireWorkers   int            `yaml:"expire_workers" env:"EXPIRE_WORKERS"`
		ExpireQueueSize int            `yaml:"expire_queue_size" env:"EXPIRE_QUEUE_SIZE"`
		Redis           RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
		Bolt            BoltConfig     `yaml:"bolt" envPrefix:"BOLT_"`
		Postgres        PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	}

	// RedisConfig selects the Redis server and key prefix
	RedisConfig struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		Password string `yaml:"password" env:"PASSWORD"`
		DB       int    `yaml:"db" env:"DB"`
		Prefix   string `yaml:"prefix" env:"PREFIX"`
	}

	// BoltConfig locates the embedded database file
	BoltConfig struct {
		Path string `yaml:"path" env:"PATH"`
	}

	// PostgresConfig selects the database and table prefix
	PostgresConfig struct {
		URL        string `yaml:"url" env:"URL"`
		Prefix     string `yaml:"prefix" env:"PREFIX"`
		MaxRetries int    `yaml:"max_retries" env:"MAX_RETRIES"`
	}
)

const (
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"

	EnvPrefix = "MUSTER_"

	DefaultBackend  = BackendRedis
	DefaultLogLevel = "info"
	DefaultBoltPath = "muster.db"
)

// Backends lists the accepted values of Config.Backend
var Backends = []string{BackendRedis, BackendBolt, BackendPostgres}

var ErrUnknownBackend = errors.New("unknown backend")

// DefaultConfig returns the configuration used when no file is supplied
func DefaultConfig() *Config {
	store := muster.DefaultStoreConfig()
	cfg := muster.DefaultConfig()
	return &Config{
		Backend:         DefaultBackend,
		LogLevel:        DefaultLogLevel,
		PerUserTimeout:  cfg.PerUserTimeout,
		SweepSchedule:   cfg.SweepSchedule,
		ExpireWorkers:   cfg.ExpireWorkers,
		ExpireQueueSize: cfg.ExpireQueueSize,
		Redis: RedisConfig{
			Addr:   store.Addr,
			DB:     store.DB,
			Prefix: store.Prefix,
		},
		Bolt: BoltConfig{
			Path: DefaultBoltPath,
		},
		Postgres: PostgresConfig{
			Prefix:     postgres.DefaultConfig().Prefix,
			MaxRetries: postgres.DefaultConfig().MaxRetries,
		},
	}
}

// Load reads the YAML file at path, if any, then applies environment
// overrides and fills in defaults. A missing file is not an error
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize replaces zero values with their defaults
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.PerUserTimeout <= 0 {
		c.PerUserTimeout = def.PerUserTimeout
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = def.SweepSchedule
	}
	if c.ExpireWorkers <= 0 {
		c.ExpireWorkers = def.ExpireWorkers
	}
	if c.ExpireQueueSize <= 0 {
		c.ExpireQueueSize = def.ExpireQueueSize
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = def.Redis.Prefix
	}
	if c.Bolt.Path == "" {
		c.Bolt.Path = def.Bolt.Path
	}
	if c.Postgres.Prefix == "" {
		c.Postgres.Prefix = def.Postgres.Prefix
	}
	if c.Postgres.MaxRetries <= 0 {
		c.Postgres.MaxRetries = def.Postgres.MaxRetries
	}
}

// Validate checks the settings that have no sensible default
func (c *Config) Validate() error {
	if !slices.Contains(Backends, c.Backend) {
		return fmt.Errorf("%w: %q must be one of %v",
			ErrUnknownBackend, c.Backend, Backends,
		)
	}
	if c.Backend == BackendPostgres {
		if c.Postgres.URL == "" {
			return fmt.Errorf("%w: postgres url is required",
				muster.ErrValidation,
			)
		}
		return postgres.ValidatePrefix(c.Postgres.Prefix)
	}
	return nil
}

// Muster returns the application-layer settings
func (c *Config) Muster() muster.Config {
	cfg := muster.DefaultConfig()
	cfg.Store = c.RedisStore()
	cfg.PerUserTimeout = c.PerUserTimeout
	cfg.SweepSchedule = c.SweepSchedule
	cfg.ExpireWorkers = c.ExpireWorkers
	cfg.ExpireQueueSize = c.ExpireQueueSize
	return cfg
}

// RedisStore returns the settings for muster.NewStore
func (c *Config) RedisStore() muster.StoreConfig {
	cfg := muster.DefaultStoreConfig()
	cfg.Addr = c.Redis.Addr
	cfg.Password = c.Redis.Password
	cfg.DB = c.Redis.DB
	cfg.Prefix = c.Redis.Prefix
	return cfg
}

// BoltStore returns the settings for bolt.Open
func (c *Config) BoltStore() bolt.Config {
	return bolt.DefaultConfig()
}

// PostgresStore returns the settings for postgres.Connect
func (c *Config) PostgresStore() postgres.Config {
	cfg := postgres.DefaultConfig()
	cfg.Prefix = c.Postgres.Prefix
	cfg.MaxRetries = c.Postgres.MaxRetries
	return cfg
}
