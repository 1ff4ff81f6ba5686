// Package config loads the stepflowd daemon configuration from defaults, an
// optional YAML file, STEPFLOW_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config holds every setting of the daemon
	Config struct {
		HTTP        HTTPConfig        `mapstructure:"http"`
		Log         LogConfig         `mapstructure:"log"`
		Store       StoreConfig       `mapstructure:"store"`
		Idempotency IdempotencyConfig `mapstructure:"idempotency"`
		Engine      EngineConfig      `mapstructure:"engine"`
	}

	HTTPConfig struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	}

	LogConfig struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	// StoreConfig selects the flow document store. DSN is used by the SQL
	// drivers, RedisAddr by redis and MongoURI plus Database by mongo.
	StoreConfig struct {
		Driver    string `mapstructure:"driver"`
		DSN       string `mapstructure:"dsn"`
		RedisAddr string `mapstructure:"redis_addr"`
		Prefix    string `mapstructure:"prefix"`
		MongoURI  string `mapstructure:"mongo_uri"`
		Database  string `mapstructure:"database"`
	}

	IdempotencyConfig struct {
		Backend string        `mapstructure:"backend"`
		TTL     time.Duration `mapstructure:"ttl"`
	}

	EngineConfig struct {
		Workers        int           `mapstructure:"workers"`
		Queue          string        `mapstructure:"queue"`
		QueueSize      int           `mapstructure:"queue_size"`
		EvictAfter     time.Duration `mapstructure:"evict_after"`
		RestoreOnStart bool          `mapstructure:"restore_on_start"`
	}
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"

	EnvPrefix = "STEPFLOW"

	DefaultHTTPAddr        = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultRedisAddr       = "localhost:6379"
	DefaultPrefix          = "stepflow"
	DefaultDatabase        = "stepflow"
	DefaultIdempotencyTTL  = 24 * time.Hour
	DefaultWorkers         = 4
	DefaultQueueSize       = 1024
	DefaultEvictAfter      = 30 * time.Minute
)

var (
	ErrInvalidHTTPAddr           = errors.New("http address is required")
	ErrInvalidLogLevel           = errors.New("invalid log level")
	ErrInvalidLogFormat          = errors.New("invalid log format")
	ErrUnknownStoreDriver        = errors.New("unknown store driver")
	ErrMissingDSN                = errors.New("store dsn is required")
	ErrMissingRedisAddr          = errors.New("redis address is required")
	ErrMissingMongoURI           = errors.New("mongo uri is required")
	ErrUnknownIdempotencyBackend = errors.New("unknown idempotency backend")
	ErrInvalidIdempotencyTTL     = errors.New("idempotency ttl must be positive")
	ErrUnknownQueue              = errors.New("unknown queue")
	ErrInvalidWorkers            = errors.New("engine workers must be positive")
	ErrInvalidEvictAfter         = errors.New("evict_after must be positive")
)

// NewDefaultConfig returns a configuration that runs everything in memory
func NewDefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            DefaultHTTPAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:    DriverMemory,
			RedisAddr: DefaultRedisAddr,
			Prefix:    DefaultPrefix,
			Database:  DefaultDatabase,
		},
		Idempotency: IdempotencyConfig{
			Backend: DriverMemory,
			TTL:     DefaultIdempotencyTTL,
		},
		Engine: EngineConfig{
			Workers:        DefaultWorkers,
			Queue:          DriverMemory,
			QueueSize:      DefaultQueueSize,
			EvictAfter:     DefaultEvictAfter,
			RestoreOnStart: true,
		},
	}
}

// SetDefaults registers every key of NewDefaultConfig on v, so environment
// variables and flags can override any of them.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.prefix", d.Store.Prefix)
	v.SetDefault("store.mongo_uri", d.Store.MongoURI)
	v.SetDefault("store.database", d.Store.Database)
	v.SetDefault("idempotency.backend", d.Idempotency.Backend)
	v.SetDefault("idempotency.ttl", d.Idempotency.TTL)
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.queue", d.Engine.Queue)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.evict_after", d.Engine.EvictAfter)
	v.SetDefault("engine.restore_on_start", d.Engine.RestoreOnStart)
}

// Load reads the configuration from v. When file is not empty it is read
// as YAML; a missing file is not an error. Environment variables use the
// STEPFLOW_ prefix with dots replaced by underscores
// (STEPFLOW_STORE_DRIVER).
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return ErrInvalidHTTPAddr
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w for driver %s", ErrMissingDSN, c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return ErrMissingMongoURI
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStoreDriver, c.Store.Driver)
	}

	switch c.Idempotency.Backend {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownIdempotencyBackend, c.Idempotency.Backend)
	}
	if c.Idempotency.TTL <= 0 {
		return ErrInvalidIdempotencyTTL
	}

	switch c.Engine.Queue {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownQueue, c.Engine.Queue)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Engine.Workers)
	}
	if c.Engine.EvictAfter <= 0 {
		return ErrInvalidEvictAfter
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Store.Driver == DriverRedis ||
		c.Idempotency.Backend == DriverRedis ||
		c.Engine.Queue == DriverRedis
}

// SlogLevel parses Level into a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}
	return lvl, nil
}
