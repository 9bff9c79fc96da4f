// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Mongo, Redis, Cache, Aggregation, Watcher, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Mongo       MongoConfig       `yaml:"mongo"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Cache       CacheConfig       `yaml:"cache"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Pagination  PaginationConfig  `yaml:"pagination"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"readTimeout"`
	WriteTimeout    time.Duration   `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration   `yaml:"requestTimeout"`
	AllowOrigins    []string        `yaml:"allowOrigins"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig bounds requests per client address. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MongoConfig holds the record store connection and collection names.
type MongoConfig struct {
	URI              string        `yaml:"uri"`
	Database         string        `yaml:"database"`
	RecordCollection string        `yaml:"recordCollection"`
	CacheCollection  string        `yaml:"cacheCollection"`
	MaxPoolSize      uint64        `yaml:"maxPoolSize"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// PostgresConfig holds PostgreSQL connection parameters for telemetry snapshots.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CacheInvalidate string `yaml:"cacheInvalidate"`
	QueryEvents     string `yaml:"queryEvents"`
}

// CacheConfig controls the aggregate cache.
type CacheConfig struct {
	// Backend is one of "redis", "mongo" or "memory".
	Backend      string                   `yaml:"backend"`
	KeyPrefix    string                   `yaml:"keyPrefix"`
	Version      string                   `yaml:"version"`
	DefaultTTL   time.Duration            `yaml:"defaultTTL"`
	TTLs         map[string]time.Duration `yaml:"ttls"`
	MemorySize   int                      `yaml:"memorySize"`
	Coalesce     bool                     `yaml:"coalesce"`
	WriteTimeout time.Duration            `yaml:"writeTimeout"`
}

// AggregationConfig controls pipeline execution limits.
type AggregationConfig struct {
	DiskUseStageThreshold int                      `yaml:"diskUseStageThreshold"`
	MaxTime               time.Duration            `yaml:"maxTime"`
	DefaultTimeout        time.Duration            `yaml:"defaultTimeout"`
	Timeouts              map[string]time.Duration `yaml:"timeouts"`
	DefaultLimit          int                      `yaml:"defaultLimit"`
	MaxLimit              int                      `yaml:"maxLimit"`
}

// WatcherConfig controls cache invalidation.
type WatcherConfig struct {
	// Mode is "reactive" (change stream) or "polling".
	Mode            string        `yaml:"mode"`
	Debounce        time.Duration `yaml:"debounce"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	RestartAttempts int           `yaml:"restartAttempts"`
	PublishNotices  bool          `yaml:"publishNotices"`
}

// PaginationConfig bounds record listing page sizes.
type PaginationConfig struct {
	DefaultPageSize int `yaml:"defaultPageSize"`
	MaxPageSize     int `yaml:"maxPageSize"`
}

// TelemetryConfig controls query telemetry collection and snapshotting.
type TelemetryConfig struct {
	BatchSize        int           `yaml:"batchSize"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "redis", "mongo", "memory":
	default:
		return fmt.Errorf("cache.backend must be redis, mongo or memory, got %q", c.Cache.Backend)
	}
	switch c.Watcher.Mode {
	case "reactive", "polling":
	default:
		return fmt.Errorf("watcher.mode must be reactive or polling, got %q", c.Watcher.Mode)
	}
	if c.Watcher.Debounce <= 0 {
		return fmt.Errorf("watcher.debounce must be positive")
	}
	if c.Pagination.MaxPageSize < c.Pagination.DefaultPageSize {
		return fmt.Errorf("pagination.maxPageSize (%d) is below defaultPageSize (%d)",
			c.Pagination.MaxPageSize, c.Pagination.DefaultPageSize)
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  50 * time.Second,
			RateLimit:       RateLimitConfig{RPS: 20, Burst: 40},
		},
		Mongo: MongoConfig{
			URI:              "mongodb://localhost:27017/?replicaSet=rs0",
			Database:         "ouvidoria",
			RecordCollection: "records",
			CacheCollection:  "aggregation_cache",
			MaxPoolSize:      50,
			ConnectTimeout:   10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "insights",
			User:            "insights",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "insights-telemetry",
			Topics: KafkaTopics{
				CacheInvalidate: "cache-invalidate",
				QueryEvents:     "insights-query-events",
			},
		},
		Cache: CacheConfig{
			Backend:      "redis",
			KeyPrefix:    "insights:",
			Version:      "v1",
			DefaultTTL:   60 * time.Second,
			MemorySize:   5000,
			Coalesce:     true,
			WriteTimeout: 2 * time.Second,
		},
		Aggregation: AggregationConfig{
			DiskUseStageThreshold: 3,
			MaxTime:               25 * time.Second,
			DefaultTimeout:        20 * time.Second,
			Timeouts: map[string]time.Duration{
				"overview": 45 * time.Second,
				"pivot":    40 * time.Second,
			},
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		Watcher: WatcherConfig{
			Mode:            "reactive",
			Debounce:        2 * time.Second,
			PollInterval:    60 * time.Second,
			RestartAttempts: 3,
		},
		Pagination: PaginationConfig{
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
		Telemetry: TelemetryConfig{
			BatchSize:        100,
			FlushInterval:    5 * time.Second,
			SnapshotInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads OG_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OG_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OG_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("OG_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("OG_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OG_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("OG_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("OG_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("OG_KAFKA_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = enabled
		}
	}
	if v := os.Getenv("OG_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("OG_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
	if v := os.Getenv("OG_WATCHER_MODE"); v != "" {
		cfg.Watcher.Mode = v
	}
	if v := os.Getenv("OG_WATCHER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watcher.PollInterval = d
		}
	}
	if v := os.Getenv("OG_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OG_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
