package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the rowflow server
type Config struct {
	// Server configuration
	HTTPPort int    `env:"ROWFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"ROWFLOW_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Bearer token required on /api/v1 when set
	APIToken string `env:"ROWFLOW_API_TOKEN"`

	// Directory scanned for *.yaml pipeline definitions
	PipelinesDir string `env:"ROWFLOW_PIPELINES_DIR" envDefault:"./pipelines"`

	Redis       RedisConfig
	Postgres    PostgresConfig
	Audit       AuditConfig
	Checkpoint  CheckpointConfig
	Events      EventsConfig
	Engine      EngineConfig
	Workers     WorkerConfig
	ObjectStore ObjectStoreConfig
	Timeouts    TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PostgresConfig holds the audit database connection
type PostgresConfig struct {
	URL             string        `env:"POSTGRES_URL"`
	PingTimeout     time.Duration `env:"POSTGRES_PING_TIMEOUT" envDefault:"5s"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
	Migrate         bool          `env:"POSTGRES_MIGRATE" envDefault:"true"`
}

// AuditConfig selects where the audit trail is recorded
type AuditConfig struct {
	// memory, redis or postgres
	Backend string `env:"AUDIT_BACKEND" envDefault:"memory"`
}

// CheckpointConfig selects where checkpoints are stored
type CheckpointConfig struct {
	// memory, redis or badger
	Backend string `env:"CHECKPOINT_BACKEND" envDefault:"memory"`
	// Rows between checkpoints, zero disables periodic checkpoints
	Interval int           `env:"CHECKPOINT_INTERVAL" envDefault:"1000"`
	TTL      time.Duration `env:"CHECKPOINT_TTL" envDefault:"168h"`
	// Badger data directory, empty keeps checkpoints in memory
	BadgerDir string `env:"CHECKPOINT_BADGER_DIR"`
}

// EventsConfig selects the event bus
type EventsConfig struct {
	// memory or redis
	Backend       string `env:"EVENTS_BACKEND" envDefault:"memory"`
	ConsumerGroup string `env:"EVENTS_CONSUMER_GROUP" envDefault:"rowflow"`
	// Defaults to <hostname>-<pid>
	ConsumerName  string `env:"EVENTS_CONSUMER_NAME"`
	MaxLen        int64  `env:"EVENTS_STREAM_MAX_LEN" envDefault:"10000"`
}

// EngineConfig tunes pipeline execution
type EngineConfig struct {
	MaxIterations    int `env:"ENGINE_MAX_ITERATIONS" envDefault:"10000"`
	SinkBatchSize    int `env:"ENGINE_SINK_BATCH_SIZE" envDefault:"100"`
	ProgressInterval int `env:"ENGINE_PROGRESS_INTERVAL" envDefault:"1000"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// ObjectStoreConfig enables the objectstore_sink plugin when Endpoint is set
type ObjectStoreConfig struct {
	Endpoint  string `env:"S3_ENDPOINT"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"S3_BUCKET" envDefault:"rowflow"`
	UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	RunTimeout      time.Duration `env:"TIMEOUT_RUN" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.PipelinesDir == "" {
		return fmt.Errorf("pipelines directory is required")
	}

	switch c.Audit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis audit backend")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("postgres URL is required for the postgres audit backend")
		}
	default:
		return fmt.Errorf("unsupported audit backend: %s (must be memory, redis, or postgres)", c.Audit.Backend)
	}

	switch c.Checkpoint.Backend {
	case "memory", "badger":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis checkpoint backend")
		}
	default:
		return fmt.Errorf("unsupported checkpoint backend: %s (must be memory, redis, or badger)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint interval cannot be negative")
	}

	switch c.Events.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis event bus")
		}
	default:
		return fmt.Errorf("unsupported events backend: %s (must be memory or redis)", c.Events.Backend)
	}

	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine max iterations must be at least 1")
	}
	if c.Engine.SinkBatchSize < 0 {
		return fmt.Errorf("engine sink batch size cannot be negative")
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	if c.ObjectStore.Endpoint != "" && (c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "") {
		return fmt.Errorf("object store credentials are required when S3_ENDPOINT is set")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Audit.Backend == "redis" || c.Checkpoint.Backend == "redis" || c.Events.Backend == "redis"
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
