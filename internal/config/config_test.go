package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 1000, cfg.Checkpoint.Interval)
	assert.Equal(t, 168*time.Hour, cfg.Checkpoint.TTL)
	assert.Equal(t, 10000, cfg.Engine.MaxIterations)
	assert.False(t, cfg.UsesRedis())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ROWFLOW_HTTP_PORT", "9000")
	t.Setenv("AUDIT_BACKEND", "postgres")
	t.Setenv("POSTGRES_URL", "postgres://localhost/rowflow")
	t.Setenv("CHECKPOINT_BACKEND", "redis")
	t.Setenv("CHECKPOINT_TTL", "1h")
	t.Setenv("WORKER_POOL_SIZE", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.Audit.Backend)
	assert.Equal(t, time.Hour, cfg.Checkpoint.TTL)
	assert.Equal(t, 8, cfg.Workers.PoolSize)
	assert.True(t, cfg.UsesRedis())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http port", func(c *Config) { c.HTTPPort = 0 }, "invalid HTTP port"},
		{"grpc port", func(c *Config) { c.GRPCPort = 70000 }, "invalid gRPC port"},
		{"audit backend", func(c *Config) { c.Audit.Backend = "sqlite" }, "unsupported audit backend"},
		{"postgres url", func(c *Config) { c.Audit.Backend = "postgres"; c.Postgres.URL = "" }, "postgres URL is required"},
		{"checkpoint backend", func(c *Config) { c.Checkpoint.Backend = "s3" }, "unsupported checkpoint backend"},
		{"checkpoint interval", func(c *Config) { c.Checkpoint.Interval = -1 }, "cannot be negative"},
		{"events backend", func(c *Config) { c.Events.Backend = "kafka" }, "unsupported events backend"},
		{"pool size", func(c *Config) { c.Workers.PoolSize = 0 }, "worker pool size"},
		{"object store creds", func(c *Config) { c.ObjectStore.Endpoint = "localhost:9000" }, "credentials are required"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
