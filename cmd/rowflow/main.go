package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aescanero/rowflow/internal/application/runs"
	"github.com/aescanero/rowflow/internal/application/workers"
	"github.com/aescanero/rowflow/internal/config"
	"github.com/aescanero/rowflow/internal/engine"
	"github.com/aescanero/rowflow/internal/pipeline"
	"github.com/aescanero/rowflow/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/rowflow/pkg/api/grpc"
	"github.com/aescanero/rowflow/pkg/api/http"
	"github.com/aescanero/rowflow/pkg/api/websocket"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting rowflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	var closers []io.Closer

	audit, auditCloser, err := newAudit(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to create audit recorder", zap.Error(err))
	}
	closers = appendCloser(closers, auditCloser)

	checkpoints, cpCloser, err := newCheckpoints(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to create checkpoint store", zap.Error(err))
	}
	closers = appendCloser(closers, cpCloser)

	eventBus := newEventBus(cfg, redisClient, logger)

	deps, err := newPluginDeps(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create object store client", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector(nil)

	orch := engine.NewOrchestrator(audit, checkpoints, eventBus, metricsCollector, logger, engine.Settings{
		MaxIterations:      cfg.Engine.MaxIterations,
		SinkBatchSize:      cfg.Engine.SinkBatchSize,
		CheckpointInterval: cfg.Checkpoint.Interval,
		ProgressInterval:   cfg.Engine.ProgressInterval,
	})

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		cfg.Workers.PoolSize*4,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	runManager := runs.NewManager(
		orch,
		pipeline.NewBuiltinRegistry(deps),
		audit,
		workerPool,
		metricsCollector,
		runs.NewValidator(),
		logger,
		cfg.Timeouts.RunTimeout,
	)
	if err := loadPipelines(runManager, cfg.PipelinesDir, logger); err != nil {
		logger.Fatal("failed to load pipelines", zap.Error(err))
	}

	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Runs:     runManager,
		Audit:    audit,
		Workers:  workerPool,
		APIToken: cfg.APIToken,
		Logger:   logger,
	})

	streamCtx, stopStreams := context.WithCancel(ctx)
	wsHandler := websocket.NewHandler(eventBus, logger)
	if err := wsHandler.Start(streamCtx); err != nil {
		logger.Fatal("failed to subscribe to run events", zap.Error(err))
	}
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:          cfg.GRPCPort,
		Healthy:       workerPool.Health().IsHealthy,
		CheckInterval: cfg.Workers.HealthCheckInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("rowflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.Strings("pipelines", runManager.Pipelines()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	// Active runs checkpoint on the way out and can be resumed later.
	if err := runManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("run manager shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	stopStreams()
	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("rowflow shut down complete")
}

// loadPipelines registers every definition in dir. A missing directory
// starts the server with no pipelines.
func loadPipelines(m *runs.Manager, dir string, logger *zap.Logger) error {
	defs, err := pipeline.LoadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("pipelines directory not found", zap.String("dir", dir))
		return nil
	}
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := m.RegisterPipeline(def); err != nil {
			return err
		}
	}
	return nil
}

func appendCloser(closers []io.Closer, c io.Closer) []io.Closer {
	if c == nil {
		return closers
	}
	return append(closers, c)
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
