package main

import (
	"context"
	"fmt"
	"io"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/internal/config"
	"github.com/aescanero/rowflow/internal/pipeline"
	auditmemory "github.com/aescanero/rowflow/pkg/adapters/audit/memory"
	auditpostgres "github.com/aescanero/rowflow/pkg/adapters/audit/postgres"
	auditredis "github.com/aescanero/rowflow/pkg/adapters/audit/redis"
	eventsmemory "github.com/aescanero/rowflow/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/rowflow/pkg/adapters/events/redis"
	storagebadger "github.com/aescanero/rowflow/pkg/adapters/storage/badger"
	storagememory "github.com/aescanero/rowflow/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/rowflow/pkg/adapters/storage/redis"
	"github.com/aescanero/rowflow/pkg/plugins/objectstore"
	"github.com/aescanero/rowflow/pkg/ports"
)

// auditStore records runs and serves them back to the API.
type auditStore interface {
	ports.Recorder
	ports.AuditReader
}

func newAudit(ctx context.Context, cfg *config.Config, client *goredis.Client, logger *zap.Logger) (auditStore, io.Closer, error) {
	switch cfg.Audit.Backend {
	case "postgres":
		db, err := auditpostgres.Open(ctx, auditpostgres.Config{
			URL:             cfg.Postgres.URL,
			PingTimeout:     cfg.Postgres.PingTimeout,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		rec := auditpostgres.NewRecorder(db, logger)
		if cfg.Postgres.Migrate {
			if err := rec.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		logger.Info("audit trail in postgres")
		return rec, db, nil
	case "redis":
		logger.Info("audit trail in redis", zap.String("addr", cfg.Redis.Addr))
		return auditredis.NewRecorder(client, logger), nil, nil
	default:
		logger.Warn("audit trail kept in memory, it is lost on restart")
		return auditmemory.NewRecorder(), nil, nil
	}
}

func newCheckpoints(cfg *config.Config, client *goredis.Client, logger *zap.Logger) (ports.CheckpointStore, io.Closer, error) {
	switch cfg.Checkpoint.Backend {
	case "redis":
		return storageredis.NewCheckpointStore(client, cfg.Checkpoint.TTL, logger), nil, nil
	case "badger":
		db, err := storagebadger.Open(cfg.Checkpoint.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		return storagebadger.NewCheckpointStore(db, cfg.Checkpoint.TTL, logger), db, nil
	default:
		return storagememory.NewCheckpointStore(), nil, nil
	}
}

func newEventBus(cfg *config.Config, client *goredis.Client, logger *zap.Logger) ports.EventBus {
	if cfg.Events.Backend == "redis" {
		consumer := cfg.Events.ConsumerName
		if consumer == "" {
			host, _ := os.Hostname()
			consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
		return eventsredis.NewStreamsEventBus(client, cfg.Events.ConsumerGroup, consumer, logger,
			eventsredis.WithMaxLen(cfg.Events.MaxLen))
	}
	return eventsmemory.NewInMemoryEventBus(logger)
}

func newPluginDeps(ctx context.Context, cfg *config.Config) (pipeline.Deps, error) {
	if cfg.ObjectStore.Endpoint == "" {
		return pipeline.Deps{}, nil
	}
	client, err := objectstore.NewMinIOClient(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Region:    cfg.ObjectStore.Region,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		return pipeline.Deps{}, err
	}
	if err := objectstore.EnsureBucket(ctx, client, cfg.ObjectStore.Bucket, cfg.ObjectStore.Region); err != nil {
		return pipeline.Deps{}, err
	}
	return pipeline.Deps{ObjectStore: client, DefaultBucket: cfg.ObjectStore.Bucket}, nil
}
