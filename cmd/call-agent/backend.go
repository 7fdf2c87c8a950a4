package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"secureconnect-callcore/internal/database"
	"secureconnect-callcore/internal/repository/firestore"
	"secureconnect-callcore/internal/repository/memory"
	"secureconnect-callcore/internal/repository/postgres"
	redisRepo "secureconnect-callcore/internal/repository/redis"
	callsvc "secureconnect-callcore/internal/service/call"
	"secureconnect-callcore/pkg/config"
	"secureconnect-callcore/pkg/constants"
	"secureconnect-callcore/pkg/metrics"
	"secureconnect-callcore/pkg/resilience"
)

// signalingBackend is the opened store plus what it takes to probe and release it
type signalingBackend struct {
	channel callsvc.SignalingChannel
	health  func(ctx context.Context) error
	close   func()
}

func openBackend(ctx context.Context, g *errgroup.Group, cfg *config.Config, m *metrics.Metrics, lg *zap.Logger) (*signalingBackend, error) {
	switch cfg.Signaling.Backend {
	case config.BackendRedis:
		return openRedis(ctx, cfg, m, lg)
	case config.BackendPostgres:
		return openPostgres(ctx, g, cfg, lg)
	case config.BackendFirestore:
		return openFirestore(ctx, cfg, lg)
	default:
		lg.Warn("Using in-memory signaling; calls only reach peers in this process")
		return &signalingBackend{
			channel: memory.NewChannel(),
			health:  func(context.Context) error { return nil },
			close:   func() {},
		}, nil
	}
}

func openRedis(ctx context.Context, cfg *config.Config, m *metrics.Metrics, lg *zap.Logger) (*signalingBackend, error) {
	redisCfg := &database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}

	var client *database.RedisClient
	err := resilience.Retry(ctx, lg, "redis connect", resilience.DefaultBackoff, func(ctx context.Context) error {
		c, err := database.NewRedisDB(ctx, redisCfg, m, lg.Named("redis"))
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	client.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)
	lg.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))

	return &signalingBackend{
		channel: redisRepo.NewCallChannel(client, cfg.Redis.KeyPrefix, lg.Named("redis")),
		health: func(context.Context) error {
			if client.IsDegraded() {
				return database.ErrRedisDegraded
			}
			return nil
		},
		close: func() { _ = client.Close() },
	}, nil
}

func openPostgres(ctx context.Context, g *errgroup.Group, cfg *config.Config, lg *zap.Logger) (*signalingBackend, error) {
	pgCfg := &database.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}

	var db *database.DB
	err := resilience.Retry(ctx, lg, "postgres connect", resilience.DefaultBackoff, func(ctx context.Context) error {
		d, err := database.NewDB(ctx, pgCfg, lg.Named("postgres"))
		if err != nil {
			return err
		}
		db = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := postgres.Migrate(pgCfg.ConnString(), lg.Named("migrate")); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate call schema: %w", err)
	}

	repo := postgres.NewCallRepository(db.Pool, lg.Named("postgres"))
	g.Go(func() error {
		return repo.Listen(ctx, db.Pool)
	})

	return &signalingBackend{
		channel: repo,
		health:  db.Ping,
		close:   func() { _ = db.Close() },
	}, nil
}

func openFirestore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (*signalingBackend, error) {
	client, err := database.NewFirestoreClient(ctx, &database.FirestoreConfig{
		ProjectID:       cfg.Firestore.ProjectID,
		CredentialsPath: cfg.Firestore.CredentialsPath,
	}, lg.Named("firestore"))
	if err != nil {
		return nil, err
	}

	return &signalingBackend{
		channel: firestore.NewCallChannel(client, cfg.Firestore.Collection, lg.Named("firestore")),
		health:  func(context.Context) error { return nil },
		close:   func() { _ = client.Close() },
	}, nil
}
