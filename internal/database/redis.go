package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secureconnect-callcore/pkg/metrics"
)

// ErrRedisDegraded is returned by Safe* operations while Redis is unreachable
var ErrRedisDegraded = errors.New("redis is in degraded mode")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient is the signaling backend's connection. While pings fail it is
// degraded and every Safe* call fails fast with ErrRedisDegraded.
type RedisClient struct {
	Client *redis.Client

	degraded atomic.Bool
	pingMu   sync.Mutex
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewRedisDB creates a Redis client from config and pings it once
func NewRedisDB(ctx context.Context, cfg *RedisConfig, m *metrics.Metrics, log *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	r := NewRedisClient(client, m, log)
	if err := r.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisClient wraps an existing client
func NewRedisClient(client *redis.Client, m *metrics.Metrics, log *zap.Logger) *RedisClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisClient{Client: client, metrics: m, log: log}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					r.log.Warn("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded reports whether the last ping failed
func (r *RedisClient) IsDegraded() bool {
	return r.degraded.Load()
}

func (r *RedisClient) setDegraded(degraded bool) {
	if !r.degraded.CompareAndSwap(!degraded, degraded) {
		return
	}
	if r.metrics != nil {
		r.metrics.SetRedisDegraded(degraded)
	}
	if degraded {
		r.log.Warn("Redis entered degraded mode")
	} else {
		r.log.Info("Redis recovered from degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode. Pings are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.pingMu.Lock()
	defer r.pingMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := r.Client.Ping(pingCtx).Err()
	if r.metrics != nil {
		r.metrics.RecordRedisHealthCheck(err == nil)
	}
	if err != nil {
		r.setDegraded(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegraded(false)
	return nil
}

// SafeHSet writes hash fields
func (r *RedisClient) SafeHSet(ctx context.Context, key string, values map[string]interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("hset skipped: %w", ErrRedisDegraded))
	}
	return r.Client.HSet(ctx, key, values)
}

// SafeHGetAll reads a whole hash
func (r *RedisClient) SafeHGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	if r.IsDegraded() {
		return redis.NewMapStringStringResult(nil, fmt.Errorf("hgetall skipped: %w", ErrRedisDegraded))
	}
	return r.Client.HGetAll(ctx, key)
}

// SafeRPush appends to a list
func (r *RedisClient) SafeRPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("rpush skipped: %w", ErrRedisDegraded))
	}
	return r.Client.RPush(ctx, key, values...)
}

// SafeLRange reads a list slice
func (r *RedisClient) SafeLRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, fmt.Errorf("lrange skipped: %w", ErrRedisDegraded))
	}
	return r.Client.LRange(ctx, key, start, stop)
}

// SafeZAdd adds one member to a sorted set
func (r *RedisClient) SafeZAdd(ctx context.Context, key string, member interface{}, score float64) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("zadd skipped: %w", ErrRedisDegraded))
	}
	return r.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
}

// SafeZRevRange reads a sorted set, highest score first
func (r *RedisClient) SafeZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, fmt.Errorf("zrevrange skipped: %w", ErrRedisDegraded))
	}
	return r.Client.ZRevRange(ctx, key, start, stop)
}

// SafeZRem removes members from a sorted set
func (r *RedisClient) SafeZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("zrem skipped: %w", ErrRedisDegraded))
	}
	return r.Client.ZRem(ctx, key, members...)
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("publish skipped: %w", ErrRedisDegraded))
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe opens a pub/sub connection. It returns nil in degraded mode.
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}

// SafeRun runs a Lua script, loading it on first use
func (r *RedisClient) SafeRun(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	if r.IsDegraded() {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(fmt.Errorf("script skipped: %w", ErrRedisDegraded))
		return cmd
	}
	return script.Run(ctx, r.Client, keys, args...)
}
