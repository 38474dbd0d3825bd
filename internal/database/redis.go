package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisDegraded is returned by Safe* calls while Redis is unreachable
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

// RedisClient wraps Redis client with degraded mode support. Presence,
// revocation and the fanout bridge keep working locally while Redis is down.
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	observer       RedisObserver
}

// RedisObserver receives health transitions, usually *metrics.Metrics
type RedisObserver interface {
	SetRedisDegraded(degraded bool)
	RecordRedisHealthCheck()
}

// NewRedisDB creates a new Redis client from config with degraded mode support.
// observer may be nil.
func NewRedisDB(cfg *RedisConfig, observer RedisObserver) *RedisClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})
	return &RedisClient{Client: client, observer: observer}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically re-evaluates degraded mode until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode != degraded {
		r.degradedMode = degraded
		if r.observer != nil {
			r.observer.SetRedisDegraded(degraded)
		}
	}
}

// HealthCheck pings Redis and updates degraded mode. Concurrent checks are
// serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if r.observer != nil {
		r.observer.RecordRedisHealthCheck()
	}
	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	r.setDegradedState(false)
	return nil
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe returns nil while degraded
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}

// SafeSRem performs a SREM operation with degraded mode handling
func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	return r.Client.SRem(ctx, key, members...)
}

// SafeSCard performs a SCARD operation with degraded mode handling
func (r *RedisClient) SafeSCard(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	return r.Client.SCard(ctx, key)
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	return r.Client.Exists(ctx, keys...)
}
