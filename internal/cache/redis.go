package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Redis is the shared balance cache for deployments running more than one
// process against the same Postgres.
//
// Expiry is delegated to Redis itself: every Put sets the key with the
// TTL, so a stale entry simply stops existing. Any Redis error is reported
// as a cache miss and logged; the ledger always has the store to fall
// back on, so the cache must never turn a Redis hiccup into a failed
// balance read.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedis connects a Redis-backed cache. Timeouts are aggressive: if
// Redis is slow we want to fail fast and read the store instead.
func NewRedis(addr, password string, ttl time.Duration, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "redis_cache").Logger(),
	}, nil
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("balance:%d", userID)
}

// Get returns the cached balance, treating every Redis error as a miss.
func (r *Redis) Get(userID int64) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	balance, err := r.client.Get(ctx, balanceKey(userID)).Int64()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn().Err(err).Int64("user_id", userID).Msg("cache read failed, treating as miss")
		}
		cacheMisses.WithLabelValues("redis").Inc()
		return 0, false
	}
	cacheHits.WithLabelValues("redis").Inc()
	return balance, true
}

// Put stores the balance with the TTL as its expiry.
func (r *Redis) Put(userID int64, balance int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := r.client.Set(ctx, balanceKey(userID), balance, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("cache write failed")
	}
}

// Invalidate removes the entry.
func (r *Redis) Invalidate(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := r.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("cache invalidate failed")
	}
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
