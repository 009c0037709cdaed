package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup is a SetNX-with-TTL guard that makes pool enqueues idempotent
// across API retries and across scheduler instances sharing one Redis. The
// store's pool_status check remains the authority; this only short-circuits
// the common duplicate-Schedule path without touching Postgres.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup connects to Redis and verifies the connection.
func NewRedisDedup(addr, password string, db int, ttl time.Duration) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedup{client: client, ttl: ttl}, nil
}

// FirstSchedule returns true exactly once per booking id within the TTL.
// Errors degrade to true so a Redis outage never blocks scheduling; the
// store-level pool status still deduplicates.
func (d *RedisDedup) FirstSchedule(ctx context.Context, bookingID int64) bool {
	key := fmt.Sprintf("assignd:pool:scheduled:%d", bookingID)
	ok, err := d.client.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}

// Forget clears the dedup key, letting a booking be re-scheduled after an
// external edit (for example a moved time window).
func (d *RedisDedup) Forget(ctx context.Context, bookingID int64) {
	key := fmt.Sprintf("assignd:pool:scheduled:%d", bookingID)
	d.client.Del(ctx, key)
}

// Close releases the Redis connection.
func (d *RedisDedup) Close() error {
	return d.client.Close()
}
