package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the Redis-backed persistent Store variant for multi-instance or
// server-side hosts. Follows the RedisCache/RedisSessionStore pair
// (cache_redis.go): connection-pool tuning, prefixed single key, graceful
// degradation on transient errors rather than panicking the caller.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis opens a Redis-backed store at redisURL (format
// redis://[:password@]host:port/db), keeping the session snapshot under
// prefix+DocumentKey. ttl of 0 means the document never expires.
func NewRedis(redisURL, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store.Redis: invalid redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store.Redis: connection failed: %w", err)
	}

	return &Redis{client: client, key: prefix + DocumentKey, ttl: ttl}, nil
}

// NewRedisFromClient wraps an already-constructed client, for hosts that
// share one Redis connection pool across several subsystems.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: prefix + DocumentKey, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		// Transient Redis errors degrade to "no snapshot" rather than
		// failing startup, matching RedisSessionStore.Get.
		return nil, false, nil
	}
	return data, true, nil
}

func (r *Redis) Save(ctx context.Context, blob []byte) error {
	if err := r.client.Set(ctx, r.key, blob, r.ttl).Err(); err != nil {
		return fmt.Errorf("store.Redis: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
