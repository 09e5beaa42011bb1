package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore wraps the Redis connection holding the engine's volatile
// state: the send_queue sorted set, the per-channel rate-limiter windows,
// and circuit-breaker counters. Nothing in Redis is authoritative; losing
// it loses scheduled jobs but never delivery history.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects from a redis:// URL and verifies with a ping.
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}
