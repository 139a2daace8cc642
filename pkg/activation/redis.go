package activation

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "voxline:dedup:"

// RedisDeduper suppresses duplicates across engine instances with a
// SET NX claim per key, expiring after the suppression window.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

// NewRedisDeduper connects to redis at addr and verifies the
// connection before returning.
func NewRedisDeduper(ctx context.Context, addr, password string, db int, window time.Duration) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDeduper{client: client, window: window}, nil
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	claimed, err := d.client.SetNX(ctx, dedupKeyPrefix+key, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}

	return claimed, nil
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
