// Package usage tracks per-principal message consumption in Redis,
// bucketed by UTC calendar day.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter counts consumed message units per principal and day.
// Keys expire shortly after the day they cover so stale buckets clean
// themselves up.
type RedisCounter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(redisURL string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCounterWithClient(client), nil
}

// NewRedisCounterWithClient creates a counter from an existing Redis client.
func NewRedisCounterWithClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client: client,
		prefix: "usage:",
		now:    time.Now,
	}
}

// key generates the Redis key for a usage bucket. The day component is
// the UTC calendar date, so every principal rolls over at the same
// instant regardless of client timezone.
func (c *RedisCounter) key(usageKey string) string {
	day := c.now().UTC().Format("2006-01-02")
	return c.prefix + day + ":" + usageKey
}

// Current returns the units consumed so far today. A missing bucket
// reads as zero.
func (c *RedisCounter) Current(ctx context.Context, usageKey string) (int, error) {
	n, err := c.client.Get(ctx, c.key(usageKey)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return n, nil
}

// Consume atomically adds costUnits to today's bucket and returns the
// new total. The first increment sets the bucket's expiry; 48 hours
// covers the day itself plus slack for clients still reading yesterday.
func (c *RedisCounter) Consume(ctx context.Context, usageKey string, costUnits int) (int, error) {
	key := c.key(usageKey)
	n, err := c.client.IncrBy(ctx, key, int64(costUnits)).Result()
	if err != nil {
		return 0, fmt.Errorf("consume usage: %w", err)
	}
	if n == int64(costUnits) {
		if err := c.client.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
			return int(n), fmt.Errorf("set usage expiry: %w", err)
		}
	}
	return int(n), nil
}

// Ping checks if Redis is reachable.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
