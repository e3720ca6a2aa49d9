package ipban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ipban:"

// RedisCache is the go-redis backed Cache. Entries carry the ban TTL so
// redis evicts them on its own once the ban lapses.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: redisKeyPrefix,
	}
}

// OpenRedisCache connects using a redis URL (redis://host:port/db).
func OpenRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(client), nil
}

func (c *RedisCache) key(ip string) string {
	return c.prefix + ip
}

func (c *RedisCache) Set(ctx context.Context, rec Record, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, rec.IPAddress)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(rec.IPAddress), data, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, ip string) (*Record, bool, error) {
	data, err := c.client.Get(ctx, c.key(ip)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, ip string) error {
	return c.client.Del(ctx, c.key(ip)).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
