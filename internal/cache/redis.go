package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefix for cached page text
const pageKeyPrefix = "page:"

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache client and verifies the connection.
func NewRedisCache(addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) GetPage(ctx context.Context, url string) (string, bool, error) {
	text, err := c.client.Get(ctx, pageKey(url)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

func (c *RedisCache) SetPage(ctx context.Context, url, text string, ttl time.Duration) error {
	return c.client.Set(ctx, pageKey(url), text, ttl).Err()
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// pageKey hashes the URL so arbitrary query strings stay valid, bounded keys.
func pageKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return pageKeyPrefix + hex.EncodeToString(sum[:])
}
