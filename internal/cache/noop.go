package cache

import (
	"context"
	"time"
)

// NoOpCache is a cache implementation that does nothing.
// Used when Redis is not configured or unavailable: every lookup is a miss.
type NoOpCache struct{}

func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) GetPage(ctx context.Context, url string) (string, bool, error) {
	return "", false, nil
}

func (c *NoOpCache) SetPage(ctx context.Context, url, text string, ttl time.Duration) error {
	return nil
}

func (c *NoOpCache) Close() error {
	return nil
}
