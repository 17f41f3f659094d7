package cache

import (
	"context"
	"time"
)

// PageCache stores extracted page text keyed by URL.
type PageCache interface {
	// GetPage returns the cached text and whether it was found.
	GetPage(ctx context.Context, url string) (string, bool, error)

	// SetPage stores page text with TTL
	SetPage(ctx context.Context, url, text string, ttl time.Duration) error

	// Close closes the cache connection
	Close() error
}
