package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNoOpCache(t *testing.T) {
	cache := NewNoOpCache()
	ctx := context.Background()

	if err := cache.SetPage(ctx, "http://example.com", "page text", time.Hour); err != nil {
		t.Errorf("Expected no error on SetPage, got %v", err)
	}

	// Nothing is stored, so the lookup is still a miss
	text, found, err := cache.GetPage(ctx, "http://example.com")
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if found || text != "" {
		t.Errorf("Expected cache miss, got found=%v text=%q", found, text)
	}

	if err := cache.Close(); err != nil {
		t.Errorf("Expected no error on Close, got %v", err)
	}
}

func TestPageKey(t *testing.T) {
	a := pageKey("http://example.com/a?q=1")
	b := pageKey("http://example.com/b")

	if !strings.HasPrefix(a, pageKeyPrefix) {
		t.Errorf("expected prefix %q, got %q", pageKeyPrefix, a)
	}
	if a == b {
		t.Error("expected distinct keys for distinct URLs")
	}
	if a != pageKey("http://example.com/a?q=1") {
		t.Error("expected stable key for the same URL")
	}
}
