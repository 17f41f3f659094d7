package cache

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockCache is a mock implementation of the PageCache interface for testing
type MockCache struct {
	mock.Mock
}

func (m *MockCache) GetPage(ctx context.Context, url string) (string, bool, error) {
	args := m.Called(ctx, url)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockCache) SetPage(ctx context.Context, url, text string, ttl time.Duration) error {
	args := m.Called(ctx, url, text, ttl)
	return args.Error(0)
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}
