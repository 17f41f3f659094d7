package fetch

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockFetcher is a mock implementation of Fetcher using testify/mock.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchText(ctx context.Context, url string) (string, error) {
	args := m.Called(ctx, url)
	return args.String(0), args.Error(1)
}
