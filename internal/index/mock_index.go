package index

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockIndex is a mock implementation of VectorIndex using testify/mock.
type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Upsert(ctx context.Context, collection, docID, text string, metadata Metadata) error {
	args := m.Called(ctx, collection, docID, text, metadata)
	return args.Error(0)
}

func (m *MockIndex) Query(ctx context.Context, collection, text string, k int) ([]Hit, error) {
	args := m.Called(ctx, collection, text, k)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Hit), args.Error(1)
}
