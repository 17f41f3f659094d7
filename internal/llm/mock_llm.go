package llm

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock for Adapter. Generate may be stubbed with a
// *Stream or with a func(Request) *Stream when each call needs a fresh stream.
type MockAdapter struct {
	mock.Mock
	ProviderName Provider
}

func (m *MockAdapter) Provider() Provider {
	if m.ProviderName == "" {
		return ProviderOpenAI
	}
	return m.ProviderName
}

func (m *MockAdapter) Generate(ctx context.Context, req Request) *Stream {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(Request) *Stream); ok {
		return fn(req)
	}
	return args.Get(0).(*Stream)
}
