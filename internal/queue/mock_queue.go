package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of Queue using testify/mock.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, task Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	args := m.Called(ctx, taskType, handler)
	return args.Error(0)
}

// Enqueued returns the tasks passed to Enqueue of the given type, in call order.
func (m *MockQueue) Enqueued(taskType TaskType) []Task {
	var out []Task
	for _, c := range m.Calls {
		if c.Method != "Enqueue" {
			continue
		}
		if task, ok := c.Arguments.Get(1).(Task); ok && task.Type == taskType {
			out = append(out, task)
		}
	}
	return out
}
