// Package queue carries background work between the chat API and ingestion workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"doc-chat/internal/retry"
)

// TaskType enumerates supported task categories.
type TaskType string

// TaskTypeIngest stores extracted documents into a vector index collection.
const TaskTypeIngest TaskType = "ingest"

const defaultMaxAttempts = 3

// ErrPayloadTooLarge is returned for tasks the queue can never deliver.
var ErrPayloadTooLarge = errors.New("task exceeds the queue's maximum message size")

// Task is one unit of background work.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
}

// NewTask encodes payload into a task of the given type.
func NewTask(taskType TaskType, payload any) (Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{ID: uuid.New(), Type: taskType, Payload: body, MaxAttempts: defaultMaxAttempts}, nil
}

type Handler func(context.Context, Task) error

// Queue exposes a minimal contract to enqueue and consume tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Worker(ctx context.Context, taskType TaskType, handler Handler) error
}

// PayloadLimiter is implemented by queues that cap the encoded size of a task.
type PayloadLimiter interface {
	MaxPayload() int64
}

// CheckSize returns ErrPayloadTooLarge when q has a size limit and the encoded
// task does not fit in it.
func CheckSize(q Queue, task Task) error {
	l, ok := q.(PayloadLimiter)
	if !ok || l.MaxPayload() <= 0 {
		return nil
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if size := int64(len(body)); size > l.MaxPayload() {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, size, l.MaxPayload())
	}
	return nil
}

// EnqueueWithRetry attempts to enqueue with retries and exponential backoff.
// Oversized tasks fail on the first attempt.
func EnqueueWithRetry(ctx context.Context, q Queue, task Task, attempts int, base time.Duration) error {
	return retry.Do(ctx, attempts, base, func(ctx context.Context) error {
		err := q.Enqueue(ctx, task)
		if errors.Is(err, ErrPayloadTooLarge) {
			return retry.Permanent(err)
		}
		return err
	})
}
