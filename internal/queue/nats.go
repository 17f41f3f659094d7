package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"doc-chat/internal/retry"
)

const subjectPrefix = "docchat.tasks."

// NewNATS constructs a NATS-backed queue. Workers of the same task type share a
// queue group so each task is handled once.
func NewNATS(log *slog.Logger, nc *nats.Conn) Queue {
	return &natsQueue{log: log, nc: nc}
}

type natsQueue struct {
	log *slog.Logger
	nc  *nats.Conn
}

func subject(t TaskType) string { return subjectPrefix + string(t) }

func (q *natsQueue) Enqueue(_ context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Type == "" {
		return errors.New("task type required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if limit := q.MaxPayload(); limit > 0 && int64(len(body)) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(body), limit)
	}
	return q.nc.Publish(subject(task.Type), body)
}

// MaxPayload is the message size limit announced by the server.
func (q *natsQueue) MaxPayload() int64 { return q.nc.MaxPayload() }

// Worker handles tasks until ctx is done. Messages of one subscription are
// delivered one at a time, so a single worker processes tasks sequentially.
func (q *natsQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	group := "docchat-" + string(taskType) + "-workers"
	sub, err := q.nc.QueueSubscribe(subject(taskType), group, func(msg *nats.Msg) {
		q.handleMessage(ctx, msg, handler)
	})
	if err != nil {
		return err
	}
	q.log.Info("worker subscribed", "subject", subject(taskType), "group", group)
	<-ctx.Done()
	return sub.Drain()
}

func (q *natsQueue) handleMessage(ctx context.Context, msg *nats.Msg, handler Handler) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.log.Error("failed to decode task", "err", err)
		return
	}

	if wait := time.Until(task.NotBefore); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	start := time.Now()
	if err := handler(ctx, task); err != nil {
		q.retryTask(ctx, task, err)
		return
	}
	q.log.Info("task done", "id", task.ID, "type", task.Type, "duration_ms", time.Since(start).Milliseconds())
}

func (q *natsQueue) retryTask(ctx context.Context, task Task, handlerErr error) {
	task.Attempts++
	if task.MaxAttempts == 0 {
		task.MaxAttempts = defaultMaxAttempts
	}

	if task.Attempts < task.MaxAttempts {
		task.NotBefore = time.Now().Add(retry.ExponentialBackoff(task.Attempts, time.Second))
		q.log.Warn("task failed; retrying", "id", task.ID, "type", task.Type, "attempt", task.Attempts, "err", handlerErr)
		if err := q.Enqueue(ctx, task); err != nil {
			q.log.Error("failed to re-enqueue task after failure", "id", task.ID, "type", task.Type, "original_err", handlerErr, "enqueue_err", err)
		}
	} else {
		q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "original_err", handlerErr)
	}
}
