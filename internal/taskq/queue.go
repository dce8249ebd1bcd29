// Package taskq implements the Redis-backed task queue that carries
// partitioned bulk work to the worker fleet.
//
// Two priority bands are enough for this system: interactive scatter work
// (imports, finds, exports) goes to the high band, periodic maintenance
// (count refreshes, partition reorganization) to the low band. Workers
// drain the high band before touching the low band. There is no built-in
// retry; a handler that fails logs and drops its task, and any gather job
// waiting on it stalls until an operator intervenes.
package taskq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Priority selects the queue band a task is pushed to.
type Priority int

const (
	High Priority = 0
	Low  Priority = 9
)

const (
	keyHigh = "taskq:high"
	keyLow  = "taskq:low"
)

func (p Priority) key() string {
	if p == High {
		return keyHigh
	}
	return keyLow
}

// Task is the unit of queued work. Payload is handler-specific JSON.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue enqueues tasks onto Redis lists, one list per priority band.
type Queue struct {
	client *redis.Client
}

// NewQueue creates a Queue on the given Redis client.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue pushes a named task with a JSON-serializable payload and returns
// the task id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, pri Priority) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", name, err)
	}
	task := Task{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", name, err)
	}
	if err := q.client.LPush(ctx, pri.key(), data).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return task.ID, nil
}

// Depth returns the number of pending tasks in each band.
func (q *Queue) Depth(ctx context.Context) (high, low int64, err error) {
	if high, err = q.client.LLen(ctx, keyHigh).Result(); err != nil {
		return 0, 0, err
	}
	if low, err = q.client.LLen(ctx, keyLow).Result(); err != nil {
		return 0, 0, err
	}
	return high, low, nil
}
