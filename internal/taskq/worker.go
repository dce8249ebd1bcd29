package taskq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes a single task payload. Returning an error logs the
// failure and drops the task.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker pops tasks from the queue bands and dispatches them to registered
// handlers. High-band tasks are always served first because BRPOP scans its
// keys in order.
type Worker struct {
	client      *redis.Client
	concurrency int
	poll        time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker with the given parallelism.
func NewWorker(client *redis.Client, concurrency int, poll time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Worker{
		client:      client,
		concurrency: concurrency,
		poll:        poll,
		handlers:    make(map[string]Handler),
	}
}

// Register binds a task name to a handler. Re-registering a name replaces
// the previous handler.
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	w.handlers[name] = h
	w.mu.Unlock()
}

// Start runs the worker pool until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[TaskWorker] starting %d workers", w.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	log.Printf("[TaskWorker] stopped (processed=%d failed=%d)", w.processed.Load(), w.failed.Load())
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.client.BRPop(ctx, w.poll, keyHigh, keyLow).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[TaskWorker] pop error: %v", err)
			select {
			case <-time.After(w.poll):
			case <-ctx.Done():
				return
			}
			continue
		}
		// BRPop returns [key, value]
		if len(res) != 2 {
			continue
		}
		w.dispatch(ctx, []byte(res[1]))
	}
}

func (w *Worker) dispatch(ctx context.Context, raw []byte) {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		log.Printf("[TaskWorker] dropping malformed task: %v", err)
		w.failed.Add(1)
		return
	}

	w.mu.RLock()
	h, ok := w.handlers[task.Name]
	w.mu.RUnlock()
	if !ok {
		log.Printf("[TaskWorker] no handler for task %q id=%s", task.Name, task.ID)
		w.failed.Add(1)
		return
	}

	if err := w.run(ctx, h, task); err != nil {
		log.Printf("[TaskWorker] task %q id=%s failed: %v", task.Name, task.ID, err)
		w.failed.Add(1)
		return
	}
	w.processed.Add(1)
}

func (w *Worker) run(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return h(ctx, task.Payload)
}

// Stats returns the processed and failed task counters.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}
