// Package queue holds best-effort remote directory updates produced by local
// lock and unlock actions until a worker delivers them.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/observability"
)

// TaskQueue manages pending directory status updates
type TaskQueue interface {
	// Enqueue adds a task to the queue
	Enqueue(ctx context.Context, task *UpdateTask) error

	// Dequeue retrieves a task for processing (blocking)
	Dequeue(ctx context.Context) (*UpdateTask, error)

	// Complete marks a task as successfully delivered
	Complete(ctx context.Context, taskID string) error

	// Fail marks a task as undeliverable
	Fail(ctx context.Context, taskID string, err error) error

	// GetQueueDepth returns current queue size
	GetQueueDepth(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// UpdateTask asks the remote directory to set one restriction's active flag.
type UpdateTask struct {
	ID            string
	RestrictionID int64
	Active        bool
	EnqueuedAt    time.Time
	Attempts      int
}

// NewUpdateTask builds a task with a fresh ID.
func NewUpdateTask(restrictionID int64, active bool, now time.Time) *UpdateTask {
	return &UpdateTask{
		ID:            uuid.NewString(),
		RestrictionID: restrictionID,
		Active:        active,
		EnqueuedAt:    now,
	}
}

// InMemoryQueue implements TaskQueue using Go channels
type InMemoryQueue struct {
	tasks      chan *UpdateTask
	pending    map[int64]*UpdateTask // restriction ID -> queued task
	pendingMu  sync.Mutex
	metrics    *QueueMetrics
	metricsMu  sync.RWMutex
	closed     bool
	closedMu   sync.RWMutex
	bufferSize int
	prom       *observability.Metrics
}

// QueueMetrics tracks queue operation statistics
type QueueMetrics struct {
	Enqueued  int64
	Dequeued  int64
	Completed int64
	Failed    int64
	Merged    int64 // Folded into a task already pending for the same restriction
}

// NewInMemoryQueue creates a new in-memory task queue
func NewInMemoryQueue(bufferSize int) *InMemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &InMemoryQueue{
		tasks:      make(chan *UpdateTask, bufferSize),
		pending:    make(map[int64]*UpdateTask),
		metrics:    &QueueMetrics{},
		bufferSize: bufferSize,
		prom:       observability.GetMetrics(),
	}
}

// Enqueue adds a task. When a task for the same restriction is still
// pending, its desired state is overwritten instead so the latest user
// intent is what reaches the directory.
func (q *InMemoryQueue) Enqueue(ctx context.Context, task *UpdateTask) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return errors.NewPermanentf("queue is closed")
	}
	q.closedMu.RUnlock()

	if task == nil {
		return errors.NewPermanentf("%w: task cannot be nil", errors.ErrInvalidInput)
	}

	if task.RestrictionID <= 0 {
		return errors.NewPermanentf("%w: task restriction id must be positive", errors.ErrInvalidInput)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	q.pendingMu.Lock()
	if existing, ok := q.pending[task.RestrictionID]; ok {
		existing.Active = task.Active
		q.pendingMu.Unlock()
		q.incrementMetric("merged")
		return nil
	}
	q.pending[task.RestrictionID] = task
	q.pendingMu.Unlock()

	select {
	case q.tasks <- task:
		q.incrementMetric("enqueued")
		return nil
	case <-ctx.Done():
		q.pendingMu.Lock()
		delete(q.pending, task.RestrictionID)
		q.pendingMu.Unlock()
		return ctx.Err()
	}
}

// Dequeue retrieves a task for processing (blocking). The returned task is a
// copy, detached from later merges.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*UpdateTask, error) {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return nil, errors.NewPermanentf("queue is closed")
	}
	q.closedMu.RUnlock()

	select {
	case task, ok := <-q.tasks:
		if !ok {
			return nil, errors.NewPermanentf("queue is closed")
		}

		q.pendingMu.Lock()
		delete(q.pending, task.RestrictionID)
		out := *task
		q.pendingMu.Unlock()

		q.incrementMetric("dequeued")
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete marks a task as successfully delivered
func (q *InMemoryQueue) Complete(ctx context.Context, taskID string) error {
	q.incrementMetric("completed")
	return nil
}

// Fail marks a task as undeliverable
func (q *InMemoryQueue) Fail(ctx context.Context, taskID string, err error) error {
	q.incrementMetric("failed")
	return nil
}

// GetQueueDepth returns current queue size
func (q *InMemoryQueue) GetQueueDepth(ctx context.Context) (int, error) {
	return len(q.tasks), nil
}

// Close shuts down the queue gracefully
func (q *InMemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return errors.NewPermanentf("queue already closed")
	}

	q.closed = true
	close(q.tasks)
	return nil
}

// GetMetrics returns a copy of current metrics
func (q *InMemoryQueue) GetMetrics() QueueMetrics {
	q.metricsMu.RLock()
	defer q.metricsMu.RUnlock()
	return *q.metrics
}

func (q *InMemoryQueue) incrementMetric(metric string) {
	q.metricsMu.Lock()
	defer q.metricsMu.Unlock()

	switch metric {
	case "enqueued":
		q.metrics.Enqueued++
		q.prom.QueueEnqueued.Inc()
	case "dequeued":
		q.metrics.Dequeued++
		q.prom.QueueDequeued.Inc()
	case "completed":
		q.metrics.Completed++
		q.prom.QueueCompleted.Inc()
	case "failed":
		q.metrics.Failed++
		q.prom.QueueFailed.Inc()
	case "merged":
		q.metrics.Merged++
	}
	q.prom.QueueDepth.Set(float64(len(q.tasks)))
}
