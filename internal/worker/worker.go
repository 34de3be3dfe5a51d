// Package worker delivers queued restriction status updates to the remote
// directory. Delivery is best effort: a failure is logged and counted, and
// never undoes the local change that produced the task.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/queue"
)

// Worker defines the interface for processing update tasks
type Worker interface {
	// Start begins processing tasks from the queue
	Start(ctx context.Context) error

	// ProcessTask delivers one update with retries
	ProcessTask(ctx context.Context, task *queue.UpdateTask) error
}

// Directory is the remote write the worker performs.
type Directory interface {
	SetActive(ctx context.Context, token string, id int64, active bool) error
}

// TokenSource supplies the bearer credential at delivery time.
type TokenSource interface {
	Credential(ctx context.Context) (string, error)
}

// Config contains configuration for the worker
type Config struct {
	RetryAttempts   int
	RetryBackoff    time.Duration
	Concurrency     int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		RetryAttempts:   3,
		RetryBackoff:    2 * time.Second,
		Concurrency:     1,
		ShutdownTimeout: 30 * time.Second,
	}
}

// UpdateWorker implements the Worker interface
type UpdateWorker struct {
	queue     queue.TaskQueue
	directory Directory
	tokens    TokenSource
	config    Config
	clock     clockwork.Clock
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// Option configures an UpdateWorker.
type Option func(*UpdateWorker)

// WithClock injects the clock used for retry backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(w *UpdateWorker) { w.clock = clock }
}

// NewUpdateWorker creates a new worker instance
func NewUpdateWorker(q queue.TaskQueue, dir Directory, tokens TokenSource, config Config, logger *slog.Logger, opts ...Option) *UpdateWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	w := &UpdateWorker{
		queue:     q,
		directory: dir,
		tokens:    tokens,
		config:    config,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing tasks from the queue
func (w *UpdateWorker) Start(ctx context.Context) error {
	concurrency := w.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	w.logger.Info("update worker starting", "concurrency", concurrency)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.processLoop(workerCtx, workerID)
		}(i)
	}

	<-workerCtx.Done()

	w.logger.Info("update worker shutting down, waiting for in-flight tasks to complete")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("update worker shutdown complete")
		return nil
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("update worker shutdown timeout, some tasks may not have completed")
		return fmt.Errorf("shutdown timeout")
	}
}

func (w *UpdateWorker) processLoop(ctx context.Context, workerID int) {
	metrics := observability.GetMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.IsPermanent(err) {
				w.logger.Info("update queue closed, worker loop exiting", "worker_id", workerID)
				return
			}
			w.logger.Error("failed to dequeue task", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(time.Second):
			}
			continue
		}

		if err := w.ProcessTask(ctx, task); err != nil {
			w.logger.Warn("directory update failed, local state kept",
				"worker_id", workerID,
				"task_id", task.ID,
				"restriction_id", task.RestrictionID,
				"active", task.Active,
				"attempts", task.Attempts,
				"error", err)
			metrics.WorkerErrors.Inc()
			_ = w.queue.Fail(ctx, task.ID, err)
			continue
		}

		w.logger.Info("directory update delivered",
			"worker_id", workerID,
			"task_id", task.ID,
			"restriction_id", task.RestrictionID,
			"active", task.Active)
		metrics.WorkerTasksProcessed.Inc()
		_ = w.queue.Complete(ctx, task.ID)
	}
}

// ProcessTask delivers one update, retrying transient failures with linear
// backoff up to RetryAttempts.
func (w *UpdateWorker) ProcessTask(ctx context.Context, task *queue.UpdateTask) error {
	if task == nil {
		return errors.NewPermanentf("task is nil")
	}

	token, err := w.tokens.Credential(ctx)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if token == "" {
		return errors.NewPermanentf("%w: no credential for directory update", errors.ErrUnauthenticated)
	}

	var lastErr error
	for attempt := 1; attempt <= w.config.RetryAttempts; attempt++ {
		task.Attempts = attempt
		err := w.directory.SetActive(ctx, token, task.RestrictionID, task.Active)
		if err == nil {
			return nil
		}
		lastErr = err

		action, backoff := handleTaskError(err, attempt, w.config)
		if action == ActionFail {
			return err
		}

		w.logger.Debug("transient directory error, retrying",
			"task_id", task.ID,
			"restriction_id", task.RestrictionID,
			"attempt", attempt,
			"max_attempts", w.config.RetryAttempts,
			"backoff", backoff.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(backoff):
		}
	}

	return errors.NewPermanentf("max retries exceeded: %w", lastErr)
}
