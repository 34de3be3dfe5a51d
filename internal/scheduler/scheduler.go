// Package scheduler drives reconciliation on a fixed interval and on demand,
// with single-flight de-duplication and backoff after repeated failures.
package scheduler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/reconciler"
	"github.com/daimoniac/sitelock/internal/types"
)

// ErrSyncInProgress is returned by SyncNow when a reconciliation is running.
var ErrSyncInProgress = stderrors.New("sync already in progress")

// State is the scheduler state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateBackoff State = "backoff"
)

// Trigger reasons.
const (
	ReasonStartup  = "startup"
	ReasonInterval = "interval"
	ReasonManual   = "manual"
	ReasonExternal = "external_change"
	ReasonSignIn   = "sign_in"
)

// Reconciler runs one reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context, nowMillis int64) reconciler.Outcome
}

// Config contains configuration for the scheduler
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	BackoffMultiplier float64
	MaxInterval       time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		FailureThreshold:  3,
		BackoffMultiplier: 2,
		MaxInterval:       5 * time.Minute,
	}
}

// Scheduler owns the sync loop
type Scheduler struct {
	reconciler Reconciler
	clock      clockwork.Clock
	config     Config
	logger     *slog.Logger
	metrics    *observability.Metrics

	syncing  atomic.Bool
	triggers chan string

	mu        sync.RWMutex
	state     State
	failures  int
	last      reconciler.Outcome
	hasLast   bool
	listeners []func(reconciler.Outcome)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the clock. Tests pass a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a scheduler
func New(rec Reconciler, config Config, logger *slog.Logger, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.MaxInterval < config.Interval {
		config.MaxInterval = config.Interval
	}

	s := &Scheduler{
		reconciler: rec,
		clock:      clockwork.NewRealClock(),
		config:     config,
		logger:     logger,
		metrics:    observability.GetMetrics(),
		triggers:   make(chan string, 1),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recordState(StateIdle)
	return s
}

// OnOutcome registers fn to be called after every reconciliation.
func (s *Scheduler) OnOutcome(fn func(reconciler.Outcome)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start runs the sync loop until ctx is cancelled. It reconciles once
// immediately, then waits NextDelay after each completed run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting sync scheduler",
		"interval", s.config.Interval.String(),
		"failure_threshold", s.config.FailureThreshold,
		"max_interval", s.config.MaxInterval.String())

	s.run(ctx, ReasonStartup)

	timer := s.clock.NewTimer(s.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler shutting down")
			return ctx.Err()
		case <-timer.Chan():
			s.run(ctx, ReasonInterval)
		case reason := <-s.triggers:
			s.run(ctx, reason)
		}
		timer.Stop()
		timer.Reset(s.NextDelay())
	}
}

// Trigger requests an immediate reconciliation. A trigger arriving while a
// reconciliation is running, or while another trigger is pending, is
// coalesced.
func (s *Scheduler) Trigger(reason string) {
	s.metrics.SyncTriggers.WithLabelValues(reason).Inc()

	if s.syncing.Load() {
		s.coalesced(reason)
		return
	}
	select {
	case s.triggers <- reason:
	default:
		s.coalesced(reason)
	}
}

// SyncNow reconciles on the caller's goroutine and returns the outcome.
func (s *Scheduler) SyncNow(ctx context.Context) (reconciler.Outcome, error) {
	s.metrics.SyncTriggers.WithLabelValues(ReasonManual).Inc()
	out, ran := s.run(ctx, ReasonManual)
	if !ran {
		return reconciler.Outcome{}, ErrSyncInProgress
	}
	return out, nil
}

func (s *Scheduler) coalesced(reason string) {
	s.metrics.SyncCoalesced.Inc()
	s.logger.Debug("sync trigger coalesced", "reason", reason)
}

func (s *Scheduler) run(ctx context.Context, reason string) (reconciler.Outcome, bool) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.coalesced(reason)
		return reconciler.Outcome{}, false
	}
	defer s.syncing.Store(false)

	s.setState(StateSyncing)
	s.logger.Debug("sync started", "reason", reason)

	out := s.reconciler.Reconcile(ctx, types.ToEpochMillis(s.clock.Now()))

	s.mu.Lock()
	if out.Status == types.SyncStatusError {
		s.failures++
	} else {
		s.failures = 0
	}
	failures := s.failures
	s.last = out
	s.hasLast = true
	listeners := append([]func(reconciler.Outcome){}, s.listeners...)
	s.mu.Unlock()

	next := StateIdle
	if failures >= s.config.FailureThreshold {
		next = StateBackoff
		s.logger.Warn("sync degraded, backing off",
			"consecutive_failures", failures,
			"next_delay", s.NextDelay().String())
	}
	s.setState(next)

	for _, fn := range listeners {
		fn(out)
	}
	return out, true
}

// NextDelay is the wait before the next interval-driven run: the base
// interval, multiplied once per failure at or beyond the threshold and
// capped at MaxInterval.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.RLock()
	failures := s.failures
	s.mu.RUnlock()
	return delayFor(s.config, failures)
}

func delayFor(cfg Config, failures int) time.Duration {
	if failures < cfg.FailureThreshold {
		return cfg.Interval
	}
	exp := failures - cfg.FailureThreshold + 1
	delay := float64(cfg.Interval) * math.Pow(cfg.BackoffMultiplier, float64(exp))
	if delay > float64(cfg.MaxInterval) || math.IsInf(delay, 0) {
		return cfg.MaxInterval
	}
	return time.Duration(delay)
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConsecutiveFailures returns the in-memory failure streak.
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// LastOutcome returns the most recent outcome, if any.
func (s *Scheduler) LastOutcome() (reconciler.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// IsSyncing reports whether a reconciliation is running.
func (s *Scheduler) IsSyncing() bool {
	return s.syncing.Load()
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.recordState(state)
}

func (s *Scheduler) recordState(state State) {
	for _, st := range []State{StateIdle, StateSyncing, StateBackoff} {
		v := 0.0
		if st == state {
			v = 1
		}
		s.metrics.SchedulerState.WithLabelValues(string(st)).Set(v)
	}
}
