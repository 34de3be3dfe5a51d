package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Sync metrics
	SyncAttempts      prometheus.Counter
	SyncOutcomes      *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	SyncCoalesced     prometheus.Counter
	SyncTriggers      *prometheus.CounterVec
	SyncFailureStreak prometheus.Gauge
	SchedulerState    *prometheus.GaugeVec

	// Reconciliation metrics
	RecordsDropped      prometheus.Counter
	ExceptionsPruned    *prometheus.CounterVec
	CacheWrites         prometheus.Counter
	ContextsReevaluated prometheus.Counter

	// Navigation metrics
	NavigationDecisions *prometheus.CounterVec

	// Exception metrics
	BypassGrants         prometheus.Counter
	BypassRevokes        prometheus.Counter
	VerificationFailures prometheus.Counter

	// Queue metrics
	QueueDepth     prometheus.Gauge
	QueueEnqueued  prometheus.Counter
	QueueDequeued  prometheus.Counter
	QueueCompleted prometheus.Counter
	QueueFailed    prometheus.Counter

	// Worker metrics
	WorkerTasksProcessed prometheus.Counter
	WorkerErrors         prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			// Sync metrics
			SyncAttempts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_sync_attempts_total",
				Help: "Total number of reconciliations started",
			}),
			SyncOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sitelock_sync_outcomes_total",
					Help: "Total number of reconciliations by outcome",
				},
				[]string{"status"}, // ok, unauthenticated, error
			),
			SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "sitelock_sync_duration_seconds",
				Help:    "Duration of reconciliations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			}),
			SyncCoalesced: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_sync_coalesced_total",
				Help: "Total number of sync triggers dropped because a sync was in flight",
			}),
			SyncTriggers: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sitelock_sync_triggers_total",
					Help: "Total number of sync triggers by reason",
				},
				[]string{"reason"},
			),
			SyncFailureStreak: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sitelock_sync_consecutive_failures",
				Help: "Current number of consecutive failed reconciliations",
			}),
			SchedulerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sitelock_scheduler_state",
					Help: "Current scheduler state (1 for the active state)",
				},
				[]string{"state"},
			),

			// Reconciliation metrics
			RecordsDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_records_dropped_total",
				Help: "Total number of remote URLs dropped because they did not normalize",
			}),
			ExceptionsPruned: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sitelock_exceptions_pruned_total",
					Help: "Total number of exceptions pruned during reconciliation by reason",
				},
				[]string{"reason"}, // expired, orphaned
			),
			CacheWrites: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_cache_writes_total",
				Help: "Total number of reconciliations that changed the local cache",
			}),
			ContextsReevaluated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_contexts_reevaluated_total",
				Help: "Total number of open tabs redirected after a cache change",
			}),

			// Navigation metrics
			NavigationDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sitelock_navigation_decisions_total",
					Help: "Total number of navigation decisions by result",
				},
				[]string{"result"}, // allow, block, skip, invalid
			),

			// Exception metrics
			BypassGrants: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_bypass_grants_total",
				Help: "Total number of bypasses granted",
			}),
			BypassRevokes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_bypass_revokes_total",
				Help: "Total number of bypasses revoked",
			}),
			VerificationFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_verification_failures_total",
				Help: "Total number of rejected unlock attempts",
			}),

			// Queue metrics
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sitelock_queue_depth",
				Help: "Current number of directory update tasks in the queue",
			}),
			QueueEnqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_queue_enqueued_total",
				Help: "Total number of directory update tasks enqueued",
			}),
			QueueDequeued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_queue_dequeued_total",
				Help: "Total number of directory update tasks dequeued",
			}),
			QueueCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_queue_completed_total",
				Help: "Total number of directory update tasks completed successfully",
			}),
			QueueFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_queue_failed_total",
				Help: "Total number of directory update tasks that failed",
			}),

			// Worker metrics
			WorkerTasksProcessed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_worker_tasks_processed_total",
				Help: "Total number of tasks processed by the update worker",
			}),
			WorkerErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sitelock_worker_errors_total",
				Help: "Total number of update worker errors",
			}),
		}
	})
	return metricsInstance
}
