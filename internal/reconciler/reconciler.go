// Package reconciler converges the local cache onto the remote directory.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/daimoniac/sitelock/internal/cache"
	"github.com/daimoniac/sitelock/internal/directory"
	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/hostname"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/types"
)

// DefaultFetchTimeout bounds the directory list call.
const DefaultFetchTimeout = 5 * time.Second

// Reevaluator re-checks every open top-level context against the cache and
// redirects the ones that are now enforced. It returns how many it redirected.
type Reevaluator interface {
	ReevaluateOpen(nowMillis int64) int
}

// Outcome describes one reconciliation.
type Outcome struct {
	RunID    string
	Status   types.SyncStatus
	Kind     errors.Kind
	Err      error
	Changed  bool
	Duration time.Duration

	Restrictions     int
	DroppedURLs      int
	ExpiredPruned    int
	OrphanedPruned   int
	ContextsRedirect int
}

// Reconciler fetches the restriction list and writes it to the cache
type Reconciler struct {
	cache        *cache.LocalCache
	client       directory.Client
	reevaluator  Reevaluator
	clock        clockwork.Clock
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the wall clock used for durations.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithReevaluator registers the component that re-checks open contexts
// after a changed write.
func WithReevaluator(re Reevaluator) Option {
	return func(r *Reconciler) { r.reevaluator = re }
}

// New creates a reconciler
func New(c *cache.LocalCache, client directory.Client, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		cache:        c,
		client:       client,
		clock:        clockwork.NewRealClock(),
		fetchTimeout: DefaultFetchTimeout,
		logger:       logger,
		metrics:      observability.GetMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetReevaluator registers re after construction. The guard depends on the
// cache the reconciler writes, so it is often built later.
func (r *Reconciler) SetReevaluator(re Reevaluator) {
	r.reevaluator = re
}

// Reconcile runs one reconciliation at nowMillis. It never returns an error;
// failures are reported through the Outcome and the persisted metadata.
func (r *Reconciler) Reconcile(ctx context.Context, nowMillis int64) Outcome {
	start := r.clock.Now()
	out := Outcome{RunID: uuid.New().String()}
	logger := r.logger.With("run_id", out.RunID)

	r.metrics.SyncAttempts.Inc()
	defer func() {
		out.Duration = r.clock.Since(start)
		r.metrics.SyncDuration.Observe(out.Duration.Seconds())
		r.metrics.SyncOutcomes.WithLabelValues(string(out.Status)).Inc()
	}()

	meta, err := r.cache.SyncMetadata(ctx)
	if err != nil {
		logger.Error("failed to read sync metadata", "error", err)
		return r.fail(ctx, logger, out, meta, err)
	}

	token, err := r.cache.Credential(ctx)
	if err != nil {
		logger.Error("failed to read credential", "error", err)
		return r.fail(ctx, logger, out, meta, err)
	}
	if token == "" {
		logger.Debug("no credential stored, skipping sync")
		out.Status = types.SyncStatusUnauthenticated
		out.Kind = errors.KindUnauthenticated
		out.Err = errors.ErrUnauthenticated

		meta.LastStatus = types.SyncStatusUnauthenticated
		meta.ConsecutiveFailureCount = 0
		meta.LastError = ""
		r.writeMetadata(ctx, logger, meta)
		r.metrics.SyncFailureStreak.Set(0)
		return out
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	remote, err := r.client.List(fetchCtx, token)
	cancel()
	if err != nil {
		logger.Warn("failed to fetch restrictions, keeping cached data", "error", err)
		return r.fail(ctx, logger, out, meta, err)
	}

	records, dropped := materialize(remote, logger)
	out.Restrictions = len(records)
	out.DroppedURLs = dropped
	r.metrics.RecordsDropped.Add(float64(dropped))

	restrictionsChanged, err := r.cache.ReplaceRestrictions(ctx, records)
	if err != nil {
		logger.Error("failed to write restrictions", "error", err)
		return r.fail(ctx, logger, out, meta, err)
	}

	active := activeHosts(records)
	removed, err := r.cache.PruneExceptions(ctx, func(e types.ExceptionEntry) bool {
		return e.ValidAt(nowMillis) && coveredByAny(e.HostnameKey, active)
	})
	if err != nil {
		logger.Error("failed to prune exceptions", "error", err)
		return r.fail(ctx, logger, out, meta, err)
	}
	for _, e := range removed {
		reason := "orphaned"
		if !e.ValidAt(nowMillis) {
			reason = "expired"
			out.ExpiredPruned++
		} else {
			out.OrphanedPruned++
		}
		r.metrics.ExceptionsPruned.WithLabelValues(reason).Inc()
		logger.Info("pruned exception",
			"hostname", e.HostnameKey,
			"reason", reason)
	}

	out.Changed = restrictionsChanged || len(removed) > 0
	if !out.Changed {
		// Another process may have written the store since the last run.
		refreshed, err := r.cache.Reload(ctx)
		if err != nil {
			logger.Warn("failed to reload cache", "error", err)
		} else if refreshed {
			logger.Info("cache reloaded with changes written elsewhere")
			out.Changed = true
		}
	}
	if out.Changed {
		r.metrics.CacheWrites.Inc()
		if r.reevaluator != nil {
			out.ContextsRedirect = r.reevaluator.ReevaluateOpen(nowMillis)
			r.metrics.ContextsReevaluated.Add(float64(out.ContextsRedirect))
		}
	}

	out.Status = types.SyncStatusOK
	meta.LastSyncAtEpochMillis = nowMillis
	meta.ConsecutiveFailureCount = 0
	meta.LastStatus = types.SyncStatusOK
	meta.LastError = ""
	r.writeMetadata(ctx, logger, meta)
	r.metrics.SyncFailureStreak.Set(0)

	logger.Info("sync completed",
		"restrictions", out.Restrictions,
		"dropped_urls", out.DroppedURLs,
		"changed", out.Changed,
		"expired_pruned", out.ExpiredPruned,
		"orphaned_pruned", out.OrphanedPruned,
		"contexts_redirected", out.ContextsRedirect)

	return out
}

func (r *Reconciler) fail(ctx context.Context, logger *slog.Logger, out Outcome, meta types.SyncMetadata, err error) Outcome {
	out.Status = types.SyncStatusError
	out.Err = err
	out.Kind = errors.Classify(err)

	meta.ConsecutiveFailureCount++
	meta.LastStatus = types.SyncStatusError
	// Persist the class, not raw text; it is surfaced to users.
	meta.LastError = string(out.Kind)
	r.writeMetadata(ctx, logger, meta)
	r.metrics.SyncFailureStreak.Set(float64(meta.ConsecutiveFailureCount))
	return out
}

func (r *Reconciler) writeMetadata(ctx context.Context, logger *slog.Logger, meta types.SyncMetadata) {
	if err := r.cache.WriteSyncMetadata(ctx, meta); err != nil {
		logger.Error("failed to write sync metadata", "error", err)
	}
}

// materialize expands remote records into one RestrictionRecord per
// canonical hostname. URLs that do not normalize are dropped.
func materialize(remote []types.RemoteRecord, logger *slog.Logger) ([]types.RestrictionRecord, int) {
	type key struct {
		id   int64
		host string
	}
	seen := make(map[key]struct{})
	records := make([]types.RestrictionRecord, 0, len(remote))
	dropped := 0

	for _, rec := range remote {
		for _, target := range rec.TargetURLs {
			host, err := hostname.Normalize(target)
			if err != nil {
				dropped++
				logger.Warn("dropping restriction URL that does not normalize",
					"restriction_id", rec.ID,
					"url", target,
					"error", err)
				continue
			}
			k := key{id: rec.ID, host: host}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			records = append(records, types.RestrictionRecord{
				ID:          rec.ID,
				HostnameKey: host,
				IsActive:    rec.IsActive,
				DisplayName: rec.Name,
			})
		}
	}
	return records, dropped
}

func activeHosts(records []types.RestrictionRecord) map[string]struct{} {
	hosts := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.IsActive {
			hosts[r.HostnameKey] = struct{}{}
		}
	}
	return hosts
}

// coveredByAny reports whether host equals or is a subdomain of an active
// restricted host.
func coveredByAny(host string, active map[string]struct{}) bool {
	for _, suffix := range hostname.Suffixes(host) {
		if _, ok := active[suffix]; ok {
			return true
		}
	}
	return false
}
