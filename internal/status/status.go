// Package status projects the persisted sync metadata into the coarse
// indicator shown to users and the detailed report served by the API. It
// holds no state of its own.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/reconciler"
	"github.com/daimoniac/sitelock/internal/scheduler"
	"github.com/daimoniac/sitelock/internal/types"
)

// Indicator is the three-valued sync health shown to the user.
type Indicator string

const (
	IndicatorOK              Indicator = "ok"
	IndicatorUnauthenticated Indicator = "unauthenticated"
	IndicatorError           Indicator = "error"
)

// Source is the cache view the reporter reads.
type Source interface {
	SyncMetadata(ctx context.Context) (types.SyncMetadata, error)
	Credential(ctx context.Context) (string, error)
	Restrictions() []types.RestrictionRecord
	ListExceptions() []types.ExceptionEntry
}

// SchedulerView is the part of the scheduler the report shows.
type SchedulerView interface {
	State() scheduler.State
	IsSyncing() bool
	NextDelay() time.Duration
}

// Report is the detailed status document.
type Report struct {
	Indicator           Indicator        `json:"indicator"`
	LastStatus          types.SyncStatus `json:"last_status,omitempty"`
	LastSyncAt          *string          `json:"last_sync_at"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastError           string           `json:"last_error,omitempty"`
	SchedulerState      scheduler.State  `json:"scheduler_state,omitempty"`
	Syncing             bool             `json:"syncing"`
	NextSyncIn          string           `json:"next_sync_in,omitempty"`
	Restrictions        int              `json:"restrictions"`
	ActiveRestrictions  int              `json:"active_restrictions"`
	Exceptions          int              `json:"exceptions"`
	ValidExceptions     int              `json:"valid_exceptions"`
}

// Reporter builds indicators and reports
type Reporter struct {
	source    Source
	scheduler SchedulerView
	health    *observability.HealthChecker
	clock     clockwork.Clock
	logger    *slog.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithScheduler adds scheduler state to reports.
func WithScheduler(s SchedulerView) Option {
	return func(r *Reporter) { r.scheduler = s }
}

// WithHealth mirrors outcomes into the health checker's sync and store
// components.
func WithHealth(h *observability.HealthChecker) Option {
	return func(r *Reporter) { r.health = h }
}

// WithClock injects the clock used to count valid exceptions.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Reporter) { r.clock = clock }
}

// NewReporter creates a reporter over source
func NewReporter(source Source, logger *slog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		source: source,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.health != nil {
		r.health.RegisterComponent(observability.ComponentSync)
		r.health.RegisterComponent(observability.ComponentStore)
	}
	return r
}

// Project maps metadata onto the indicator. Metadata from before the first
// reconciliation counts as unauthenticated when no credential is stored and
// as an error otherwise.
func Project(meta types.SyncMetadata, hasCredential bool) Indicator {
	switch meta.LastStatus {
	case types.SyncStatusOK:
		return IndicatorOK
	case types.SyncStatusUnauthenticated:
		return IndicatorUnauthenticated
	case types.SyncStatusError:
		return IndicatorError
	}
	if !hasCredential {
		return IndicatorUnauthenticated
	}
	return IndicatorError
}

// Indicator returns the current indicator. An unreadable store reports
// IndicatorError.
func (r *Reporter) Indicator(ctx context.Context) Indicator {
	meta, hasCredential, err := r.read(ctx)
	if err != nil {
		r.logger.Error("failed to read sync metadata", "error", err)
		return IndicatorError
	}
	return Project(meta, hasCredential)
}

// Report returns the detailed status document.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	meta, hasCredential, err := r.read(ctx)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		Indicator:           Project(meta, hasCredential),
		LastStatus:          meta.LastStatus,
		LastSyncAt:          types.FormatEpochMillis(meta.LastSyncAtEpochMillis),
		ConsecutiveFailures: meta.ConsecutiveFailureCount,
		LastError:           meta.LastError,
	}

	for _, rec := range r.source.Restrictions() {
		rep.Restrictions++
		if rec.IsActive {
			rep.ActiveRestrictions++
		}
	}

	now := types.ToEpochMillis(r.clock.Now())
	for _, e := range r.source.ListExceptions() {
		rep.Exceptions++
		if e.ValidAt(now) {
			rep.ValidExceptions++
		}
	}

	if r.scheduler != nil {
		rep.SchedulerState = r.scheduler.State()
		rep.Syncing = r.scheduler.IsSyncing()
		rep.NextSyncIn = r.scheduler.NextDelay().String()
	}
	return rep, nil
}

func (r *Reporter) read(ctx context.Context) (types.SyncMetadata, bool, error) {
	meta, err := r.source.SyncMetadata(ctx)
	if err != nil {
		return types.SyncMetadata{}, false, err
	}
	token, err := r.source.Credential(ctx)
	if err != nil {
		return types.SyncMetadata{}, false, err
	}
	return meta, token != "", nil
}

// ObserveOutcome mirrors a reconciliation outcome into the health checker.
// Sync failures degrade but never fail health: enforcement keeps working
// from the cache. Only an unusable store is unhealthy.
func (r *Reporter) ObserveOutcome(out reconciler.Outcome) {
	if r.health == nil {
		return
	}

	if out.Kind == errors.KindStoreUnavailable {
		r.health.UpdateComponentHealth(observability.ComponentStore, observability.StatusUnhealthy, "persistent store unavailable")
	} else {
		r.health.UpdateComponentHealth(observability.ComponentStore, observability.StatusHealthy, "")
	}

	switch out.Status {
	case types.SyncStatusOK:
		r.health.UpdateComponentHealth(observability.ComponentSync, observability.StatusHealthy, "")
	case types.SyncStatusUnauthenticated:
		r.health.UpdateComponentHealth(observability.ComponentSync, observability.StatusDegraded, "signed out")
	default:
		r.health.UpdateComponentHealth(observability.ComponentSync, observability.StatusDegraded, "last sync failed: "+string(out.Kind))
	}
}
