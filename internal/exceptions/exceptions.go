// Package exceptions grants and revokes time-boxed bypasses of active
// restrictions. A bypass is only granted after the PIN has been verified
// externally; the PIN itself is never stored.
package exceptions

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/daimoniac/sitelock/internal/cache"
	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/hostname"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/queue"
	"github.com/daimoniac/sitelock/internal/tabs"
	"github.com/daimoniac/sitelock/internal/types"
	"github.com/daimoniac/sitelock/internal/verifier"
)

// DefaultTTL is how long a bypass lasts when no TTL is configured.
const DefaultTTL = 30 * time.Minute

// UnlockRequest identifies the restriction to bypass. Either Hostname or
// RestrictionID must be set; RestrictionID wins when both are.
type UnlockRequest struct {
	Hostname      string `json:"hostname,omitempty"`
	RestrictionID int64  `json:"restriction_id,omitempty"`
	PIN           string `json:"pin"`
	// Persist also asks the remote directory to deactivate the restriction.
	Persist bool `json:"persist,omitempty"`
	// OriginalURL and TabID re-issue the blocked navigation after a grant.
	OriginalURL string `json:"original_url,omitempty"`
	TabID       *int   `json:"tab_id,omitempty"`
}

// UnlockResult describes a granted bypass.
type UnlockResult struct {
	Exception     types.ExceptionEntry `json:"exception"`
	RestrictionID int64                `json:"restriction_id"`
	Persisted     bool                 `json:"persisted"`
	Redirected    bool                 `json:"redirected"`
}

// RelockResult describes a relock.
type RelockResult struct {
	Removed       []types.ExceptionEntry `json:"removed"`
	RestrictionID int64                  `json:"restriction_id,omitempty"`
	Persisted     bool                   `json:"persisted"`
}

// Manager owns every exception write outside reconciliation
type Manager struct {
	cache    *cache.LocalCache
	verifier verifier.Verifier
	queue    queue.TaskQueue
	tabs     *tabs.Tracker
	ttl      time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock Unlock and Relock read "now" from.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithQueue enables remote status updates for persistent unlocks.
func WithQueue(q queue.TaskQueue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithTabs lets Unlock re-issue the original navigation.
func WithTabs(t *tabs.Tracker) Option {
	return func(m *Manager) { m.tabs = t }
}

// NewManager creates an exception manager
func NewManager(c *cache.LocalCache, v verifier.Verifier, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cache:    c,
		verifier: v,
		ttl:      DefaultTTL,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		metrics:  observability.GetMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured bypass duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// GrantBypass upserts an exception for host expiring ttl after nowMillis.
// A non-positive ttl uses the configured TTL. Granting twice simply moves
// the expiry.
func (m *Manager) GrantBypass(ctx context.Context, host string, nowMillis int64, ttl time.Duration) (types.ExceptionEntry, error) {
	key, err := hostname.Normalize(host)
	if err != nil {
		return types.ExceptionEntry{}, errors.NewPermanentf("grant bypass: %w", err)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	entry := types.NewException(key, nowMillis, ttl)
	if err := m.cache.UpsertException(ctx, entry); err != nil {
		return types.ExceptionEntry{}, fmt.Errorf("grant bypass for %s: %w", key, err)
	}

	m.metrics.BypassGrants.Inc()
	m.logger.Info("bypass granted",
		"hostname", key,
		"expires_at", types.FromEpochMillis(entry.ExpiresAtEpochMillis))
	return entry, nil
}

// RevokeBypass removes the exception stored for exactly host, regardless
// of its expiry. It reports whether one existed.
func (m *Manager) RevokeBypass(ctx context.Context, host string) (bool, error) {
	key, err := hostname.Normalize(host)
	if err != nil {
		return false, errors.NewPermanentf("revoke bypass: %w", err)
	}

	removed, err := m.cache.RemoveException(ctx, key)
	if err != nil {
		return false, fmt.Errorf("revoke bypass for %s: %w", key, err)
	}
	if removed {
		m.metrics.BypassRevokes.Inc()
		m.logger.Info("bypass revoked", "hostname", key)
	}
	return removed, nil
}

// Unlock verifies req.PIN and, when valid, grants a bypass for the
// restriction req identifies. A rejected PIN returns ErrVerificationFailed
// and changes nothing. Remote persistence is best effort: a failed enqueue
// never rolls back the grant.
func (m *Manager) Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	host := req.Hostname
	if host == "" && req.RestrictionID > 0 && req.OriginalURL != "" {
		// The block page carries the blocked URL rather than a host.
		if key, err := hostname.Normalize(req.OriginalURL); err == nil {
			host = key
		}
	}

	record, err := m.resolve(host, req.RestrictionID)
	if err != nil {
		return UnlockResult{}, err
	}

	valid, err := m.verifier.Verify(ctx, req.PIN)
	if err != nil {
		return UnlockResult{}, fmt.Errorf("verify credential: %w", err)
	}
	if !valid {
		m.metrics.VerificationFailures.Inc()
		m.logger.Info("unlock rejected", "restriction_id", record.ID, "hostname", record.HostnameKey)
		return UnlockResult{}, errors.NewPermanentf("unlock %s: %w", record.HostnameKey, errors.ErrVerificationFailed)
	}

	now := m.clock.Now()
	entry, err := m.GrantBypass(ctx, record.HostnameKey, types.ToEpochMillis(now), m.ttl)
	if err != nil {
		return UnlockResult{}, err
	}

	result := UnlockResult{Exception: entry, RestrictionID: record.ID}
	if req.Persist {
		result.Persisted = m.enqueue(ctx, record.ID, false, now)
	}
	if req.TabID != nil && req.OriginalURL != "" && m.tabs != nil {
		m.tabs.Redirect(*req.TabID, req.OriginalURL)
		result.Redirected = true
	}
	return result, nil
}

// Relock removes every exception covering host, so the restriction governs
// it again immediately. With persist set, the remote directory is asked to
// reactivate the restriction.
func (m *Manager) Relock(ctx context.Context, host string, persist bool) (RelockResult, error) {
	key, err := hostname.Normalize(host)
	if err != nil {
		return RelockResult{}, errors.NewPermanentf("relock: %w", err)
	}

	covering := make(map[string]struct{})
	for _, suffix := range hostname.Suffixes(key) {
		covering[suffix] = struct{}{}
	}

	removed, err := m.cache.PruneExceptions(ctx, func(e types.ExceptionEntry) bool {
		_, hit := covering[e.HostnameKey]
		return !hit
	})
	if err != nil {
		return RelockResult{}, fmt.Errorf("relock %s: %w", key, err)
	}

	result := RelockResult{Removed: removed}
	if result.Removed == nil {
		result.Removed = []types.ExceptionEntry{}
	}
	for range removed {
		m.metrics.BypassRevokes.Inc()
	}
	m.logger.Info("relocked", "hostname", key, "removed", len(removed))

	if !persist {
		return result, nil
	}

	// The restriction may be inactive remotely after a persistent unlock,
	// so look it up regardless of its active flag.
	record, ok := m.lookupAny(key)
	if !ok {
		return result, nil
	}
	result.RestrictionID = record.ID
	result.Persisted = m.enqueue(ctx, record.ID, true, m.clock.Now())
	return result, nil
}

// resolve finds the restriction an unlock targets. With an ID and a host,
// the record for that ID covering the host is chosen, since one remote
// restriction is stored once per hostname.
func (m *Manager) resolve(host string, id int64) (types.RestrictionRecord, error) {
	if id <= 0 && host == "" {
		return types.RestrictionRecord{}, errors.NewPermanentf("%w: hostname or restriction id required", errors.ErrInvalidInput)
	}

	var key string
	if host != "" {
		normalized, err := hostname.Normalize(host)
		if err != nil {
			return types.RestrictionRecord{}, errors.NewPermanentf("unlock: %w", err)
		}
		key = normalized
	}

	if id > 0 {
		record, ok := m.cache.RestrictionByID(id, key)
		if !ok {
			return types.RestrictionRecord{}, errors.NewPermanentf("restriction %d for %q: %w", id, key, errors.ErrNotFound)
		}
		return record, nil
	}

	record, ok := m.cache.Lookup(key)
	if !ok {
		return types.RestrictionRecord{}, errors.NewPermanentf("no active restriction for %s: %w", key, errors.ErrNotFound)
	}
	return record, nil
}

func (m *Manager) lookupAny(key string) (types.RestrictionRecord, bool) {
	if record, ok := m.cache.Lookup(key); ok {
		return record, true
	}
	for _, suffix := range hostname.Suffixes(key) {
		if record, ok := m.cache.ReadRestriction(suffix); ok {
			return record, true
		}
	}
	return types.RestrictionRecord{}, false
}

func (m *Manager) enqueue(ctx context.Context, id int64, active bool, now time.Time) bool {
	if m.queue == nil {
		m.logger.Warn("remote status update requested but no update queue configured", "restriction_id", id)
		return false
	}
	if err := m.queue.Enqueue(ctx, queue.NewUpdateTask(id, active, now)); err != nil {
		m.logger.Warn("failed to enqueue directory update",
			"restriction_id", id,
			"active", active,
			"error", err)
		return false
	}
	return true
}

// IsVerificationFailure reports whether err is a rejected credential.
func IsVerificationFailure(err error) bool {
	return stderrors.Is(err, errors.ErrVerificationFailed)
}
