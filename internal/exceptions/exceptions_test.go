package exceptions

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimoniac/sitelock/internal/cache"
	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/kvstore"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/queue"
	"github.com/daimoniac/sitelock/internal/tabs"
	"github.com/daimoniac/sitelock/internal/types"
	"github.com/daimoniac/sitelock/internal/verifier"
)

type fakeVerifier struct {
	valid bool
	err   error
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, pin string) (bool, error) {
	f.calls++
	return f.valid, f.err
}

type fixture struct {
	manager *Manager
	cache   *cache.LocalCache
	store   *kvstore.MemoryStore
	queue   *queue.InMemoryQueue
	clock   *clockwork.FakeClock
	tabs    *tabs.Tracker
}

func newFixture(t *testing.T, v verifier.Verifier, records ...types.RestrictionRecord) *fixture {
	t.Helper()
	ctx := context.Background()

	store := kvstore.NewMemoryStore()
	c, err := cache.New(ctx, store, observability.NopLogger())
	require.NoError(t, err)
	if len(records) > 0 {
		_, err = c.ReplaceRestrictions(ctx, records)
		require.NoError(t, err)
	}

	q := queue.NewInMemoryQueue(10)
	t.Cleanup(func() { _ = q.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	tracker := tabs.NewTracker()

	m := NewManager(c, v, observability.NopLogger(),
		WithClock(clock),
		WithQueue(q),
		WithTabs(tracker),
	)
	return &fixture{manager: m, cache: c, store: store, queue: q, clock: clock, tabs: tracker}
}

func TestGrantBypass_PrecedenceAndExpiry(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, types.RestrictionRecord{ID: 1, HostnameKey: "example.com", IsActive: true})
	ctx := context.Background()
	t0 := int64(1_000_000)

	entry, err := f.manager.GrantBypass(ctx, "https://www.Example.com/path", t0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "example.com", entry.HostnameKey)
	assert.Equal(t, t0+1000, entry.ExpiresAtEpochMillis)

	assert.False(t, f.cache.IsEnforced("example.com", t0+500))
	assert.True(t, f.cache.IsEnforced("example.com", t0+1500))
}

func TestGrantBypass_Idempotent(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()

	_, err := f.manager.GrantBypass(ctx, "example.com", 100, time.Second)
	require.NoError(t, err)
	_, err = f.manager.GrantBypass(ctx, "example.com", 200, time.Second)
	require.NoError(t, err)

	list := f.cache.ListExceptions()
	require.Len(t, list, 1)
	assert.Equal(t, int64(1200), list[0].ExpiresAtEpochMillis)
}

func TestGrantBypass_DefaultTTLAndInvalidHost(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()

	entry, err := f.manager.GrantBypass(ctx, "example.com", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL.Milliseconds(), entry.ExpiresAtEpochMillis)

	_, err = f.manager.GrantBypass(ctx, "http://", 0, time.Minute)
	assert.ErrorIs(t, err, errors.ErrInvalidHostname)
}

func TestRevokeBypass(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, types.RestrictionRecord{ID: 1, HostnameKey: "example.com", IsActive: true})
	ctx := context.Background()

	_, err := f.manager.GrantBypass(ctx, "example.com", 0, time.Hour)
	require.NoError(t, err)
	require.False(t, f.cache.IsEnforced("example.com", 10))

	removed, err := f.manager.RevokeBypass(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, f.cache.IsEnforced("example.com", 10), "revocation ignores remaining lifetime")

	removed, err = f.manager.RevokeBypass(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUnlock_VerificationFailedChangesNothing(t *testing.T) {
	v := &fakeVerifier{valid: false}
	f := newFixture(t, v, types.RestrictionRecord{ID: 1, HostnameKey: "example.com", IsActive: true})
	ctx := context.Background()
	writes := f.store.Writes()

	_, err := f.manager.Unlock(ctx, UnlockRequest{RestrictionID: 1, PIN: "0000", Persist: true})
	require.Error(t, err)
	assert.True(t, IsVerificationFailure(err))
	assert.Equal(t, 1, v.calls)
	assert.Equal(t, writes, f.store.Writes(), "no store writes")
	assert.Empty(t, f.cache.ListExceptions())

	depth, _ := f.queue.GetQueueDepth(ctx)
	assert.Zero(t, depth, "nothing enqueued")
}

func TestUnlock_VerifierErrorPropagates(t *testing.T) {
	v := &fakeVerifier{err: errors.NewTransientf("%w: status 502", errors.ErrNetwork)}
	f := newFixture(t, v, types.RestrictionRecord{ID: 1, HostnameKey: "example.com", IsActive: true})

	_, err := f.manager.Unlock(context.Background(), UnlockRequest{Hostname: "example.com", PIN: "1234"})
	require.ErrorIs(t, err, errors.ErrNetwork)
	assert.False(t, IsVerificationFailure(err))
	assert.Empty(t, f.cache.ListExceptions())
}

func TestUnlock_GrantsOnRestrictionHost(t *testing.T) {
	f := newFixture(t, &fakeVerifier{valid: true}, types.RestrictionRecord{ID: 7, HostnameKey: "example.com", IsActive: true})
	ctx := context.Background()
	now := types.ToEpochMillis(f.clock.Now())

	res, err := f.manager.Unlock(ctx, UnlockRequest{Hostname: "https://shop.example.com/cart", PIN: "1234"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.RestrictionID)
	assert.Equal(t, "example.com", res.Exception.HostnameKey)
	assert.Equal(t, now+DefaultTTL.Milliseconds(), res.Exception.ExpiresAtEpochMillis)
	assert.False(t, res.Persisted)

	assert.False(t, f.cache.IsEnforced("shop.example.com", now))
	assert.False(t, f.cache.IsEnforced("example.com", now))
}

func TestUnlock_MultiHostRestrictionGrantsOnBlockedHost(t *testing.T) {
	f := newFixture(t, &fakeVerifier{valid: true},
		types.RestrictionRecord{ID: 5, HostnameKey: "example.com", IsActive: true},
		types.RestrictionRecord{ID: 5, HostnameKey: "example.org", IsActive: true},
	)
	ctx := context.Background()
	now := types.ToEpochMillis(f.clock.Now())

	res, err := f.manager.Unlock(ctx, UnlockRequest{RestrictionID: 5, Hostname: "https://www.example.org/page", PIN: "1234"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RestrictionID)
	assert.Equal(t, "example.org", res.Exception.HostnameKey)

	assert.False(t, f.cache.IsEnforced("example.org", now))
	assert.True(t, f.cache.IsEnforced("example.com", now), "other hosts of the restriction stay locked")
}

func TestUnlock_RestrictionIDNotCoveringHost(t *testing.T) {
	v := &fakeVerifier{valid: true}
	f := newFixture(t, v,
		types.RestrictionRecord{ID: 5, HostnameKey: "example.com", IsActive: true},
		types.RestrictionRecord{ID: 6, HostnameKey: "other.net", IsActive: true},
	)

	_, err := f.manager.Unlock(context.Background(), UnlockRequest{RestrictionID: 5, Hostname: "other.net", PIN: "1234"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Zero(t, v.calls)
	assert.Empty(t, f.cache.ListExceptions())
}

func TestUnlock_PersistEnqueuesAndRedirects(t *testing.T) {
	f := newFixture(t, &fakeVerifier{valid: true}, types.RestrictionRecord{ID: 7, HostnameKey: "example.com", IsActive: true})
	ctx := context.Background()
	tab := 3

	res, err := f.manager.Unlock(ctx, UnlockRequest{
		RestrictionID: 7,
		PIN:           "1234",
		Persist:       true,
		OriginalURL:   "https://example.com/a",
		TabID:         &tab,
	})
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.True(t, res.Redirected)

	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), task.RestrictionID)
	assert.False(t, task.Active)

	cmds := f.tabs.DrainCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "https://example.com/a", cmds[0].URL)
}

func TestUnlock_PersistFailureKeepsGrant(t *testing.T) {
	f := newFixture(t, &fakeVerifier{valid: true}, types.RestrictionRecord{ID: 7, HostnameKey: "example.com", IsActive: true})
	require.NoError(t, f.queue.Close())

	res, err := f.manager.Unlock(context.Background(), UnlockRequest{RestrictionID: 7, PIN: "1234", Persist: true})
	require.NoError(t, err)
	assert.False(t, res.Persisted)
	assert.Len(t, f.cache.ListExceptions(), 1)
}

func TestUnlock_UnknownRestriction(t *testing.T) {
	v := &fakeVerifier{valid: true}
	f := newFixture(t, v, types.RestrictionRecord{ID: 1, HostnameKey: "example.com", IsActive: false})

	_, err := f.manager.Unlock(context.Background(), UnlockRequest{Hostname: "example.com", PIN: "1"})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = f.manager.Unlock(context.Background(), UnlockRequest{RestrictionID: 99, PIN: "1"})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = f.manager.Unlock(context.Background(), UnlockRequest{PIN: "1"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.Zero(t, v.calls, "verifier not consulted without a target")
}

func TestUnlock_BcryptVerifier(t *testing.T) {
	hash, err := verifier.HashPIN("2468")
	require.NoError(t, err)
	v, err := verifier.NewBcryptVerifier(hash)
	require.NoError(t, err)

	f := newFixture(t, v, types.RestrictionRecord{ID: 1, HostnameKey: "example.com", IsActive: true})

	_, err = f.manager.Unlock(context.Background(), UnlockRequest{RestrictionID: 1, PIN: "1357"})
	assert.True(t, stderrors.Is(err, errors.ErrVerificationFailed))

	_, err = f.manager.Unlock(context.Background(), UnlockRequest{RestrictionID: 1, PIN: "2468"})
	require.NoError(t, err)
}

func TestRelock_RemovesCoveringExceptions(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, types.RestrictionRecord{ID: 7, HostnameKey: "example.com", IsActive: true})
	ctx := context.Background()

	_, err := f.manager.GrantBypass(ctx, "example.com", 0, time.Hour)
	require.NoError(t, err)
	_, err = f.manager.GrantBypass(ctx, "other.org", 0, time.Hour)
	require.NoError(t, err)

	res, err := f.manager.Relock(ctx, "shop.example.com", true)
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, "example.com", res.Removed[0].HostnameKey)
	assert.Equal(t, int64(7), res.RestrictionID)
	assert.True(t, res.Persisted)

	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, task.Active)

	list := f.cache.ListExceptions()
	require.Len(t, list, 1)
	assert.Equal(t, "other.org", list[0].HostnameKey)
	assert.True(t, f.cache.IsEnforced("shop.example.com", 10))
}

func TestRelock_NothingToRemove(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})

	res, err := f.manager.Relock(context.Background(), "example.com", true)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.NotNil(t, res.Removed)
	assert.False(t, res.Persisted, "no known restriction to reactivate")
}

func TestWithTTL(t *testing.T) {
	m := NewManager(nil, nil, observability.NopLogger(), WithTTL(5*time.Minute))
	assert.Equal(t, 5*time.Minute, m.TTL())

	m = NewManager(nil, nil, observability.NopLogger(), WithTTL(0))
	assert.Equal(t, DefaultTTL, m.TTL())
}
