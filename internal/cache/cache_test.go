package cache

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/kvstore"
	"github.com/daimoniac/sitelock/internal/types"
)

func newTestCache(t *testing.T) (*LocalCache, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	c, err := New(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return c, store
}

func TestNew_EmptyStore(t *testing.T) {
	c, _ := newTestCache(t)

	if got := c.Restrictions(); len(got) != 0 {
		t.Errorf("Expected no restrictions on first run, got %d", len(got))
	}
	if got := c.ListExceptions(); len(got) != 0 {
		t.Errorf("Expected no exceptions on first run, got %d", len(got))
	}

	meta, err := c.SyncMetadata(context.Background())
	if err != nil {
		t.Fatalf("SyncMetadata failed: %v", err)
	}
	if meta != (types.SyncMetadata{}) {
		t.Errorf("Expected zero metadata, got %+v", meta)
	}

	token, err := c.Credential(context.Background())
	if err != nil || token != "" {
		t.Errorf("Expected no credential, got %q err=%v", token, err)
	}
}

func TestNew_LoadsPersistedState(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	first, err := New(ctx, store, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := first.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "example.com", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	second, err := New(ctx, store, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := second.ReadRestriction("example.com"); !ok {
		t.Error("Expected restriction to survive a restart")
	}
}

func TestReplaceRestrictions_Idempotent(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)

	records := []types.RestrictionRecord{
		{ID: 2, HostnameKey: "b.com", IsActive: true},
		{ID: 1, HostnameKey: "a.com", IsActive: true},
	}

	changed, err := c.ReplaceRestrictions(ctx, records)
	if err != nil || !changed {
		t.Fatalf("Expected first write to change state: changed=%v err=%v", changed, err)
	}
	writes := store.Writes()

	reordered := []types.RestrictionRecord{records[1], records[0]}
	changed, err = c.ReplaceRestrictions(ctx, reordered)
	if err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}
	if changed {
		t.Error("Expected identical set in a different order to be a no-op")
	}
	if store.Writes() != writes {
		t.Errorf("Expected no store writes, got %d new", store.Writes()-writes)
	}
}

func TestReplaceRestrictions_StoreFailure(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "old.com", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	store.SetFailure(stderrors.New("quota exceeded"))

	_, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 2, HostnameKey: "new.com", IsActive: true},
	})
	if !stderrors.Is(err, errors.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}

	if _, ok := c.ReadRestriction("old.com"); !ok {
		t.Error("Expected in-memory state to be untouched after a failed write")
	}
	if _, ok := c.ReadRestriction("new.com"); ok {
		t.Error("Expected failed write not to be visible")
	}
}

func TestLookup_Subdomains(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "example.com", IsActive: true},
		{ID: 2, HostnameKey: "paused.org", IsActive: false},
		{ID: 3, HostnameKey: "shop.example.com", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	tests := []struct {
		host   string
		wantID int64
		found  bool
	}{
		{"example.com", 1, true},
		{"a.b.example.com", 1, true},
		{"shop.example.com", 3, true},
		{"cart.shop.example.com", 3, true},
		{"notexample.com", 0, false},
		{"paused.org", 0, false},
		{"other.net", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r, ok := c.Lookup(tt.host)
			if ok != tt.found {
				t.Fatalf("Lookup(%s) found=%v, want %v", tt.host, ok, tt.found)
			}
			if ok && r.ID != tt.wantID {
				t.Errorf("Lookup(%s) ID=%d, want %d", tt.host, r.ID, tt.wantID)
			}
		})
	}
}

func TestReadRestriction_DuplicateHostPrefersActive(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "example.com", IsActive: false},
		{ID: 7, HostnameKey: "example.com", IsActive: true},
		{ID: 9, HostnameKey: "example.com", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	r, ok := c.ReadRestriction("example.com")
	if !ok || r.ID != 7 || !r.IsActive {
		t.Errorf("Expected active record with lowest ID, got %+v", r)
	}
}

func TestIsEnforced(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "example.com", IsActive: true},
		{ID: 2, HostnameKey: "news.org", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	if !c.IsEnforced("example.com", now) {
		t.Error("Expected restricted host to be enforced")
	}
	if !c.IsEnforced("shop.example.com", now) {
		t.Error("Expected subdomain to be enforced")
	}
	if c.IsEnforced("unrelated.com", now) {
		t.Error("Expected unrelated host not to be enforced")
	}

	if err := c.UpsertException(ctx, types.NewException("example.com", now, time.Minute)); err != nil {
		t.Fatalf("UpsertException failed: %v", err)
	}

	if c.IsEnforced("example.com", now) {
		t.Error("Expected valid exception to lift enforcement")
	}
	if c.IsEnforced("shop.example.com", now) {
		t.Error("Expected exception to cover subdomains")
	}
	if !c.IsEnforced("news.org", now) {
		t.Error("Expected exception to be scoped to its own host")
	}

	expiry := now + time.Minute.Milliseconds()
	if !c.IsEnforced("example.com", expiry) {
		t.Error("Expected exception to lapse exactly at its expiry")
	}
}

func TestIsEnforced_ExceptionIgnoredWhenRestrictionInactive(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	now := int64(1_700_000_000_000)

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "shop.example.com", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}
	// An exception for the parent does not map to any active restriction.
	if err := c.UpsertException(ctx, types.NewException("example.com", now, time.Hour)); err != nil {
		t.Fatalf("UpsertException failed: %v", err)
	}

	if !c.IsEnforced("shop.example.com", now) {
		t.Error("Expected orphaned exception to have no effect")
	}
}

func TestExceptions_UpsertRemove(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)

	if err := c.UpsertException(ctx, types.ExceptionEntry{HostnameKey: "a.com", ExpiresAtEpochMillis: 100}); err != nil {
		t.Fatalf("UpsertException failed: %v", err)
	}
	if err := c.UpsertException(ctx, types.ExceptionEntry{HostnameKey: "a.com", ExpiresAtEpochMillis: 200}); err != nil {
		t.Fatalf("UpsertException failed: %v", err)
	}

	list := c.ListExceptions()
	if len(list) != 1 || list[0].ExpiresAtEpochMillis != 200 {
		t.Fatalf("Expected one replaced entry, got %+v", list)
	}

	reopened, err := New(ctx, store, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if persisted := reopened.ListExceptions(); !types.EqualExceptions(persisted, list) {
		t.Errorf("Persisted %+v differs from in-memory %+v", persisted, list)
	}

	writes := store.Writes()
	removed, err := c.RemoveException(ctx, "missing.com")
	if err != nil || removed {
		t.Errorf("Expected removing a missing entry to be a no-op: removed=%v err=%v", removed, err)
	}
	if store.Writes() != writes {
		t.Error("Expected no write for a missing entry")
	}

	removed, err = c.RemoveException(ctx, "a.com")
	if err != nil || !removed {
		t.Fatalf("Expected entry to be removed: removed=%v err=%v", removed, err)
	}
	if len(c.ListExceptions()) != 0 {
		t.Error("Expected no exceptions after removal")
	}
}

func TestUpsertException_RejectsEmptyHost(t *testing.T) {
	c, _ := newTestCache(t)
	err := c.UpsertException(context.Background(), types.ExceptionEntry{ExpiresAtEpochMillis: 1})
	if !stderrors.Is(err, errors.ErrInvalidHostname) {
		t.Errorf("Expected ErrInvalidHostname, got %v", err)
	}
}

func TestCredential(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if err := c.SetCredential(ctx, "tok-123"); err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}
	got, err := c.Credential(ctx)
	if err != nil || got != "tok-123" {
		t.Errorf("Credential = %q err=%v", got, err)
	}

	if err := c.ClearCredential(ctx); err != nil {
		t.Fatalf("ClearCredential failed: %v", err)
	}
	got, _ = c.Credential(ctx)
	if got != "" {
		t.Errorf("Expected credential cleared, got %q", got)
	}

	if err := c.SetCredential(ctx, ""); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty token, got %v", err)
	}
}

func TestWatch_ExternalChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, store := newTestCache(t)

	var external atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Watch(ctx, func(key string) { external.Add(1) })
	}()

	// Let the watcher subscribe before writing.
	time.Sleep(20 * time.Millisecond)

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 1, HostnameKey: "own.com", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	if err := store.Set(ctx, KeyRestrictions, []byte(`[{"id":5,"hostname_key":"external.com","is_active":true}]`)); err != nil {
		t.Fatalf("external Set failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for external.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := external.Load(); got != 1 {
		t.Fatalf("Expected exactly one external change, got %d", got)
	}
	if _, ok := c.ReadRestriction("external.com"); !ok {
		t.Error("Expected cache to reload after external change")
	}

	cancel()
	<-done
}

func TestRestrictionByID_PicksRecordCoveringHost(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if _, err := c.ReplaceRestrictions(ctx, []types.RestrictionRecord{
		{ID: 5, HostnameKey: "example.com", IsActive: true},
		{ID: 5, HostnameKey: "example.org", IsActive: true},
		{ID: 5, HostnameKey: "shop.example.org", IsActive: true},
		{ID: 6, HostnameKey: "other.net", IsActive: true},
	}); err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}

	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{host: "", want: "example.com", ok: true},
		{host: "example.org", want: "example.org", ok: true},
		{host: "a.example.org", want: "example.org", ok: true},
		{host: "cart.shop.example.org", want: "shop.example.org", ok: true},
		{host: "other.net", ok: false},
	}

	for _, tt := range tests {
		got, ok := c.RestrictionByID(5, tt.host)
		if ok != tt.ok {
			t.Errorf("RestrictionByID(5, %q) found=%v, want %v", tt.host, ok, tt.ok)
			continue
		}
		if ok && got.HostnameKey != tt.want {
			t.Errorf("RestrictionByID(5, %q) = %s, want %s", tt.host, got.HostnameKey, tt.want)
		}
	}
}

func TestReplaceRestrictions_AdoptsSetWrittenByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	openCache := func() *LocalCache {
		store, err := kvstore.NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		c, err := New(ctx, store, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return c
	}

	serve := openCache()
	cli := openCache()

	records := []types.RestrictionRecord{{ID: 1, HostnameKey: "example.com", IsActive: true}}
	if changed, err := cli.ReplaceRestrictions(ctx, records); err != nil || !changed {
		t.Fatalf("Expected CLI write to change state: changed=%v err=%v", changed, err)
	}
	if serve.IsEnforced("example.com", 0) {
		t.Fatal("Expected serve index to be stale before it syncs")
	}

	changed, err := serve.ReplaceRestrictions(ctx, records)
	if err != nil {
		t.Fatalf("ReplaceRestrictions failed: %v", err)
	}
	if !changed {
		t.Error("Expected stale index refresh to be reported as a change")
	}
	if !serve.IsEnforced("example.com", 0) {
		t.Error("Expected persisted restriction to be enforced after sync")
	}

	if changed, _ := serve.ReplaceRestrictions(ctx, records); changed {
		t.Error("Expected a second identical sync to be a no-op")
	}
}

func TestReload_ReportsChanges(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)

	changed, err := c.Reload(ctx)
	if err != nil || changed {
		t.Fatalf("Expected reload of unchanged store to be a no-op: changed=%v err=%v", changed, err)
	}

	if err := store.Set(ctx, KeyExceptions, []byte(`[{"hostname_key":"a.com","expires_at_epoch_millis":100}]`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	changed, err = c.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("Expected reload to pick up the external exception: changed=%v err=%v", changed, err)
	}
	if len(c.ListExceptions()) != 1 {
		t.Errorf("Expected one exception after reload, got %+v", c.ListExceptions())
	}
}

func TestWatch_ExternalRemoval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, store := newTestCache(t)
	if err := c.UpsertException(ctx, types.ExceptionEntry{HostnameKey: "a.com", ExpiresAtEpochMillis: 100}); err != nil {
		t.Fatalf("UpsertException failed: %v", err)
	}

	keys := make(chan string, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Watch(ctx, func(key string) { keys <- key })
	}()
	time.Sleep(20 * time.Millisecond)

	// Removing the credential is an own removal; removing exceptions is not.
	if err := c.SetCredential(ctx, "token"); err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}
	if err := c.ClearCredential(ctx); err != nil {
		t.Fatalf("ClearCredential failed: %v", err)
	}
	if err := store.Remove(ctx, KeyExceptions); err != nil {
		t.Fatalf("external Remove failed: %v", err)
	}

	select {
	case key := <-keys:
		if key != KeyExceptions {
			t.Errorf("Expected external change on %s, got %s", KeyExceptions, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for external removal")
	}
	if len(c.ListExceptions()) != 0 {
		t.Error("Expected cache to reload after external removal")
	}

	cancel()
	<-done
}

func TestIsOwnWrite_Removals(t *testing.T) {
	c, _ := newTestCache(t)

	if c.isOwnWrite(kvstore.Change{Key: KeyExceptions, Removed: true}) {
		t.Error("Expected removal of a key never written here to be external")
	}

	if err := c.UpsertException(context.Background(), types.ExceptionEntry{HostnameKey: "a.com", ExpiresAtEpochMillis: 1}); err != nil {
		t.Fatalf("UpsertException failed: %v", err)
	}
	if c.isOwnWrite(kvstore.Change{Key: KeyExceptions, Removed: true}) {
		t.Error("Expected removal after an own Set to be external")
	}

	if err := c.SetCredential(context.Background(), "t"); err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}
	if err := c.ClearCredential(context.Background()); err != nil {
		t.Fatalf("ClearCredential failed: %v", err)
	}
	if !c.isOwnWrite(kvstore.Change{Key: KeyCredential, Removed: true}) {
		t.Error("Expected own credential removal to be recognized")
	}
}
