// Package cache owns the persisted restriction set, exception set, sync
// metadata and bearer credential. It is the only writer of those keys.
//
// Reads used on the navigation path are served from an immutable in-memory
// index that is swapped only after the corresponding persisted write has
// succeeded, so a reader always sees the most recently completed write.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/hostname"
	"github.com/daimoniac/sitelock/internal/kvstore"
	"github.com/daimoniac/sitelock/internal/types"
)

// Persisted keys. Each is independently readable and writable.
const (
	KeyRestrictions = "restrictions"
	KeyExceptions   = "exceptions"
	KeySyncMetadata = "sync_metadata"
	KeyCredential   = "auth_token"
)

type index struct {
	restrictions []types.RestrictionRecord
	byHost       map[string]types.RestrictionRecord
	exceptions   map[string]types.ExceptionEntry
}

func newIndex(records []types.RestrictionRecord, exceptions []types.ExceptionEntry) *index {
	idx := &index{
		restrictions: records,
		byHost:       make(map[string]types.RestrictionRecord, len(records)),
		exceptions:   make(map[string]types.ExceptionEntry, len(exceptions)),
	}
	for _, r := range records {
		current, ok := idx.byHost[r.HostnameKey]
		// Active records win; among equals the lowest ID wins.
		if !ok || (r.IsActive && !current.IsActive) || (r.IsActive == current.IsActive && r.ID < current.ID) {
			idx.byHost[r.HostnameKey] = r
		}
	}
	for _, e := range exceptions {
		idx.exceptions[e.HostnameKey] = e
	}
	return idx
}

// LocalCache is the authoritative local decision cache.
type LocalCache struct {
	store  kvstore.Store
	logger *slog.Logger

	writeMu sync.Mutex
	idx     atomic.Pointer[index]

	ownMu sync.Mutex
	own   map[string][]byte
}

// New creates a cache over store and loads whatever is already persisted.
// A first run with no data yields an empty cache.
func New(ctx context.Context, store kvstore.Store, logger *slog.Logger) (*LocalCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &LocalCache{
		store:  store,
		logger: logger,
		own:    make(map[string][]byte),
	}
	c.idx.Store(newIndex(nil, nil))

	if _, err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rebuilds the in-memory index from the store and reports whether the
// data readers see has changed. Another process writing the same store is
// only picked up through Reload.
func (c *LocalCache) Reload(ctx context.Context) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	records, err := c.loadRestrictions(ctx)
	if err != nil {
		return false, err
	}
	exceptions, err := c.loadExceptions(ctx)
	if err != nil {
		return false, err
	}
	types.SortRestrictions(records)
	types.SortExceptions(exceptions)

	current := c.idx.Load()
	changed := !types.EqualRestrictions(current.restrictions, records) ||
		!types.EqualExceptions(current.exceptionList(), exceptions)
	if changed {
		c.idx.Store(newIndex(records, exceptions))
	}
	return changed, nil
}

// ReplaceRestrictions atomically replaces the whole restriction set and
// reports whether the set readers see changed. An identical persisted set is
// not rewritten, but the index still adopts it when it was stale.
func (c *LocalCache) ReplaceRestrictions(ctx context.Context, records []types.RestrictionRecord) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := cloneRestrictions(records)
	types.SortRestrictions(next)

	written, err := c.writeJSON(ctx, KeyRestrictions, next)
	if err != nil {
		return false, fmt.Errorf("replace restrictions: %w", err)
	}

	current := c.idx.Load()
	if !written && types.EqualRestrictions(current.restrictions, next) {
		return false, nil
	}
	if !written {
		c.logger.Info("restriction index was stale, adopting persisted set",
			"restrictions", len(next))
	}
	c.idx.Store(newIndex(next, current.exceptionList()))
	return true, nil
}

// ReadRestriction returns the record stored for exactly hostnameKey.
func (c *LocalCache) ReadRestriction(hostnameKey string) (types.RestrictionRecord, bool) {
	r, ok := c.idx.Load().byHost[hostnameKey]
	return r, ok
}

// Restrictions returns a copy of the current restriction set.
func (c *LocalCache) Restrictions() []types.RestrictionRecord {
	return cloneRestrictions(c.idx.Load().restrictions)
}

// RestrictionByID returns a record carrying id. One remote restriction
// yields a record per hostname, so a non-empty hostnameKey limits the
// candidates to records covering it and the most specific one wins. Active
// records are preferred; otherwise the first in hostname order is returned.
func (c *LocalCache) RestrictionByID(id int64, hostnameKey string) (types.RestrictionRecord, bool) {
	var found types.RestrictionRecord
	ok := false
	for _, r := range c.idx.Load().restrictions {
		if r.ID != id {
			continue
		}
		if hostnameKey != "" && !hostname.Matches(hostnameKey, r.HostnameKey) {
			continue
		}
		switch {
		case !ok:
		case r.IsActive != found.IsActive:
			if !r.IsActive {
				continue
			}
		case hostnameKey == "" || len(r.HostnameKey) <= len(found.HostnameKey):
			continue
		}
		found, ok = r, true
	}
	return found, ok
}

// Lookup returns the active restriction governing hostnameKey: the record
// for the host itself or for the nearest parent domain.
func (c *LocalCache) Lookup(hostnameKey string) (types.RestrictionRecord, bool) {
	return c.idx.Load().lookup(hostnameKey)
}

func (idx *index) lookup(hostnameKey string) (types.RestrictionRecord, bool) {
	for _, suffix := range hostname.Suffixes(hostnameKey) {
		if r, ok := idx.byHost[suffix]; ok && r.IsActive {
			return r, true
		}
	}
	return types.RestrictionRecord{}, false
}

// IsEnforced reports whether hostnameKey is blocked at nowMillis: an active
// restriction governs it and no valid exception covers it.
func (c *LocalCache) IsEnforced(hostnameKey string, nowMillis int64) bool {
	_, enforced := c.Enforcement(hostnameKey, nowMillis)
	return enforced
}

// Enforcement is IsEnforced that also returns the governing restriction.
func (c *LocalCache) Enforcement(hostnameKey string, nowMillis int64) (types.RestrictionRecord, bool) {
	idx := c.idx.Load()

	record, ok := idx.lookup(hostnameKey)
	if !ok {
		return types.RestrictionRecord{}, false
	}

	for _, suffix := range hostname.Suffixes(hostnameKey) {
		e, ok := idx.exceptions[suffix]
		if !ok || !e.ValidAt(nowMillis) {
			continue
		}
		// An exception only counts while its own host still maps to an
		// active restriction.
		if _, active := idx.lookup(e.HostnameKey); active {
			return record, false
		}
	}
	return record, true
}

// ListExceptions returns the current exception set.
func (c *LocalCache) ListExceptions() []types.ExceptionEntry {
	return c.exceptionList()
}

func (c *LocalCache) exceptionList() []types.ExceptionEntry {
	return c.idx.Load().exceptionList()
}

func (idx *index) exceptionList() []types.ExceptionEntry {
	out := make([]types.ExceptionEntry, 0, len(idx.exceptions))
	for _, e := range idx.exceptions {
		out = append(out, e)
	}
	types.SortExceptions(out)
	return out
}

// UpsertException inserts or replaces the exception for entry.HostnameKey.
func (c *LocalCache) UpsertException(ctx context.Context, entry types.ExceptionEntry) error {
	if entry.HostnameKey == "" {
		return errors.NewPermanentf("upsert exception: empty hostname: %w", errors.ErrInvalidHostname)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.loadExceptions(ctx)
	if err != nil {
		return err
	}

	next := make([]types.ExceptionEntry, 0, len(current)+1)
	for _, e := range current {
		if e.HostnameKey != entry.HostnameKey {
			next = append(next, e)
		}
	}
	next = append(next, entry)

	return c.commitExceptions(ctx, next)
}

// RemoveException deletes the exception for hostnameKey. It reports whether
// one existed.
func (c *LocalCache) RemoveException(ctx context.Context, hostnameKey string) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.loadExceptions(ctx)
	if err != nil {
		return false, err
	}

	next := make([]types.ExceptionEntry, 0, len(current))
	for _, e := range current {
		if e.HostnameKey != hostnameKey {
			next = append(next, e)
		}
	}
	if len(next) == len(current) {
		return false, nil
	}

	if err := c.commitExceptions(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// PruneExceptions removes every persisted exception for which keep returns
// false and returns the removed entries. Read and write happen under the
// write lock so a grant made concurrently is never lost.
func (c *LocalCache) PruneExceptions(ctx context.Context, keep func(types.ExceptionEntry) bool) ([]types.ExceptionEntry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.loadExceptions(ctx)
	if err != nil {
		return nil, err
	}

	var removed []types.ExceptionEntry
	next := make([]types.ExceptionEntry, 0, len(current))
	for _, e := range current {
		if keep(e) {
			next = append(next, e)
		} else {
			removed = append(removed, e)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := c.commitExceptions(ctx, next); err != nil {
		return nil, err
	}
	return removed, nil
}

func (c *LocalCache) commitExceptions(ctx context.Context, next []types.ExceptionEntry) error {
	types.SortExceptions(next)
	written, err := c.writeJSON(ctx, KeyExceptions, next)
	if err != nil {
		return fmt.Errorf("write exceptions: %w", err)
	}
	current := c.idx.Load()
	if written || !types.EqualExceptions(current.exceptionList(), next) {
		c.idx.Store(newIndex(current.restrictions, next))
	}
	return nil
}

// SyncMetadata returns the persisted metadata, or the zero value on first run.
func (c *LocalCache) SyncMetadata(ctx context.Context) (types.SyncMetadata, error) {
	var meta types.SyncMetadata
	if _, err := c.readJSON(ctx, KeySyncMetadata, &meta); err != nil {
		return types.SyncMetadata{}, err
	}
	return meta, nil
}

// WriteSyncMetadata persists meta.
func (c *LocalCache) WriteSyncMetadata(ctx context.Context, meta types.SyncMetadata) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writeJSON(ctx, KeySyncMetadata, meta); err != nil {
		return fmt.Errorf("write sync metadata: %w", err)
	}
	return nil
}

// Credential returns the stored bearer credential, or "" when signed out.
func (c *LocalCache) Credential(ctx context.Context) (string, error) {
	value, found, err := c.store.Get(ctx, KeyCredential)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return string(value), nil
}

// SetCredential stores the bearer credential.
func (c *LocalCache) SetCredential(ctx context.Context, token string) error {
	if token == "" {
		return errors.NewPermanentf("set credential: empty token: %w", errors.ErrInvalidInput)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writeRaw(ctx, KeyCredential, []byte(token)); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// ClearCredential removes the bearer credential.
func (c *LocalCache) ClearCredential(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ownMu.Lock()
	previous, hadPrevious := c.own[KeyCredential]
	c.own[KeyCredential] = nil
	c.ownMu.Unlock()

	if err := c.store.Remove(ctx, KeyCredential); err != nil {
		c.restoreOwn(KeyCredential, previous, hadPrevious)
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Watch consumes store change notifications until ctx is done. A change to
// the restriction or exception data that this cache did not write reloads
// the index and is reported to onExternal.
func (c *LocalCache) Watch(ctx context.Context, onExternal func(key string)) {
	changes, cancel := c.store.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Key != KeyRestrictions && change.Key != KeyExceptions {
				continue
			}
			if c.isOwnWrite(change) {
				continue
			}

			c.logger.Info("external change to cached data detected",
				"key", change.Key,
				"removed", change.Removed)

			if _, err := c.Reload(ctx); err != nil {
				c.logger.Error("failed to reload cache after external change",
					"key", change.Key,
					"error", err)
			}
			if onExternal != nil {
				onExternal(change.Key)
			}
		}
	}
}

// isOwnWrite matches change against the last value this cache wrote for the
// key. A nil entry records a removal.
func (c *LocalCache) isOwnWrite(change kvstore.Change) bool {
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	own, ok := c.own[change.Key]
	if !ok {
		return false
	}
	if change.Removed {
		return own == nil
	}
	return own != nil && bytes.Equal(own, change.Value)
}

func (c *LocalCache) restoreOwn(key string, previous []byte, hadPrevious bool) {
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	if hadPrevious {
		c.own[key] = previous
	} else {
		delete(c.own, key)
	}
}

func (c *LocalCache) loadRestrictions(ctx context.Context) ([]types.RestrictionRecord, error) {
	records := []types.RestrictionRecord{}
	if _, err := c.readJSON(ctx, KeyRestrictions, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *LocalCache) loadExceptions(ctx context.Context) ([]types.ExceptionEntry, error) {
	entries := []types.ExceptionEntry{}
	if _, err := c.readJSON(ctx, KeyExceptions, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *LocalCache) readJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.NewPermanentf("decode %s: %w", key, err)
	}
	return true, nil
}

// writeJSON must be called with writeMu held.
func (c *LocalCache) writeJSON(ctx context.Context, key string, v any) (bool, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return false, errors.NewPermanentf("encode %s: %w", key, err)
	}
	return c.writeRaw(ctx, key, encoded)
}

// writeRaw compares against the persisted value and skips identical writes
// so no change notification is emitted for them. Must hold writeMu.
func (c *LocalCache) writeRaw(ctx context.Context, key string, encoded []byte) (bool, error) {
	current, found, err := c.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found && bytes.Equal(current, encoded) {
		return false, nil
	}

	c.ownMu.Lock()
	previous, hadPrevious := c.own[key]
	c.own[key] = encoded
	c.ownMu.Unlock()

	if err := c.store.Set(ctx, key, encoded); err != nil {
		c.restoreOwn(key, previous, hadPrevious)
		return false, err
	}
	return true, nil
}

func cloneRestrictions(in []types.RestrictionRecord) []types.RestrictionRecord {
	out := make([]types.RestrictionRecord, len(in))
	copy(out, in)
	return out
}
