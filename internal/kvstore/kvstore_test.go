package kvstore

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStore_GetSetRemove(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := store.Get(ctx, "missing")
			if err != nil {
				t.Fatalf("Get on missing key failed: %v", err)
			}
			if found {
				t.Fatal("Expected missing key to be reported as not found")
			}

			if err := store.Set(ctx, "restrictions", []byte(`[1]`)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := store.Set(ctx, "restrictions", []byte(`[1,2]`)); err != nil {
				t.Fatalf("Second Set failed: %v", err)
			}

			value, found, err := store.Get(ctx, "restrictions")
			if err != nil || !found {
				t.Fatalf("Get failed: found=%v err=%v", found, err)
			}
			if string(value) != `[1,2]` {
				t.Errorf("Expected last write to win, got %s", value)
			}

			if err := store.Remove(ctx, "restrictions"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if _, found, _ := store.Get(ctx, "restrictions"); found {
				t.Error("Expected key to be gone after Remove")
			}

			if err := store.Remove(ctx, "restrictions"); err != nil {
				t.Errorf("Removing a missing key should not fail: %v", err)
			}
		})
	}
}

func TestStore_ChangeNotifications(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			changes, cancel := store.Subscribe(8)
			defer cancel()

			if err := store.Set(ctx, "exceptions", []byte(`[]`)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := store.Remove(ctx, "exceptions"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}

			got := collect(t, changes, 2)
			if got[0].Key != "exceptions" || got[0].Removed || string(got[0].Value) != `[]` {
				t.Errorf("Unexpected set change: %+v", got[0])
			}
			if got[1].Key != "exceptions" || !got[1].Removed {
				t.Errorf("Unexpected remove change: %+v", got[1])
			}
		})
	}
}

func TestSQLiteStore_ExternalChanges(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	local, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	defer local.Close()
	other, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to open second handle: %v", err)
	}
	defer other.Close()

	changes, cancel := local.Subscribe(8)
	defer cancel()

	if err := local.Set(ctx, "restrictions", []byte(`[1]`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	collect(t, changes, 1)

	if n, err := local.CheckExternalChanges(ctx); err != nil || n != 0 {
		t.Fatalf("Expected own write not to be republished: n=%d err=%v", n, err)
	}

	if err := other.Set(ctx, "exceptions", []byte(`[]`)); err != nil {
		t.Fatalf("Set through second handle failed: %v", err)
	}
	if err := other.Remove(ctx, "restrictions"); err != nil {
		t.Fatalf("Remove through second handle failed: %v", err)
	}

	n, err := local.CheckExternalChanges(ctx)
	if err != nil {
		t.Fatalf("CheckExternalChanges failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 external changes, got %d", n)
	}

	got := collect(t, changes, 2)
	var sawSet, sawRemove bool
	for _, c := range got {
		switch {
		case c.Key == "exceptions" && !c.Removed && string(c.Value) == `[]`:
			sawSet = true
		case c.Key == "restrictions" && c.Removed:
			sawRemove = true
		}
	}
	if !sawSet || !sawRemove {
		t.Errorf("Unexpected external changes: %+v", got)
	}

	if n, _ := local.CheckExternalChanges(ctx); n != 0 {
		t.Errorf("Expected no changes on a second check, got %d", n)
	}
}

func TestSQLiteStore_WatchExternal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "shared.db")

	local, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	defer local.Close()
	other, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to open second handle: %v", err)
	}
	defer other.Close()

	changes, unsubscribe := local.Subscribe(8)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		local.WatchExternal(ctx, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	if err := other.Set(ctx, "restrictions", []byte(`[7]`)); err != nil {
		t.Fatalf("Set through second handle failed: %v", err)
	}

	got := collect(t, changes, 1)
	if got[0].Key != "restrictions" || string(got[0].Value) != `[7]` {
		t.Errorf("Unexpected change: %+v", got[0])
	}

	cancel()
	<-done
}

func TestMemoryStore_Failure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetFailure(stderrors.New("disk full"))

	err := store.Set(ctx, "k", []byte("v"))
	if !stderrors.Is(err, errors.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := store.Get(ctx, "k"); !stderrors.Is(err, errors.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable on Get, got %v", err)
	}
	if store.Writes() != 0 {
		t.Errorf("Expected no writes to land, got %d", store.Writes())
	}

	store.SetFailure(nil)
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Expected store to recover: %v", err)
	}
}

func TestSubscribe_CancelAfterClose(t *testing.T) {
	store := NewMemoryStore()
	_, cancel := store.Subscribe(1)
	store.Close()
	cancel()
}

func collect(t *testing.T, ch <-chan Change, n int) []Change {
	t.Helper()
	out := make([]Change, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case c := <-ch:
			out = append(out, c)
		case <-timeout:
			t.Fatalf("Timed out waiting for %d changes, got %d", n, len(out))
		}
	}
	return out
}
