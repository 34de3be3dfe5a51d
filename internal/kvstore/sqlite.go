package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite. Writes made through this handle
// are published immediately; writes made by other processes sharing the file
// are published by CheckExternalChanges.
type SQLiteStore struct {
	db    *sql.DB
	bcast *broadcaster

	// mu orders local writes against the external change scan.
	mu    sync.Mutex
	known map[string][]byte
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _journal_mode=WAL: concurrent readers alongside the single writer
	// _busy_timeout=3000: wait up to 3 seconds for locks
	connStr := dbPath + "?mode=rwc&_journal_mode=WAL&_busy_timeout=3000"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.NewTransientf("failed to open sqlite database: %w: %w", errors.ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, bcast: newBroadcaster()}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewPermanentf("failed to initialize schema: %w: %w", errors.ErrStoreUnavailable, err)
	}

	known, err := store.snapshot(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	store.known = known

	return store, nil
}

// Close closes the database connection and releases subscribers
func (s *SQLiteStore) Close() error {
	s.bcast.closeAll()
	return s.db.Close()
}

// initSchema creates the key/value table
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (cast(strftime('%s', 'now') as integer))
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value stored for key
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewTransientf("failed to read key %s: %w: %w", key, errors.ErrStoreUnavailable, err)
	}
	return value, true, nil
}

// Set replaces the value for key in a single statement
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.NewPermanentf("set: empty key: %w", errors.ErrInvalidInput)
	}
	if value == nil {
		value = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return errors.NewTransientf("failed to write key %s: %w: %w", key, errors.ErrStoreUnavailable, err)
	}

	s.known[key] = cloneBytes(value)
	s.bcast.publish(Change{Key: key, Value: cloneBytes(value)})
	return nil
}

// Remove deletes key
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return errors.NewTransientf("failed to remove key %s: %w: %w", key, errors.ErrStoreUnavailable, err)
	}

	delete(s.known, key)
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.bcast.publish(Change{Key: key, Removed: true})
	}
	return nil
}

// Subscribe registers for change notifications
func (s *SQLiteStore) Subscribe(buffer int) (<-chan Change, func()) {
	return s.bcast.subscribe(buffer)
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewTransientf("sqlite ping: %w: %w", errors.ErrStoreUnavailable, err)
	}
	return nil
}

// CheckExternalChanges compares the table with the last state this handle
// observed and publishes a Change for every key another process set or
// removed. It returns how many changes were published.
func (s *SQLiteStore) CheckExternalChanges(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	var changes []Change
	for key, value := range current {
		if previous, ok := s.known[key]; !ok || !bytes.Equal(previous, value) {
			changes = append(changes, Change{Key: key, Value: cloneBytes(value)})
		}
	}
	for key := range s.known {
		if _, ok := current[key]; !ok {
			changes = append(changes, Change{Key: key, Removed: true})
		}
	}
	s.known = current

	for _, change := range changes {
		s.bcast.publish(change)
	}
	return len(changes), nil
}

// WatchExternal runs CheckExternalChanges every interval until ctx is done.
func (s *SQLiteStore) WatchExternal(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CheckExternalChanges(ctx)
			if err != nil {
				logger.Warn("failed to check store for external changes",
					"error", err)
				continue
			}
			if n > 0 {
				logger.Debug("external store changes published",
					"changes", n)
			}
		}
	}
}

func (s *SQLiteStore) snapshot(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, errors.NewTransientf("failed to scan store: %w: %w", errors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.NewTransientf("failed to scan store row: %w: %w", errors.ErrStoreUnavailable, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("failed to scan store: %w: %w", errors.ErrStoreUnavailable, err)
	}
	return out, nil
}
