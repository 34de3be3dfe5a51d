package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/daimoniac/sitelock/internal/errors"
)

// MemoryStore is a process-local Store, used by tests and the "memory"
// store type.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	failed error
	writes int
	bcast  *broadcaster
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		bcast: newBroadcaster(),
	}
}

// SetFailure makes every subsequent operation fail with err wrapped as
// ErrStoreUnavailable. Pass nil to restore the store.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = err
}

// Writes returns how many Set and Remove calls reached the store.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failed != nil {
		return nil, false, errors.NewTransientf("get %s: %w: %w", key, errors.ErrStoreUnavailable, m.failed)
	}
	value, ok := m.data[key]
	return cloneBytes(value), ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		return errors.NewTransientf("set %s: %w: %w", key, errors.ErrStoreUnavailable, err)
	}
	if key == "" {
		m.mu.Unlock()
		return errors.NewPermanentf("set: %w", fmt.Errorf("empty key: %w", errors.ErrInvalidInput))
	}
	m.data[key] = cloneBytes(value)
	m.writes++
	m.mu.Unlock()

	m.bcast.publish(Change{Key: key, Value: cloneBytes(value)})
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		return errors.NewTransientf("remove %s: %w: %w", key, errors.ErrStoreUnavailable, err)
	}
	_, existed := m.data[key]
	delete(m.data, key)
	m.writes++
	m.mu.Unlock()

	if existed {
		m.bcast.publish(Change{Key: key, Removed: true})
	}
	return nil
}

func (m *MemoryStore) Subscribe(buffer int) (<-chan Change, func()) {
	return m.bcast.subscribe(buffer)
}

// Close releases all subscribers
func (m *MemoryStore) Close() error {
	m.bcast.closeAll()
	return nil
}
