// Package kvstore provides the durable key/value store the local cache
// persists into. Every backend emits a Change on each Set and Remove so other
// readers can observe updates.
package kvstore

import (
	"context"
	"sync"
)

// Change describes one write to the store.
type Change struct {
	Key     string
	Value   []byte
	Removed bool
}

// Store is an atomic, durable key/value store with change notifications.
type Store interface {
	// Get returns the value for key. found is false for a missing key.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set atomically replaces the value for key
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Subscribe returns a channel of changes and a function that cancels
	// the subscription and closes the channel.
	Subscribe(buffer int) (<-chan Change, func())
}

// broadcaster fans out changes to subscribers. A subscriber that falls
// behind loses changes rather than blocking writers.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Change
	drops  int64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Change)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(change Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- change:
		default:
			b.drops++
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
