package counter

import (
	"context"
	"sync"
	"time"
)

// Store is the shared counter used for cross-process rate-limit windows.
// Get reports the current value and whether the key exists and is unexpired.
type Store interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error
	Increment(ctx context.Context, key string) (int64, error)
	Close() error
}

type entry struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is a process-local Store for single-instance deployments and
// tests. Expiry is checked lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return 0, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) SetWithExpiry(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[key] = entry{value: value, expiresAt: expires}
	return nil
}

func (m *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || (!e.expiresAt.IsZero() && m.now().After(e.expiresAt)) {
		// Increment on a missing key creates it without expiry, matching
		// Redis INCR semantics.
		m.entries[key] = entry{value: 1}
		return 1, nil
	}
	e.value++
	m.entries[key] = e
	return e.value, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
