package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is an in-process Store. It is safe for concurrent use but
// only correct for a single-instance deployment; multiple replicas must
// share state through RedisStore instead.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Increment adds one request to key, creating the entry with expiry one
// window ahead on first use. It never returns an error.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{resetAt: time.Now().Add(window)}
		s.entries[key] = e
	}
	e.count++
	return e.count, e.resetAt, nil
}

// Sweep removes entries whose window has expired, bounding memory. Keys are
// window-scoped so an expired entry is never read again; eviction is purely
// lazy cleanup.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.resetAt.Before(now) {
			delete(s.entries, key)
		}
	}
}

// Len reports the number of live entries. Used by tests and debug endpoints.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
