package dedupe

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store for single-instance
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Lookup returns the live entry for the key.
func (s *MemoryStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok || !s.now().Before(me.expiresAt) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}

	entry := me.entry
	return &entry, nil
}

// Remember stores the entry under the key for the TTL, replacing any
// previous entry.
func (s *MemoryStore) Remember(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		entry:     entry,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Forget removes the entry. Forgetting an absent key is not an error.
func (s *MemoryStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}
