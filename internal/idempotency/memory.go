package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. Suitable for a single
// instance only; multi-instance deployments use the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// TryStart claims the key if no live record exists.
func (s *MemoryStore) TryStart(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok {
		if now.Before(rec.ExpiresAt) {
			existing := *rec
			return false, &existing, nil
		}
		// Expired records are evicted lazily on access.
		delete(s.records, key)
	}

	s.records[key] = &Record{
		Key:       key,
		Status:    StatusPending,
		StartedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil, nil
}

// Finish records the outcome for a previously started key.
func (s *MemoryStore) Finish(ctx context.Context, key string, status Status, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return ErrNotFound
	}

	rec.Status = status
	rec.Payload = payload
	return nil
}

// Get returns the live record for the key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return nil, ErrNotFound
	}

	existing := *rec
	return &existing, nil
}
