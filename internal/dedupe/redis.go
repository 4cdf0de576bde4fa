package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dedupe:"

// RedisStore is a Redis-backed Store shared by all instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Lookup returns the live entry for the key.
func (s *RedisStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dedupe entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode dedupe entry: %w", err)
	}
	return &entry, nil
}

// Remember stores the entry under the key for the TTL, replacing any
// previous entry.
func (s *RedisStore) Remember(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dedupe entry: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write dedupe entry: %w", err)
	}
	return nil
}

// Forget removes the entry. Forgetting an absent key is not an error.
func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete dedupe entry: %w", err)
	}
	return nil
}
