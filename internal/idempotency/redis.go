package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore is a Redis-backed Store shared by all instances. The claim is
// a single SET NX PX, so exactly one of N concurrent callers wins.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// TryStart claims the key with SET NX. On a lost claim the existing record
// is fetched; a record expiring between the two steps is retried once.
func (s *RedisStore) TryStart(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	now := time.Now()
	rec := Record{
		Key:       key,
		Status:    StatusPending,
		StartedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, data, ttl).Result()
		if err != nil {
			return false, nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if ok {
			return true, nil, nil
		}

		existing, err := s.get(ctx, key)
		if err == nil {
			return false, existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, nil, err
		}
		// The competing record expired between SETNX and GET; claim again.
	}

	return false, nil, fmt.Errorf("failed to claim idempotency key %q: contended", key)
}

// Finish records the outcome, keeping the original TTL. Finishing a key
// whose record already expired returns ErrNotFound.
func (s *RedisStore) Finish(ctx context.Context, key string, status Status, payload string) error {
	rec, err := s.get(ctx, key)
	if err != nil {
		return err
	}

	rec.Status = status
	rec.Payload = payload
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ok, err := s.client.SetXX(ctx, redisKeyPrefix+key, data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to finish idempotency key: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Get returns the live record for the key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	return s.get(ctx, key)
}

func (s *RedisStore) get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}
