package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-holder scripts keep renew and release atomic: a renewal racing a
// takeover after lease expiry must fail instead of stealing the new lease.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLock holds the lease as a value with TTL: SET key holder NX PX lease.
type RedisLock struct {
	client   *redis.Client
	key      string
	holderID string
	lease    time.Duration
	logger   *slog.Logger
}

func NewRedisLock(client *redis.Client, key, holderID string, lease time.Duration, logger *slog.Logger) *RedisLock {
	return &RedisLock{
		client:   client,
		key:      key,
		holderID: holderID,
		lease:    lease,
		logger:   logger,
	}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holderID, l.lease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire redis lease: %w", err)
	}
	if ok {
		return true, nil
	}

	// SETNX lost: either another instance holds the lease, or we still do
	// from a previous run of this process identity.
	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to inspect redis lease: %w", err)
	}
	if current == l.holderID {
		if err := l.Renew(ctx); err != nil {
			return false, nil
		}
		return true, nil
	}

	return false, nil
}

func (l *RedisLock) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holderID, l.lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew redis lease: %w", err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holderID).Int(); err != nil {
		return fmt.Errorf("failed to release redis lease: %w", err)
	}
	return nil
}

func (l *RedisLock) Mode() Mode { return ModeRedis }
