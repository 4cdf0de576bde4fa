// Package lock coordinates singleton leadership across bot instances sharing
// persisted state. Exactly one instance holds the lease at a time; the others
// keep serving webhook acks but stay passive until they win it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Mode identifies the backend a lock runs on.
type Mode string

const (
	ModeRedis    Mode = "redis"
	ModePostgres Mode = "postgres"
	ModeFile     Mode = "file"
	ModeDisabled Mode = "disabled"
)

// ErrNotHolder is returned by Renew when the lease belongs to another
// instance (or expired and was taken over).
var ErrNotHolder = errors.New("lease not held by this instance")

// Lock is a single-holder lease. Acquire is non-blocking: false means another
// instance holds the lease. Renew extends an owned lease and fails with
// ErrNotHolder rather than stealing. Release is idempotent.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	Mode() Mode
}

// HolderID builds the instance identity recorded with the lease.
func HolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// DisabledLock always grants the lease. Used for single-instance deployments
// that opt out of coordination.
type DisabledLock struct{}

func NewDisabledLock() *DisabledLock { return &DisabledLock{} }

func (*DisabledLock) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (*DisabledLock) Renew(ctx context.Context) error           { return nil }
func (*DisabledLock) Release(ctx context.Context) error         { return nil }
func (*DisabledLock) Mode() Mode                                { return ModeDisabled }

// Options selects and parameterizes the lock backend.
type Options struct {
	Backend  string
	Key      string
	HolderID string
	LeaseTTL time.Duration
	FilePath string
	Redis    *redis.Client
	DB       *sqlx.DB
	Logger   *slog.Logger
}

// New builds the lock for the configured backend. The "auto" backend probes
// in priority order: Redis when a client is wired, then Postgres when a
// database is wired, then the local file lock.
func New(opts Options) (Lock, error) {
	backend := opts.Backend
	if backend == "auto" || backend == "" {
		switch {
		case opts.Redis != nil:
			backend = "redis"
		case opts.DB != nil:
			backend = "postgres"
		default:
			backend = "file"
		}
	}

	switch backend {
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis lock backend requires a redis client")
		}
		return NewRedisLock(opts.Redis, opts.Key, opts.HolderID, opts.LeaseTTL, opts.Logger), nil
	case "postgres":
		if opts.DB == nil {
			return nil, fmt.Errorf("postgres lock backend requires a database")
		}
		return NewPostgresLock(opts.DB, opts.Key, opts.HolderID, opts.LeaseTTL, opts.Logger), nil
	case "file":
		return NewFileLock(opts.FilePath, opts.HolderID, opts.Logger), nil
	case "disabled":
		return NewDisabledLock(), nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", backend)
	}
}
