package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresLock keeps the lease as a row in singleton_locks. Acquisition is a
// single conditional upsert: set if absent, expired, or already ours. The
// expiry lives in the row so it survives connection lifetimes and is visible
// to every instance.
type PostgresLock struct {
	db       *sqlx.DB
	key      string
	holderID string
	lease    time.Duration
	logger   *slog.Logger
}

func NewPostgresLock(db *sqlx.DB, key, holderID string, lease time.Duration, logger *slog.Logger) *PostgresLock {
	return &PostgresLock{
		db:       db,
		key:      key,
		holderID: holderID,
		lease:    lease,
		logger:   logger,
	}
}

func (l *PostgresLock) Acquire(ctx context.Context) (bool, error) {
	query := l.db.Rebind(`
		INSERT INTO singleton_locks (lock_key, holder_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET holder_id = excluded.holder_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE singleton_locks.expires_at < ?
			OR singleton_locks.holder_id = excluded.holder_id
	`)

	now := time.Now().UTC()
	result, err := l.db.ExecContext(ctx, query, l.key, l.holderID, now, now.Add(l.lease), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease row: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

func (l *PostgresLock) Renew(ctx context.Context) error {
	query := l.db.Rebind(`
		UPDATE singleton_locks
		SET expires_at = ?
		WHERE lock_key = ? AND holder_id = ?
	`)

	result, err := l.db.ExecContext(ctx, query, time.Now().UTC().Add(l.lease), l.key, l.holderID)
	if err != nil {
		return fmt.Errorf("failed to renew lease row: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotHolder
	}

	return nil
}

func (l *PostgresLock) Release(ctx context.Context) error {
	query := l.db.Rebind(`
		DELETE FROM singleton_locks
		WHERE lock_key = ? AND holder_id = ?
	`)

	if _, err := l.db.ExecContext(ctx, query, l.key, l.holderID); err != nil {
		return fmt.Errorf("failed to release lease row: %w", err)
	}

	return nil
}

func (l *PostgresLock) Mode() Mode { return ModePostgres }
