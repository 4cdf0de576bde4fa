package lock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Manager drives a Lock through acquire/renew/release. Non-holders retry
// acquisition on the renewal cadence, so a crashed leader is replaced within
// one lease TTL. Holder state is readable from any goroutine.
type Manager struct {
	lock          Lock
	holderID      string
	renewInterval time.Duration
	logger        *slog.Logger
	holder        atomic.Bool
}

func NewManager(l Lock, holderID string, renewInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		lock:          l,
		holderID:      holderID,
		renewInterval: renewInterval,
		logger:        logger,
	}
}

// Run blocks until ctx is done, then releases the lease best-effort.
// Callers run it on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.tick(ctx)

	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// IsHolder reports whether this instance currently holds the lease.
func (m *Manager) IsHolder() bool { return m.holder.Load() }

// Mode reports the backend the lease runs on.
func (m *Manager) Mode() Mode { return m.lock.Mode() }

func (m *Manager) tick(ctx context.Context) {
	if m.holder.Load() {
		err := m.lock.Renew(ctx)
		if err == nil {
			return
		}

		m.holder.Store(false)
		if ctx.Err() != nil {
			m.logger.Info("Lease renewal interrupted by shutdown",
				slog.String("mode", string(m.lock.Mode())),
			)
			return
		}
		m.logger.Warn("Lost singleton lease",
			slog.String("mode", string(m.lock.Mode())),
			slog.String("holder_id", m.holderID),
			slog.Any("error", err),
		)
		return
	}

	acquired, err := m.lock.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("Failed to acquire singleton lease",
				slog.String("mode", string(m.lock.Mode())),
				slog.Any("error", err),
			)
		}
		return
	}

	if acquired {
		m.holder.Store(true)
		m.logger.Info("Acquired singleton lease",
			slog.String("mode", string(m.lock.Mode())),
			slog.String("holder_id", m.holderID),
		)
		return
	}

	m.logger.Debug("Singleton lease held elsewhere, standing by",
		slog.String("mode", string(m.lock.Mode())),
	)
}

func (m *Manager) shutdown() {
	wasHolder := m.holder.Swap(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.lock.Release(ctx); err != nil {
		m.logger.Info("Failed to release lease on shutdown",
			slog.String("mode", string(m.lock.Mode())),
			slog.Any("error", err),
		)
		return
	}

	if wasHolder {
		m.logger.Info("Released singleton lease",
			slog.String("mode", string(m.lock.Mode())),
			slog.String("holder_id", m.holderID),
		)
	}
}
