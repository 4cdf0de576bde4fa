package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock guards leadership with flock(2) on a local file. The kernel drops
// the lock when the process dies, so no lease expiry is needed. Only suitable
// when all instances share a filesystem (in practice: one host).
type FileLock struct {
	path     string
	holderID string
	logger   *slog.Logger

	mu         sync.Mutex
	file       *os.File
	acquiredAt time.Time
}

type fileLockPayload struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

func NewFileLock(path, holderID string, logger *slog.Logger) *FileLock {
	return &FileLock{
		path:     path,
		holderID: holderID,
		logger:   logger,
	}
}

func (l *FileLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return true, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("failed to flock lock file: %w", err)
	}

	l.file = f
	l.acquiredAt = time.Now().UTC()
	if err := l.writePayload(l.acquiredAt); err != nil {
		// The flock itself is what protects us; the payload is operator
		// convenience only.
		l.logger.Warn("Failed to write lock file payload",
			slog.String("path", l.path),
			slog.Any("error", err),
		)
	}

	return true, nil
}

// Renew rewrites the payload so the file mtime shows the holder is alive.
func (l *FileLock) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotHolder
	}

	if err := l.writePayload(time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to refresh lock file: %w", err)
	}

	return nil
}

func (l *FileLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.logger.Warn("Failed to unlock lock file",
			slog.String("path", l.path),
			slog.Any("error", err),
		)
	}

	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	return nil
}

func (l *FileLock) Mode() Mode { return ModeFile }

func (l *FileLock) writePayload(now time.Time) error {
	payload := fileLockPayload{
		HolderID:   l.holderID,
		PID:        os.Getpid(),
		AcquiredAt: l.acquiredAt,
		RenewedAt:  now,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := l.file.Write(data); err != nil {
		return err
	}

	return l.file.Sync()
}
