// Package idempotency provides the at-most-once guard used around webhook
// update processing and confirm actions. A caller claims a key before doing
// side effects; the claim records the outcome so duplicates observe the
// first execution instead of re-running it.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live record exists for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Status describes the outcome recorded for a key.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Record is the stored state for one idempotency key. Expired records are
// treated as absent everywhere.
type Record struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Payload   string    `json:"payload,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the at-most-once guard. TryStart atomically claims a key: the
// first caller gets started=true and must later call Finish; every
// concurrent or subsequent caller gets started=false plus the existing
// record. Finish terminalizes the record without extending its lifetime.
type Store interface {
	TryStart(ctx context.Context, key string, ttl time.Duration) (started bool, existing *Record, err error)
	Finish(ctx context.Context, key string, status Status, payload string) error
	Get(ctx context.Context, key string) (*Record, error)
}
