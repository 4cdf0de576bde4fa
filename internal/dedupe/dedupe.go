// Package dedupe maps a (user, model, params) fingerprint to the job that
// already serves it, so duplicate confirms reuse the in-flight generation
// instead of creating a second provider task.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no live entry exists for a key.
var ErrNotFound = errors.New("dedupe entry not found")

// Entry points at the job currently serving a request fingerprint. An entry
// never points at more than one active job: it is written after successful
// submission and forgotten when the job terminalizes in failure.
type Entry struct {
	TaskID    string    `json:"task_id"`
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the request dedupe store.
type Store interface {
	Lookup(ctx context.Context, key string) (*Entry, error)
	Remember(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// Key builds the dedupe key for a request fingerprint.
func Key(userID int64, modelID, paramsHash string) string {
	return fmt.Sprintf("user:%d:model:%s:%s", userID, modelID, paramsHash)
}

// ParamsHash returns the SHA-256 hex digest of the canonical JSON encoding
// of the normalized request params. encoding/json sorts map keys, so two
// equal param sets always hash identically.
func ParamsHash(params map[string]any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
