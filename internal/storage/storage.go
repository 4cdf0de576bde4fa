// Package storage persists job and user records. The SQL implementation is
// the shared source of truth across instances; the memory implementation
// serves single-instance deployments and tests. All correctness-relevant
// state changes are conditional updates, so concurrent writers cannot move
// a job backward or deliver it twice.
package storage

import (
	"context"
	"time"

	"github.com/ferixdi-png/TRT-sub004/internal/domain"
)

// JobStore persists job records.
type JobStore interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, job *domain.Job) error
	// GetJob returns the job or domain.ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// AttachProviderTask records the provider ack: sets the task id and
	// moves create_start to task_created. Fails with domain.ErrStateConflict
	// if the job is not in create_start.
	AttachProviderTask(ctx context.Context, jobID, providerTaskID string) error
	// TransitionState moves the job from one exact state to another.
	// Fails with domain.ErrStateConflict if the current state differs.
	TransitionState(ctx context.Context, jobID string, from, to domain.State) error
	// MarkTerminal moves a non-terminal job into a terminal state and
	// records the error text. Fails with domain.ErrAlreadyDelivered or
	// domain.ErrJobTerminal when the job already finished.
	MarkTerminal(ctx context.Context, jobID string, to domain.State, lastError string) error
	// MarkDelivered finalizes a result_validated job as delivered.
	MarkDelivered(ctx context.Context, jobID string, deliveredAt time.Time) error
	// IncrementAttempts bumps the poll counter.
	IncrementAttempts(ctx context.Context, jobID string) error
	// ListPending returns the oldest non-terminal jobs, capped at limit.
	ListPending(ctx context.Context, limit int) ([]*domain.Job, error)
	// CountPending returns the number of non-terminal jobs.
	CountPending(ctx context.Context) (int, error)
}

// UserStore persists per-user bot state.
type UserStore interface {
	// GetUser returns the user or domain.ErrUserNotFound.
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	// UpsertUser creates the user or refreshes language on repeat contact.
	UpsertUser(ctx context.Context, user *domain.User) error
	// SetPendingPrompt stores the free-text prompt awaiting a confirm press.
	// An empty prompt clears it.
	SetPendingPrompt(ctx context.Context, userID int64, prompt string) error
}
