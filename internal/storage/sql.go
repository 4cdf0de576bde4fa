package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ferixdi-png/TRT-sub004/internal/domain"
)

// SQLStorage implements JobStore and UserStore on a sqlx database handle.
// Queries use ? placeholders rebound per driver, so the same statements run
// on PostgreSQL in production and on SQLite in tests.
type SQLStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStorage creates a storage instance on an open handle.
func NewSQLStorage(db *sqlx.DB, logger *slog.Logger) *SQLStorage {
	return &SQLStorage{
		db:     db,
		logger: logger,
	}
}

func terminalStates() []any {
	return []any{domain.StateTGDeliver, domain.StateFailed, domain.StateCanceled, domain.StateTimeout}
}

// CreateJob inserts a new job record.
func (s *SQLStorage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := s.db.Rebind(`
		INSERT INTO jobs (job_id, user_id, chat_id, message_id, model_id, correlation_id,
			provider_task_id, state, attempts, params_hash, input, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.UserID,
		job.ChatID,
		job.MessageID,
		job.ModelID,
		job.CorrelationID,
		job.ProviderTaskID,
		job.State,
		job.Attempts,
		job.ParamsHash,
		job.Input,
		job.LastError,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("state", string(job.State)),
		slog.String("model_id", job.ModelID),
	)

	return nil
}

// GetJob retrieves a job by its id.
func (s *SQLStorage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := s.db.Rebind(`
		SELECT job_id, user_id, chat_id, message_id, model_id, correlation_id,
			provider_task_id, state, attempts, params_hash, input, last_error,
			created_at, updated_at, delivered_at
		FROM jobs
		WHERE job_id = ?
	`)

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// AttachProviderTask records the provider ack for a freshly created job.
func (s *SQLStorage) AttachProviderTask(ctx context.Context, jobID, providerTaskID string) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET provider_task_id = ?, state = ?, updated_at = ?
		WHERE job_id = ? AND state = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		providerTaskID, domain.StateTaskCreated, time.Now().UTC(), jobID, domain.StateCreateStart)
	if err != nil {
		return fmt.Errorf("failed to attach provider task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.conflict(ctx, jobID)
	}

	s.logger.Info("Provider task attached",
		slog.String("job_id", jobID),
		slog.String("provider_task_id", providerTaskID),
	)

	return nil
}

// TransitionState moves the job between two exact states.
func (s *SQLStorage) TransitionState(ctx context.Context, jobID string, from, to domain.State) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET state = ?, updated_at = ?
		WHERE job_id = ? AND state = ?
	`)

	result, err := s.db.ExecContext(ctx, query, to, time.Now().UTC(), jobID, from)
	if err != nil {
		return fmt.Errorf("failed to transition job state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.conflict(ctx, jobID)
	}

	s.logger.Info("Job state transitioned",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	return nil
}

// MarkTerminal moves a non-terminal job into a terminal state.
func (s *SQLStorage) MarkTerminal(ctx context.Context, jobID string, to domain.State, lastError string) error {
	if !to.Terminal() {
		return fmt.Errorf("state %q is not terminal", to)
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET state = ?, last_error = ?, updated_at = ?
		WHERE job_id = ? AND state NOT IN (?, ?, ?, ?)
	`)

	args := []any{to, lastError, time.Now().UTC(), jobID}
	args = append(args, terminalStates()...)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark job terminal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.conflict(ctx, jobID)
	}

	s.logger.Info("Job terminalized",
		slog.String("job_id", jobID),
		slog.String("state", string(to)),
		slog.String("last_error", lastError),
	)

	return nil
}

// MarkDelivered finalizes a validated job after the chat send acked.
func (s *SQLStorage) MarkDelivered(ctx context.Context, jobID string, deliveredAt time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET state = ?, delivered_at = ?, updated_at = ?
		WHERE job_id = ? AND state = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		domain.StateTGDeliver, deliveredAt.UTC(), time.Now().UTC(), jobID, domain.StateResultValidated)
	if err != nil {
		return fmt.Errorf("failed to mark job delivered: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.conflict(ctx, jobID)
	}

	s.logger.Info("Job delivered",
		slog.String("job_id", jobID),
	)

	return nil
}

// IncrementAttempts bumps the poll counter.
func (s *SQLStorage) IncrementAttempts(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET attempts = attempts + 1, updated_at = ?
		WHERE job_id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), jobID); err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	return nil
}

// ListPending returns the oldest non-terminal jobs, capped at limit.
func (s *SQLStorage) ListPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := s.db.Rebind(`
		SELECT job_id, user_id, chat_id, message_id, model_id, correlation_id,
			provider_task_id, state, attempts, params_hash, input, last_error,
			created_at, updated_at, delivered_at
		FROM jobs
		WHERE state NOT IN (?, ?, ?, ?)
		ORDER BY created_at ASC
		LIMIT ?
	`)

	args := terminalStates()
	args = append(args, limit)

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	return jobs, nil
}

// CountPending returns the number of non-terminal jobs.
func (s *SQLStorage) CountPending(ctx context.Context) (int, error) {
	query := s.db.Rebind(`
		SELECT COUNT(*) FROM jobs WHERE state NOT IN (?, ?, ?, ?)
	`)

	var count int
	if err := s.db.GetContext(ctx, &count, query, terminalStates()...); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	return count, nil
}

// conflict distinguishes why a conditional update matched no row.
func (s *SQLStorage) conflict(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Delivered() {
		return domain.ErrAlreadyDelivered
	}
	if job.State.Terminal() {
		return domain.ErrJobTerminal
	}
	return domain.ErrStateConflict
}

// GetUser retrieves per-user bot state.
func (s *SQLStorage) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	query := s.db.Rebind(`
		SELECT user_id, language, is_admin, pending_prompt, created_at, updated_at
		FROM users
		WHERE user_id = ?
	`)

	var user domain.User
	if err := s.db.GetContext(ctx, &user, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// UpsertUser creates the user or refreshes language on repeat contact.
func (s *SQLStorage) UpsertUser(ctx context.Context, user *domain.User) error {
	query := s.db.Rebind(`
		INSERT INTO users (user_id, language, is_admin, pending_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET language = excluded.language, updated_at = excluded.updated_at
	`)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Language, user.IsAdmin, user.PendingPrompt, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	return nil
}

// SetPendingPrompt stores or clears the prompt awaiting confirmation.
func (s *SQLStorage) SetPendingPrompt(ctx context.Context, userID int64, prompt string) error {
	query := s.db.Rebind(`
		UPDATE users
		SET pending_prompt = ?, updated_at = ?
		WHERE user_id = ?
	`)

	result, err := s.db.ExecContext(ctx, query, prompt, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set pending prompt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrUserNotFound
	}

	return nil
}
