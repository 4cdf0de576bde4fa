// Package submission turns a confirmed user request into a provider task:
// dedupe lookup, job record creation, provider submit through the outbound
// budget, and the dedupe write that collapses later duplicates. It never
// waits for the generation to complete; that is the reconciler's job.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ferixdi-png/TRT-sub004/internal/dedupe"
	"github.com/ferixdi-png/TRT-sub004/internal/domain"
	"github.com/ferixdi-png/TRT-sub004/internal/outbound"
	"github.com/ferixdi-png/TRT-sub004/internal/provider"
	"github.com/ferixdi-png/TRT-sub004/internal/storage"
)

// SubmitRequest carries a confirmed generation request.
type SubmitRequest struct {
	UserID    int64
	ChatID    int64
	MessageID int64
	ModelID   string
	Params    map[string]any
}

// Receipt reports what the submission did. Reused means a live job for the
// same request fingerprint already existed and no provider call was made.
// Pending means the job record exists but the provider ack did not arrive
// within budget; the reconciler watches it from here.
type Receipt struct {
	JobID          string
	ProviderTaskID string
	CorrelationID  string
	Reused         bool
	Pending        bool
}

type providerClient interface {
	CreateTask(ctx context.Context, model string, input map[string]any) (string, error)
}

// Service implements the submission flow.
type Service struct {
	jobs      storage.JobStore
	dedupe    dedupe.Store
	provider  providerClient
	executor  *outbound.Executor
	dedupeTTL time.Duration
	logger    *slog.Logger
}

func NewService(jobs storage.JobStore, dd dedupe.Store, pc providerClient, executor *outbound.Executor, dedupeTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		jobs:      jobs,
		dedupe:    dd,
		provider:  pc,
		executor:  executor,
		dedupeTTL: dedupeTTL,
		logger:    logger,
	}
}

// Submit runs the submission flow. Concurrent duplicate confirms are held off
// by the caller's idempotency guard; duplicates spaced further apart collapse
// on the dedupe entry written here.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if req.UserID == 0 || req.ChatID == 0 {
		return nil, fmt.Errorf("user and chat ids are required")
	}
	if req.ModelID == "" {
		return nil, fmt.Errorf("model id is required")
	}

	input, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	paramsHash, err := dedupe.ParamsHash(req.Params)
	if err != nil {
		return nil, err
	}
	key := dedupe.Key(req.UserID, req.ModelID, paramsHash)

	if receipt := s.reuseExisting(ctx, key); receipt != nil {
		s.logger.Info("Reusing existing job for duplicate request",
			slog.String("job_id", receipt.JobID),
			slog.Int64("user_id", req.UserID),
			slog.String("model_id", req.ModelID),
		)
		return receipt, nil
	}

	now := time.Now().UTC()
	job := &domain.Job{
		JobID:         uuid.NewString(),
		UserID:        req.UserID,
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
		ModelID:       req.ModelID,
		CorrelationID: uuid.NewString(),
		State:         domain.StateCreateStart,
		ParamsHash:    paramsHash,
		Input:         string(input),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Submitting generation task",
		slog.String("job_id", job.JobID),
		slog.String("correlation_id", job.CorrelationID),
		slog.Int64("user_id", req.UserID),
		slog.String("model_id", req.ModelID),
	)

	var taskID string
	err = s.executor.Execute(ctx, "provider.create_task", func(ctx context.Context) error {
		id, err := s.provider.CreateTask(ctx, req.ModelID, req.Params)
		if err != nil {
			return err
		}
		taskID = id
		return nil
	})
	if err != nil {
		return s.submitNotAcked(ctx, job, err)
	}

	if err := s.jobs.AttachProviderTask(ctx, job.JobID, taskID); err != nil {
		// The ack is recorded nowhere else; without it the job cannot be
		// polled and pends until the age cap.
		return nil, fmt.Errorf("failed to record provider task: %w", err)
	}

	if err := s.dedupe.Remember(ctx, key, dedupe.Entry{TaskID: taskID, JobID: job.JobID}, s.dedupeTTL); err != nil {
		s.logger.Warn("Failed to write dedupe entry",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("Provider task created",
		slog.String("job_id", job.JobID),
		slog.String("provider_task_id", taskID),
	)

	return &Receipt{
		JobID:          job.JobID,
		ProviderTaskID: taskID,
		CorrelationID:  job.CorrelationID,
	}, nil
}

// reuseExisting returns a receipt when a live job already covers this request
// fingerprint. Entries pointing at vanished or failed jobs are cleaned up so
// the retry affordance can resubmit.
func (s *Service) reuseExisting(ctx context.Context, key string) *Receipt {
	entry, err := s.dedupe.Lookup(ctx, key)
	if errors.Is(err, dedupe.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("Dedupe lookup failed, proceeding as a fresh submission",
			slog.Any("error", err),
		)
		return nil
	}

	job, err := s.jobs.GetJob(ctx, entry.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		s.forget(ctx, key)
		return nil
	}
	if err != nil {
		// Cannot verify the job; honoring the entry is the safe side
		// (no double submission).
		return &Receipt{JobID: entry.JobID, ProviderTaskID: entry.TaskID, Reused: true}
	}

	if job.State.Terminal() && !job.Delivered() {
		s.forget(ctx, key)
		return nil
	}

	return &Receipt{
		JobID:          job.JobID,
		ProviderTaskID: entry.TaskID,
		CorrelationID:  job.CorrelationID,
		Reused:         true,
	}
}

// submitNotAcked triages a failed provider submit. A definitive rejection
// terminalizes the job; anything else leaves it pending for the reconciler,
// because the task may exist on the provider side even though the ack was
// never seen.
func (s *Service) submitNotAcked(ctx context.Context, job *domain.Job, err error) (*Receipt, error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Terminal() {
		if markErr := s.jobs.MarkTerminal(ctx, job.JobID, domain.StateFailed, apiErr.UserMessage()); markErr != nil {
			s.logger.Error("Failed to terminalize rejected job",
				slog.String("job_id", job.JobID),
				slog.Any("error", markErr),
			)
		}
		return nil, fmt.Errorf("provider rejected task: %w", err)
	}

	if errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("submission interrupted: %w", err)
	}

	s.logger.Warn("Provider ack not received, job left pending",
		slog.String("job_id", job.JobID),
		slog.String("correlation_id", job.CorrelationID),
		slog.Any("error", err),
	)

	return &Receipt{
		JobID:         job.JobID,
		CorrelationID: job.CorrelationID,
		Pending:       true,
	}, nil
}

func (s *Service) forget(ctx context.Context, key string) {
	if err := s.dedupe.Forget(ctx, key); err != nil {
		s.logger.Warn("Failed to drop stale dedupe entry",
			slog.Any("error", err),
		)
	}
}
