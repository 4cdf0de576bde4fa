package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferixdi-png/TRT-sub004/internal/domain"
)

// MemoryStorage implements JobStore and UserStore in process memory. It
// mirrors the SQL semantics exactly, including the conditional-update
// conflict errors, so services behave identically on either backend.
type MemoryStorage struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	users map[int64]*domain.User
	now   func() time.Time
}

// NewMemoryStorage creates an empty in-process storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:  make(map[string]*domain.Job),
		users: make(map[int64]*domain.User),
		now:   time.Now,
	}
}

func copyJob(job *domain.Job) *domain.Job {
	c := *job
	if job.DeliveredAt != nil {
		t := *job.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// CreateJob inserts a new job record.
func (s *MemoryStorage) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s already exists", job.JobID)
	}

	s.jobs[job.JobID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by its id.
func (s *MemoryStorage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job), nil
}

// AttachProviderTask records the provider ack for a freshly created job.
func (s *MemoryStorage) AttachProviderTask(ctx context.Context, jobID, providerTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.StateCreateStart {
		return s.conflictLocked(job)
	}

	job.ProviderTaskID = providerTaskID
	job.State = domain.StateTaskCreated
	job.UpdatedAt = s.now().UTC()
	return nil
}

// TransitionState moves the job between two exact states.
func (s *MemoryStorage) TransitionState(ctx context.Context, jobID string, from, to domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != from {
		return s.conflictLocked(job)
	}

	job.State = to
	job.UpdatedAt = s.now().UTC()
	return nil
}

// MarkTerminal moves a non-terminal job into a terminal state.
func (s *MemoryStorage) MarkTerminal(ctx context.Context, jobID string, to domain.State, lastError string) error {
	if !to.Terminal() {
		return fmt.Errorf("state %q is not terminal", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State.Terminal() {
		return s.conflictLocked(job)
	}

	job.State = to
	job.LastError = lastError
	job.UpdatedAt = s.now().UTC()
	return nil
}

// MarkDelivered finalizes a validated job after the chat send acked.
func (s *MemoryStorage) MarkDelivered(ctx context.Context, jobID string, deliveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.StateResultValidated {
		return s.conflictLocked(job)
	}

	t := deliveredAt.UTC()
	job.State = domain.StateTGDeliver
	job.DeliveredAt = &t
	job.UpdatedAt = s.now().UTC()
	return nil
}

// IncrementAttempts bumps the poll counter.
func (s *MemoryStorage) IncrementAttempts(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}

	job.Attempts++
	job.UpdatedAt = s.now().UTC()
	return nil
}

// ListPending returns the oldest non-terminal jobs, capped at limit.
func (s *MemoryStorage) ListPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Job
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			pending = append(pending, copyJob(job))
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// CountPending returns the number of non-terminal jobs.
func (s *MemoryStorage) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) conflictLocked(job *domain.Job) error {
	if job.Delivered() {
		return domain.ErrAlreadyDelivered
	}
	if job.State.Terminal() {
		return domain.ErrJobTerminal
	}
	return domain.ErrStateConflict
}

// GetUser retrieves per-user bot state.
func (s *MemoryStorage) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	c := *user
	return &c, nil
}

// UpsertUser creates the user or refreshes language on repeat contact.
func (s *MemoryStorage) UpsertUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.users[user.UserID]; ok {
		existing.Language = user.Language
		existing.UpdatedAt = now
		return nil
	}

	c := *user
	c.CreatedAt = now
	c.UpdatedAt = now
	s.users[user.UserID] = &c
	return nil
}

// SetPendingPrompt stores or clears the prompt awaiting confirmation.
func (s *MemoryStorage) SetPendingPrompt(ctx context.Context, userID int64, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}

	user.PendingPrompt = prompt
	user.UpdatedAt = s.now().UTC()
	return nil
}
