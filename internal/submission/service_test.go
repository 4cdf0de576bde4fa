package submission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub004/internal/dedupe"
	"github.com/ferixdi-png/TRT-sub004/internal/domain"
	"github.com/ferixdi-png/TRT-sub004/internal/outbound"
	"github.com/ferixdi-png/TRT-sub004/internal/provider"
	"github.com/ferixdi-png/TRT-sub004/internal/storage"
	"github.com/ferixdi-png/TRT-sub004/shared/logger"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeProvider) CreateTask(ctx context.Context, model string, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("task-%d", f.calls), nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type transientErr struct{}

func (transientErr) Error() string  { return "upstream hiccup" }
func (transientErr) Terminal() bool { return false }

func newTestService(fake *fakeProvider) (*Service, *storage.MemoryStorage, dedupe.Store) {
	store := storage.NewMemoryStorage()
	dd := dedupe.NewMemoryStore()
	executor := outbound.NewExecutor(outbound.Config{
		AttemptTimeout: 50 * time.Millisecond,
		MaxAttempts:    2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}, logger.Discard().Logger)

	svc := NewService(store, dd, fake, executor, time.Hour, logger.Discard().Logger)
	return svc, store, dd
}

func testRequest() SubmitRequest {
	return SubmitRequest{
		UserID:    42,
		ChatID:    42,
		MessageID: 7,
		ModelID:   "flux-dev",
		Params:    map[string]any{"prompt": "a cat in a hat"},
	}
}

func TestService_SubmitCreatesJobAndTask(t *testing.T) {
	fake := &fakeProvider{}
	svc, store, dd := newTestService(fake)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, receipt.Reused)
	assert.False(t, receipt.Pending)
	assert.NotEmpty(t, receipt.JobID)
	assert.NotEmpty(t, receipt.CorrelationID)
	assert.Equal(t, "task-1", receipt.ProviderTaskID)

	job, err := store.GetJob(ctx, receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTaskCreated, job.State)
	assert.Equal(t, "task-1", job.ProviderTaskID)
	assert.Contains(t, job.Input, "a cat in a hat")

	hash, err := dedupe.ParamsHash(testRequest().Params)
	require.NoError(t, err)
	entry, err := dd.Lookup(ctx, dedupe.Key(42, "flux-dev", hash))
	require.NoError(t, err)
	assert.Equal(t, receipt.JobID, entry.JobID)
	assert.Equal(t, "task-1", entry.TaskID)
}

func TestService_DuplicateSubmitReusesJob(t *testing.T) {
	fake := &fakeProvider{}
	svc, _, _ := newTestService(fake)
	ctx := context.Background()

	first, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)

	second, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, first.ProviderTaskID, second.ProviderTaskID)
	assert.Equal(t, 1, fake.callCount(), "a duplicate confirm must not create a second provider task")
}

func TestService_DifferentParamsSubmitSeparately(t *testing.T) {
	fake := &fakeProvider{}
	svc, _, _ := newTestService(fake)
	ctx := context.Background()

	first, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)

	other := testRequest()
	other.Params = map[string]any{"prompt": "a dog"}
	second, err := svc.Submit(ctx, other)
	require.NoError(t, err)

	assert.False(t, second.Reused)
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, 2, fake.callCount())
}

func TestService_ProviderRejectionMarksJobFailed(t *testing.T) {
	fake := &fakeProvider{errs: []error{
		&provider.APIError{StatusCode: 400, Code: "invalid_input", Message: "prompt rejected"},
	}}
	svc, store, _ := newTestService(fake)
	ctx := context.Background()

	_, err := svc.Submit(ctx, testRequest())
	require.Error(t, err)

	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Terminal())

	jobs, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "a rejected job must not stay pending")

	// No dedupe entry was written, so the user can retry immediately.
	receipt, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, receipt.Reused)
	assert.Equal(t, 2, fake.callCount())
}

func TestService_TransientFailureLeavesJobPending(t *testing.T) {
	fake := &fakeProvider{errs: []error{transientErr{}, transientErr{}}}
	svc, store, dd := newTestService(fake)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.True(t, receipt.Pending)
	assert.Empty(t, receipt.ProviderTaskID)
	assert.Equal(t, 2, fake.callCount(), "both attempts were spent")

	job, err := store.GetJob(ctx, receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreateStart, job.State, "the job waits for the reconciler")

	hash, err := dedupe.ParamsHash(testRequest().Params)
	require.NoError(t, err)
	_, err = dd.Lookup(ctx, dedupe.Key(42, "flux-dev", hash))
	assert.ErrorIs(t, err, dedupe.ErrNotFound, "no dedupe entry without a provider ack")
}

func TestService_ExhaustedBudgetSkipsProviderCall(t *testing.T) {
	fake := &fakeProvider{}
	svc, store, _ := newTestService(fake)

	ctx, cancel := context.WithTimeout(context.Background(), -time.Millisecond)
	defer cancel()

	receipt, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.True(t, receipt.Pending)
	assert.Equal(t, 0, fake.callCount(), "an exhausted budget must not issue the call")

	job, err := store.GetJob(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreateStart, job.State)
}

func TestService_CanceledContextReturnsError(t *testing.T) {
	fake := &fakeProvider{}
	svc, _, _ := newTestService(fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Submit(ctx, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fake.callCount())
}

func TestService_EntryPointingAtFailedJobIsDropped(t *testing.T) {
	fake := &fakeProvider{}
	svc, store, dd := newTestService(fake)
	ctx := context.Background()

	first, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)

	require.NoError(t, store.MarkTerminal(ctx, first.JobID, domain.StateFailed, "provider gave up"))

	second, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, second.Reused, "a failed job must not swallow the retry")
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, 2, fake.callCount())

	hash, err := dedupe.ParamsHash(testRequest().Params)
	require.NoError(t, err)
	entry, err := dd.Lookup(ctx, dedupe.Key(42, "flux-dev", hash))
	require.NoError(t, err)
	assert.Equal(t, second.JobID, entry.JobID)
}

func TestService_DeliveredJobStillCollapsesDuplicates(t *testing.T) {
	fake := &fakeProvider{}
	svc, store, _ := newTestService(fake)
	ctx := context.Background()

	first, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)

	require.NoError(t, store.TransitionState(ctx, first.JobID, domain.StateTaskCreated, domain.StateResultValidated))
	require.NoError(t, store.MarkDelivered(ctx, first.JobID, time.Now().UTC()))

	second, err := svc.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.True(t, second.Reused, "a delivered job within the dedupe TTL is not resubmitted")
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, fake.callCount())
}

func TestService_Validation(t *testing.T) {
	svc, _, _ := newTestService(&fakeProvider{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing user", func(r *SubmitRequest) { r.UserID = 0 }},
		{"missing chat", func(r *SubmitRequest) { r.ChatID = 0 }},
		{"missing model", func(r *SubmitRequest) { r.ModelID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(&req)
			_, err := svc.Submit(ctx, req)
			assert.Error(t, err)
		})
	}
}
