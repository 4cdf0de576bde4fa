package webhook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub004/internal/config"
	"github.com/ferixdi-png/TRT-sub004/internal/dedupe"
	"github.com/ferixdi-png/TRT-sub004/internal/domain"
	"github.com/ferixdi-png/TRT-sub004/internal/idempotency"
	"github.com/ferixdi-png/TRT-sub004/internal/lock"
	"github.com/ferixdi-png/TRT-sub004/internal/outbound"
	"github.com/ferixdi-png/TRT-sub004/internal/provider"
	"github.com/ferixdi-png/TRT-sub004/internal/storage"
	"github.com/ferixdi-png/TRT-sub004/internal/submission"
	"github.com/ferixdi-png/TRT-sub004/internal/telegram"
	"github.com/ferixdi-png/TRT-sub004/shared/logger"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	reqs    []submission.SubmitRequest
	receipt *submission.Receipt
	err     error
	delay   time.Duration
	panics  bool
}

func (f *fakeSubmitter) Submit(ctx context.Context, req submission.SubmitRequest) (*submission.Receipt, error) {
	f.mu.Lock()
	if f.panics {
		f.mu.Unlock()
		panic("submitter exploded")
	}
	f.reqs = append(f.reqs, req)
	receipt, err, delay := f.receipt, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	r := *receipt
	return &r, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeSubmitter) lastRequest() submission.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return submission.SubmitRequest{}
	}
	return f.reqs[len(f.reqs)-1]
}

type answeredCallback struct {
	id   string
	text string
}

type fakeBot struct {
	mu       sync.Mutex
	messages []telegram.SendMessage
	answers  []answeredCallback
}

func (f *fakeBot) Send(_ context.Context, msg telegram.SendMessage) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return &telegram.Message{MessageID: int64(len(f.messages))}, nil
}

func (f *fakeBot) AnswerCallbackQuery(_ context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answeredCallback{id: callbackID, text: text})
	return nil
}

func (f *fakeBot) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeBot) messageTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.messages))
	for i, m := range f.messages {
		texts[i] = m.Text
	}
	return texts
}

func (f *fakeBot) lastMessage() telegram.SendMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return telegram.SendMessage{}
	}
	return f.messages[len(f.messages)-1]
}

func (f *fakeBot) lastAnswer() answeredCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return answeredCallback{}
	}
	return f.answers[len(f.answers)-1]
}

type staticLease struct{ holder bool }

func (s staticLease) IsHolder() bool  { return s.holder }
func (s staticLease) Mode() lock.Mode { return lock.ModeFile }

type fixture struct {
	d     *Dispatcher
	idem  *idempotency.MemoryStore
	store *storage.MemoryStorage
	dd    dedupe.Store
	sub   *fakeSubmitter
	bot   *fakeBot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureBudget(t, 2*time.Second)
}

func newFixtureBudget(t *testing.T, budget time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		idem:  idempotency.NewMemoryStore(),
		store: storage.NewMemoryStorage(),
		dd:    dedupe.NewMemoryStore(),
		sub: &fakeSubmitter{receipt: &submission.Receipt{
			JobID:          "job-1",
			ProviderTaskID: "task-1",
			CorrelationID:  "corr-1",
		}},
		bot: &fakeBot{},
	}
	executor := outbound.NewExecutor(outbound.Config{
		AttemptTimeout: 50 * time.Millisecond,
		MaxAttempts:    2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}, logger.Discard().Logger)
	f.d = NewDispatcher(config.WebhookConfig{
		Path:              "/webhook",
		AckBudget:         time.Second,
		ProcessingEnabled: true,
		ProcessBudget:     budget,
		MaxBodyBytes:      1 << 20,
	}, time.Hour, Dependencies{
		Idempotency: f.idem,
		Users:       f.store,
		Jobs:        f.store,
		Dedupe:      f.dd,
		Submitter:   f.sub,
		Telegram:    f.bot,
		Executor:    executor,
		Lease:       staticLease{holder: true},
		Logger:      logger.Discard().Logger,
	})
	return f
}

// handle runs the pipeline synchronously, the way Dispatch's goroutine would.
func (f *fixture) handle(t *testing.T, update *telegram.Update) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.d.process(ctx, update)
}

func messageUpdate(id, userID int64, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: id,
		Message: &telegram.Message{
			MessageID: id,
			From:      &telegram.User{ID: userID, FirstName: "Ada", LanguageCode: "en"},
			Chat:      telegram.Chat{ID: userID, Type: "private"},
			Text:      text,
		},
	}
}

func callbackUpdate(id, userID int64, data string) *telegram.Update {
	return &telegram.Update{
		UpdateID: id,
		CallbackQuery: &telegram.CallbackQuery{
			ID:   fmt.Sprintf("cb-%d", id),
			From: telegram.User{ID: userID, FirstName: "Ada", LanguageCode: "en"},
			Message: &telegram.Message{
				MessageID: 500 + id,
				Chat:      telegram.Chat{ID: userID, Type: "private"},
			},
			Data: data,
		},
	}
}

func (f *fixture) seedJob(t *testing.T, userID int64, state domain.State) *domain.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &domain.Job{
		JobID:         uuid.NewString(),
		UserID:        userID,
		ChatID:        userID,
		MessageID:     7,
		ModelID:       "flux-dev",
		CorrelationID: uuid.NewString(),
		State:         domain.StateCreateStart,
		ParamsHash:    "hash-1",
		Input:         `{"prompt":"a cat in a hat"}`,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	if state == domain.StateCreateStart {
		return job
	}
	require.NoError(t, f.store.AttachProviderTask(ctx, job.JobID, "task-1"))
	job.State = domain.StateTaskCreated

	if state == domain.StateFailed {
		require.NoError(t, f.store.MarkTerminal(ctx, job.JobID, domain.StateFailed, "boom"))
		job.State = domain.StateFailed
		return job
	}

	ladder := []domain.State{
		domain.StateTaskCreated,
		domain.StateQueued,
		domain.StateWaiting,
		domain.StateSuccess,
		domain.StateResultValidated,
	}
	for i := 1; i < len(ladder) && job.State != state; i++ {
		require.NoError(t, f.store.TransitionState(ctx, job.JobID, ladder[i-1], ladder[i]))
		job.State = ladder[i]
	}
	require.Equal(t, state, job.State)
	return job
}

func (f *fixture) getJob(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestProcess_DuplicateUpdateDropped(t *testing.T) {
	f := newFixture(t)

	f.handle(t, messageUpdate(1, 42, "a cat in space"))
	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	assert.Equal(t, 1, f.bot.messageCount())
}

func TestProcess_PromptOffersModelPick(t *testing.T) {
	f := newFixture(t)

	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	msg := f.bot.lastMessage()
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "Pick a model")
	require.NotNil(t, msg.ReplyMarkup)
	require.Len(t, msg.ReplyMarkup.InlineKeyboard, len(models))
	assert.Equal(t, "confirm:flux-dev", msg.ReplyMarkup.InlineKeyboard[0][0].CallbackData)

	user, err := f.store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "a cat in space", user.PendingPrompt)
}

func TestProcess_StartCommand(t *testing.T) {
	f := newFixture(t)

	f.handle(t, messageUpdate(1, 42, "/start"))

	assert.Contains(t, f.bot.lastMessage().Text, "Send me a text prompt")
	user, err := f.store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, user.PendingPrompt, "commands must not become prompts")
}

func TestProcess_UnknownCommand(t *testing.T) {
	f := newFixture(t)

	f.handle(t, messageUpdate(1, 42, "/frobnicate"))

	assert.Contains(t, f.bot.lastMessage().Text, "don't know that command")
}

func TestProcess_BotSenderIgnored(t *testing.T) {
	f := newFixture(t)
	update := messageUpdate(1, 42, "a cat in space")
	update.Message.From.IsBot = true

	f.handle(t, update)

	assert.Zero(t, f.bot.messageCount())
	_, err := f.store.GetUser(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestConfirm_SubmitsPendingPrompt(t *testing.T) {
	f := newFixture(t)
	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	f.handle(t, callbackUpdate(2, 42, "confirm:flux-dev"))

	require.Equal(t, 1, f.sub.callCount())
	req := f.sub.lastRequest()
	assert.Equal(t, int64(42), req.UserID)
	assert.Equal(t, int64(42), req.ChatID)
	assert.Equal(t, int64(502), req.MessageID)
	assert.Equal(t, "flux-dev", req.ModelID)
	assert.Equal(t, map[string]any{"prompt": "a cat in space"}, req.Params)

	msg := f.bot.lastMessage()
	assert.Contains(t, msg.Text, "Generation started")
	assert.Contains(t, msg.Text, "corr-1")
	require.NotNil(t, msg.ReplyMarkup)
	assert.Equal(t, "cancel:job-1", msg.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "cb-2", f.bot.lastAnswer().id)

	user, err := f.store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, user.PendingPrompt, "prompt consumed by submission")
}

func TestConfirm_WithoutPromptNudges(t *testing.T) {
	f := newFixture(t)

	f.handle(t, callbackUpdate(1, 42, "confirm:flux-dev"))

	assert.Zero(t, f.sub.callCount())
	assert.Contains(t, f.bot.lastMessage().Text, "Send me a prompt first")
}

func TestConfirm_UnknownModelRejected(t *testing.T) {
	f := newFixture(t)
	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	f.handle(t, callbackUpdate(2, 42, "confirm:gpt-99"))

	assert.Zero(t, f.sub.callCount())
	assert.Contains(t, f.bot.lastAnswer().text, "not available")
}

func TestConfirm_DoubleTapSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	f.handle(t, callbackUpdate(2, 42, "confirm:flux-dev"))
	// The prompt was consumed, so restore it before the second tap to prove
	// the confirm key, not the missing prompt, stops the resubmission.
	require.NoError(t, f.store.SetPendingPrompt(context.Background(), 42, "a cat in space"))
	f.handle(t, callbackUpdate(3, 42, "confirm:flux-dev"))

	assert.Equal(t, 1, f.sub.callCount())
	assert.Contains(t, f.bot.lastAnswer().text, "Already submitted")
}

func TestConfirm_ProviderRejectionIsFriendly(t *testing.T) {
	f := newFixture(t)
	f.sub.err = &provider.APIError{StatusCode: 402, Code: "insufficient_credits"}
	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	f.handle(t, callbackUpdate(2, 42, "confirm:flux-dev"))

	msg := f.bot.lastMessage()
	assert.Contains(t, msg.Text, "Not enough credits")
	assert.NotContains(t, msg.Text, "402")
}

func TestConfirm_AfterFailureInvitesNewPrompt(t *testing.T) {
	f := newFixture(t)
	f.sub.err = &provider.APIError{StatusCode: 402, Code: "insufficient_credits"}
	f.handle(t, messageUpdate(1, 42, "a cat in space"))
	f.handle(t, callbackUpdate(2, 42, "confirm:flux-dev"))

	// Same prompt, same model: the failed confirm record answers the retap.
	f.handle(t, callbackUpdate(3, 42, "confirm:flux-dev"))

	assert.Equal(t, 1, f.sub.callCount())
	assert.Contains(t, f.bot.lastMessage().Text, "previous attempt failed")
}

func TestCancel_OwnJob(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, 42, domain.StateWaiting)
	ctx := context.Background()
	key := dedupe.Key(job.UserID, job.ModelID, job.ParamsHash)
	require.NoError(t, f.dd.Remember(ctx, key, dedupe.Entry{
		TaskID:    "task-1",
		JobID:     job.JobID,
		CreatedAt: time.Now().UTC(),
	}, time.Hour))

	f.handle(t, callbackUpdate(1, 42, "cancel:"+job.JobID))

	got := f.getJob(t, job.JobID)
	assert.Equal(t, domain.StateCanceled, got.State)
	assert.Contains(t, f.bot.lastMessage().Text, "Generation canceled")

	_, err := f.dd.Lookup(ctx, key)
	assert.ErrorIs(t, err, dedupe.ErrNotFound, "canceled job frees its dedupe slot")
}

func TestCancel_SomeoneElsesJob(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, 99, domain.StateWaiting)

	f.handle(t, callbackUpdate(1, 42, "cancel:"+job.JobID))

	got := f.getJob(t, job.JobID)
	assert.Equal(t, domain.StateWaiting, got.State)
	assert.Contains(t, f.bot.lastAnswer().text, "not yours")
}

func TestCancel_DeliveredJob(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, 42, domain.StateResultValidated)
	require.NoError(t, f.store.MarkDelivered(context.Background(), job.JobID, time.Now().UTC()))

	f.handle(t, callbackUpdate(1, 42, "cancel:"+job.JobID))

	assert.Contains(t, f.bot.lastAnswer().text, "Already delivered")
}

func TestCancel_UnknownJob(t *testing.T) {
	f := newFixture(t)

	f.handle(t, callbackUpdate(1, 42, "cancel:"+uuid.NewString()))

	assert.Contains(t, f.bot.lastAnswer().text, "Nothing to cancel")
}

func TestRetry_ResubmitsStoredInput(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, 42, domain.StateFailed)

	f.handle(t, callbackUpdate(1, 42, "retry:"+job.JobID))

	require.Equal(t, 1, f.sub.callCount())
	req := f.sub.lastRequest()
	assert.Equal(t, "flux-dev", req.ModelID)
	assert.Equal(t, map[string]any{"prompt": "a cat in a hat"}, req.Params)

	msg := f.bot.lastMessage()
	assert.Contains(t, msg.Text, "Back in the queue")
	require.NotNil(t, msg.ReplyMarkup)
	assert.Equal(t, "cancel:job-1", msg.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
}

func TestRetry_UndecodableInput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateJob(context.Background(), &domain.Job{
		JobID:         "job-broken",
		UserID:        42,
		ChatID:        42,
		ModelID:       "flux-dev",
		CorrelationID: uuid.NewString(),
		State:         domain.StateCreateStart,
		ParamsHash:    "hash-2",
		Input:         `{broken`,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}))

	f.handle(t, callbackUpdate(1, 42, "retry:job-broken"))

	assert.Zero(t, f.sub.callCount())
	assert.Contains(t, f.bot.lastMessage().Text, "can't be retried")
}

func TestStatus_AdminSeesQueueAndLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, &domain.User{UserID: 42, Language: "en", IsAdmin: true}))
	f.seedJob(t, 42, domain.StateWaiting)
	f.seedJob(t, 99, domain.StateWaiting)

	f.handle(t, messageUpdate(1, 42, "/status"))

	text := f.bot.lastMessage().Text
	assert.Contains(t, text, "pending jobs: 2")
	assert.Contains(t, text, "lock mode: file")
	assert.Contains(t, text, "leader: true")
}

func TestStatus_RegularUser(t *testing.T) {
	f := newFixture(t)

	f.handle(t, messageUpdate(1, 42, "/status"))

	text := f.bot.lastMessage().Text
	assert.NotContains(t, text, "pending jobs")
	assert.Contains(t, text, "Send me a prompt")
}

func TestProcess_StageTimeoutDegrades(t *testing.T) {
	f := newFixtureBudget(t, 200*time.Millisecond)
	f.sub.delay = time.Second
	f.handle(t, messageUpdate(1, 42, "a cat in space"))

	f.handle(t, callbackUpdate(2, 42, "confirm:flux-dev"))

	assert.Contains(t, f.bot.messageTexts(), msgDegraded)
}

func TestDispatch_PanicRepliesTemporaryIssue(t *testing.T) {
	f := newFixture(t)
	f.handle(t, messageUpdate(1, 42, "a cat in space"))
	f.sub.panics = true

	f.d.Dispatch(callbackUpdate(2, 42, "confirm:flux-dev"))

	assert.Eventually(t, func() bool {
		for _, text := range f.bot.messageTexts() {
			if text == msgTemporaryIssue {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestShutdown_CancelsInFlightQuietly(t *testing.T) {
	f := newFixture(t)
	f.handle(t, messageUpdate(1, 42, "a cat in space"))
	f.sub.delay = 5 * time.Second
	before := f.bot.messageCount()

	f.d.Dispatch(callbackUpdate(2, 42, "confirm:flux-dev"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.d.Shutdown(ctx)

	assert.Equal(t, before, f.bot.messageCount(), "canceled pipelines do not reply")
}

func TestShutdown_WaitsForPipelines(t *testing.T) {
	f := newFixture(t)

	f.d.Dispatch(messageUpdate(1, 42, "a cat in space"))
	assert.Eventually(t, func() bool { return f.bot.messageCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.d.Shutdown(ctx)
}
