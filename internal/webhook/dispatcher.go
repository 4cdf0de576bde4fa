// Package webhook is the Telegram-facing ingress: a gin server that
// authenticates and acks updates fast, and a dispatcher that does the real
// work after the ack. Telegram retries undelivered webhooks aggressively, so
// the handler never blocks on storage or outbound calls; everything slower
// than decoding the body runs detached under the processing budget.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

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
)

// models offered on the confirm keyboard. The catalog is deliberately static
// and minimal; model metadata and pricing live outside this service.
var models = []string{"flux-dev", "flux-pro", "kling-video", "suno-music"}

// Fixed replies. Raw provider or internal error text never reaches the chat.
const (
	msgWelcome        = "Hi! Send me a text prompt and I'll turn it into a generation. Pick a model when asked, then the result arrives right here."
	msgDegraded       = "Sorry, that took longer than expected. Please try again."
	msgTemporaryIssue = "Something went wrong on our side. Please try again."
)

// pipelineStages is the number of budgeted stages; each gets an equal slice
// of the processing budget.
const pipelineStages = 4

// Submitter is the slice of the submission service the dispatcher drives.
type Submitter interface {
	Submit(ctx context.Context, req submission.SubmitRequest) (*submission.Receipt, error)
}

// BotClient is the slice of the Bot API used for replies.
type BotClient interface {
	Send(ctx context.Context, msg telegram.SendMessage) (*telegram.Message, error)
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// LeaseStatus reports the singleton lease facts surfaced on /health and
// /status.
type LeaseStatus interface {
	IsHolder() bool
	Mode() lock.Mode
}

// Dependencies holds the collaborators the dispatcher drives.
type Dependencies struct {
	Idempotency idempotency.Store
	Users       storage.UserStore
	Jobs        storage.JobStore
	Dedupe      dedupe.Store
	Submitter   Submitter
	Telegram    BotClient
	Executor    *outbound.Executor
	Lease       LeaseStatus
	Logger      *slog.Logger
}

// Dispatcher processes updates after the webhook ack. Each update runs its
// own pipeline goroutine: idempotency guard, user upsert, action, reply.
type Dispatcher struct {
	budget      time.Duration
	stageBudget time.Duration
	idemTTL     time.Duration
	idem        idempotency.Store
	users       storage.UserStore
	jobs        storage.JobStore
	dedupe      dedupe.Store
	submitter   Submitter
	telegram    BotClient
	executor    *outbound.Executor
	lease       LeaseStatus
	logger      *slog.Logger

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewDispatcher(cfg config.WebhookConfig, idemTTL time.Duration, deps Dependencies) *Dispatcher {
	budget := cfg.ProcessBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	root, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		budget:      budget,
		stageBudget: budget / pipelineStages,
		idemTTL:     idemTTL,
		idem:        deps.Idempotency,
		users:       deps.Users,
		jobs:        deps.Jobs,
		dedupe:      deps.Dedupe,
		submitter:   deps.Submitter,
		telegram:    deps.Telegram,
		executor:    deps.Executor,
		lease:       deps.Lease,
		logger:      deps.Logger,
		root:        root,
		stop:        stop,
	}
}

// Dispatch detaches the update onto its own pipeline goroutine. The caller
// (the ack path) returns immediately.
func (d *Dispatcher) Dispatch(update *telegram.Update) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("Panic while processing update",
					slog.Int64("update_id", update.UpdateID),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				d.replyFixed(update, msgTemporaryIssue)
			}
		}()

		ctx, cancel := context.WithTimeout(d.root, d.budget)
		defer cancel()
		d.process(ctx, update)
	}()
}

// Shutdown cancels in-flight pipelines and waits for them to drain, bounded
// by the deadline on ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.stop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown deadline reached with pipelines in flight")
	}
}

func (d *Dispatcher) process(ctx context.Context, update *telegram.Update) {
	updateKey := fmt.Sprintf("update:%d", update.UpdateID)
	var started bool
	err := d.stage(ctx, "idempotency", func(ctx context.Context) error {
		s, _, err := d.idem.TryStart(ctx, updateKey, d.idemTTL)
		started = s
		return err
	})
	if err != nil {
		d.degrade(update, err, "idempotency")
		return
	}
	if !started {
		d.logger.Debug("Duplicate update dropped", slog.Int64("update_id", update.UpdateID))
		return
	}

	from := senderOf(update)
	if from == nil || from.IsBot {
		d.logger.Debug("Update carries nothing to route", slog.Int64("update_id", update.UpdateID))
		d.finishUpdate(updateKey)
		return
	}

	var user *domain.User
	err = d.stage(ctx, "user", func(ctx context.Context) error {
		u, err := d.ensureUser(ctx, from)
		user = u
		return err
	})
	if err != nil {
		d.degrade(update, err, "user")
		return
	}

	var rep *reply
	err = d.stage(ctx, "action", func(ctx context.Context) error {
		r, err := d.route(ctx, user, update)
		rep = r
		return err
	})
	if err != nil {
		d.degrade(update, err, "action")
		return
	}

	if rep != nil {
		err = d.stage(ctx, "reply", func(ctx context.Context) error {
			return d.sendReply(ctx, update, rep)
		})
		if err != nil {
			d.degrade(update, err, "reply")
			return
		}
	}
	d.finishUpdate(updateKey)
}

// stage runs one pipeline step under its slice of the processing budget.
func (d *Dispatcher) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, d.stageBudget)
	defer cancel()
	if err := fn(stageCtx); err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return nil
}

// degrade handles a pipeline failure: shutdown cancellation is logged as
// cancellation and dropped, a budget overrun gets the degraded reply, and
// everything else gets the generic temporary-issue reply. The update's
// idempotency record is left pending so a replay within the TTL stays
// suppressed.
func (d *Dispatcher) degrade(update *telegram.Update, err error, stage string) {
	if d.root.Err() != nil || errors.Is(err, context.Canceled) {
		d.logger.Info("Update processing canceled by shutdown",
			slog.Int64("update_id", update.UpdateID),
			slog.String("stage", stage),
		)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, outbound.ErrBudgetExhausted) {
		d.logger.Warn("Pipeline stage timed out",
			slog.Int64("update_id", update.UpdateID),
			slog.String("stage", stage),
			slog.Any("error", err),
		)
		d.replyFixed(update, msgDegraded)
		return
	}
	d.logger.Error("Pipeline stage failed",
		slog.Int64("update_id", update.UpdateID),
		slog.String("stage", stage),
		slog.Any("error", err),
	)
	d.replyFixed(update, msgTemporaryIssue)
}

func (d *Dispatcher) finishUpdate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.idem.Finish(ctx, key, idempotency.StatusSuccess, ""); err != nil {
		d.logger.Warn("Failed to finish update record", slog.String("key", key), slog.Any("error", err))
	}
}

// replyFixed sends one of the fixed fallback replies on a fresh context, so
// it works even when the pipeline's budget is spent.
func (d *Dispatcher) replyFixed(update *telegram.Update, text string) {
	chatID := chatOf(update)
	if chatID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.executor.Execute(ctx, "telegram.reply", func(ctx context.Context) error {
		_, err := d.telegram.Send(ctx, telegram.SendMessage{ChatID: chatID, Text: text})
		return err
	})
	if err != nil {
		d.logger.Warn("Failed to send fallback reply",
			slog.Int64("chat_id", chatID),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) ensureUser(ctx context.Context, from *telegram.User) (*domain.User, error) {
	if err := d.users.UpsertUser(ctx, &domain.User{UserID: from.ID, Language: from.LanguageCode}); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	user, err := d.users.GetUser(ctx, from.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (d *Dispatcher) route(ctx context.Context, user *domain.User, update *telegram.Update) (*reply, error) {
	switch {
	case update.CallbackQuery != nil:
		return d.handleCallback(ctx, user, update.CallbackQuery)
	case update.Message != nil:
		return d.handleMessage(ctx, user, update.Message)
	}
	return nil, nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, user *domain.User, msg *telegram.Message) (*reply, error) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		return &reply{text: "Send me a text prompt to start a generation."}, nil
	case text == "/start" || strings.HasPrefix(text, "/start "):
		return &reply{text: msgWelcome}, nil
	case text == "/status" || strings.HasPrefix(text, "/status "):
		return d.statusReply(ctx, user)
	case strings.HasPrefix(text, "/"):
		return &reply{text: "I don't know that command. Send a prompt, or /status."}, nil
	}

	if err := d.users.SetPendingPrompt(ctx, user.UserID, text); err != nil {
		return nil, fmt.Errorf("failed to store prompt: %w", err)
	}
	d.logger.Info("Prompt stored, awaiting confirm",
		slog.Int64("user_id", user.UserID),
		slog.Int("prompt_len", len(text)),
	)
	return &reply{text: "Pick a model to generate with:", markup: confirmKeyboard()}, nil
}

func (d *Dispatcher) handleCallback(ctx context.Context, user *domain.User, cb *telegram.CallbackQuery) (*reply, error) {
	data := strings.TrimSpace(cb.Data)
	switch {
	case strings.HasPrefix(data, "confirm:"):
		return d.confirm(ctx, user, cb, strings.TrimPrefix(data, "confirm:"))
	case strings.HasPrefix(data, "cancel:"):
		return d.cancel(ctx, user, cb, strings.TrimPrefix(data, "cancel:"))
	case strings.HasPrefix(data, "retry:"):
		return d.retry(ctx, user, cb, strings.TrimPrefix(data, "retry:"))
	}
	d.logger.Debug("Unsupported callback action", slog.String("data", data))
	return &reply{callbackID: cb.ID, callback: "This button is no longer supported."}, nil
}

// confirm turns the pending prompt into a submission. The confirm operation
// is idempotency-guarded by (user, model, params hash), so a double tap
// executes the submission at most once and the second tap sees the outcome.
func (d *Dispatcher) confirm(ctx context.Context, user *domain.User, cb *telegram.CallbackQuery, modelID string) (*reply, error) {
	if !slices.Contains(models, modelID) {
		return &reply{callbackID: cb.ID, callback: "That model is not available."}, nil
	}
	if user.PendingPrompt == "" {
		return &reply{
			callbackID: cb.ID,
			callback:   "Nothing to confirm",
			text:       "Send me a prompt first, then pick a model.",
		}, nil
	}

	params := map[string]any{"prompt": user.PendingPrompt}
	hash, err := dedupe.ParamsHash(params)
	if err != nil {
		return nil, err
	}
	confirmKey := fmt.Sprintf("confirm:%d:%s:%s", user.UserID, modelID, hash)
	started, existing, err := d.idem.TryStart(ctx, confirmKey, d.idemTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to claim confirm: %w", err)
	}
	if !started {
		if existing != nil && (existing.Status == idempotency.StatusFailed || existing.Status == idempotency.StatusTimeout) {
			return &reply{
				callbackID: cb.ID,
				callback:   "That one didn't go through",
				text:       "The previous attempt failed. Send the prompt again to retry.",
			}, nil
		}
		return &reply{callbackID: cb.ID, callback: "Already submitted. Your generation is on its way."}, nil
	}

	receipt, err := d.submitter.Submit(ctx, submission.SubmitRequest{
		UserID:    user.UserID,
		ChatID:    chatOfCallback(cb),
		MessageID: messageOfCallback(cb),
		ModelID:   modelID,
		Params:    params,
	})
	if err != nil {
		if finishErr := d.idem.Finish(ctx, confirmKey, idempotency.StatusFailed, ""); finishErr != nil {
			d.logger.Warn("Failed to finish confirm record", slog.Any("error", finishErr))
		}
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			return &reply{callbackID: cb.ID, text: apiErr.UserMessage()}, nil
		}
		return nil, err
	}
	if finishErr := d.idem.Finish(ctx, confirmKey, idempotency.StatusSuccess, receipt.JobID); finishErr != nil {
		d.logger.Warn("Failed to finish confirm record", slog.Any("error", finishErr))
	}
	if err := d.users.SetPendingPrompt(ctx, user.UserID, ""); err != nil {
		d.logger.Warn("Failed to clear pending prompt",
			slog.Int64("user_id", user.UserID),
			slog.Any("error", err),
		)
	}

	var text string
	switch {
	case receipt.Reused:
		text = fmt.Sprintf("Already working on this one, hold tight.\nReference: %s", receipt.CorrelationID)
	case receipt.Pending:
		text = fmt.Sprintf("Your request is in. The provider is taking a moment; the result arrives here.\nReference: %s", receipt.CorrelationID)
	default:
		text = fmt.Sprintf("Generation started. The result arrives here when it's ready.\nReference: %s", receipt.CorrelationID)
	}
	return &reply{
		callbackID: cb.ID,
		callback:   "Submitted",
		text:       text,
		markup:     cancelKeyboard(receipt.JobID),
	}, nil
}

// cancel is the user-initiated cancel path, the one transition that may use
// the canonical canceled state.
func (d *Dispatcher) cancel(ctx context.Context, user *domain.User, cb *telegram.CallbackQuery, jobID string) (*reply, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return &reply{callbackID: cb.ID, callback: "Nothing to cancel."}, nil
	}
	if err != nil {
		return nil, err
	}
	if job.UserID != user.UserID {
		return &reply{callbackID: cb.ID, callback: "That generation is not yours."}, nil
	}

	err = d.jobs.MarkTerminal(ctx, jobID, domain.StateCanceled, "canceled by user")
	switch {
	case errors.Is(err, domain.ErrAlreadyDelivered):
		return &reply{callbackID: cb.ID, callback: "Already delivered."}, nil
	case errors.Is(err, domain.ErrJobTerminal):
		return &reply{callbackID: cb.ID, callback: "Already finished."}, nil
	case err != nil:
		return nil, err
	}

	if err := d.dedupe.Forget(ctx, dedupe.Key(job.UserID, job.ModelID, job.ParamsHash)); err != nil {
		d.logger.Warn("Failed to drop dedupe entry", slog.String("job_id", jobID), slog.Any("error", err))
	}
	d.logger.Info("Job canceled by user",
		slog.String("job_id", jobID),
		slog.Int64("user_id", user.UserID),
	)
	return &reply{
		callbackID: cb.ID,
		callback:   "Canceled",
		text:       "Generation canceled. Send a new prompt whenever you like.",
	}, nil
}

// retry resubmits a closed job from its stored input. The dedupe store
// decides whether a live job already covers the request.
func (d *Dispatcher) retry(ctx context.Context, user *domain.User, cb *telegram.CallbackQuery, jobID string) (*reply, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return &reply{callbackID: cb.ID, callback: "Nothing to retry."}, nil
	}
	if err != nil {
		return nil, err
	}
	if job.UserID != user.UserID {
		return &reply{callbackID: cb.ID, callback: "That generation is not yours."}, nil
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(job.Input), &params); err != nil {
		d.logger.Error("Stored job input is not decodable",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return &reply{callbackID: cb.ID, text: "This one can't be retried. Please send the prompt again."}, nil
	}

	receipt, err := d.submitter.Submit(ctx, submission.SubmitRequest{
		UserID:    user.UserID,
		ChatID:    chatOfCallback(cb),
		MessageID: messageOfCallback(cb),
		ModelID:   job.ModelID,
		Params:    params,
	})
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			return &reply{callbackID: cb.ID, text: apiErr.UserMessage()}, nil
		}
		return nil, err
	}

	text := fmt.Sprintf("Back in the queue.\nReference: %s", receipt.CorrelationID)
	if receipt.Reused {
		text = fmt.Sprintf("Already working on this one, hold tight.\nReference: %s", receipt.CorrelationID)
	}
	return &reply{
		callbackID: cb.ID,
		callback:   "Retrying",
		text:       text,
		markup:     cancelKeyboard(receipt.JobID),
	}, nil
}

func (d *Dispatcher) statusReply(ctx context.Context, user *domain.User) (*reply, error) {
	if !user.IsAdmin {
		if user.PendingPrompt != "" {
			return &reply{text: "You have a prompt waiting for a model pick:", markup: confirmKeyboard()}, nil
		}
		return &reply{text: "All quiet. Send me a prompt to start a generation."}, nil
	}
	count, err := d.jobs.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return &reply{text: fmt.Sprintf(
		"pending jobs: %d\nlock mode: %s\nleader: %t",
		count, d.lease.Mode(), d.lease.IsHolder(),
	)}, nil
}

// reply is the outcome of one routed action: an optional callback answer
// (stops the button spinner) plus an optional chat message.
type reply struct {
	text       string
	markup     *telegram.InlineKeyboardMarkup
	callbackID string
	callback   string
}

func (d *Dispatcher) sendReply(ctx context.Context, update *telegram.Update, r *reply) error {
	if r.callbackID != "" {
		err := d.executor.Execute(ctx, "telegram.answer_callback", func(ctx context.Context) error {
			return d.telegram.AnswerCallbackQuery(ctx, r.callbackID, r.callback)
		})
		if err != nil {
			// The spinner times out on its own; the message still goes out.
			d.logger.Warn("Failed to answer callback", slog.Any("error", err))
		}
	}
	if r.text == "" {
		return nil
	}
	chatID := chatOf(update)
	if chatID == 0 {
		return nil
	}
	return d.executor.Execute(ctx, "telegram.reply", func(ctx context.Context) error {
		_, err := d.telegram.Send(ctx, telegram.SendMessage{
			ChatID:      chatID,
			Text:        r.text,
			ReplyMarkup: r.markup,
		})
		return err
	})
}

func confirmKeyboard() *telegram.InlineKeyboardMarkup {
	rows := make([][]telegram.InlineKeyboardButton, 0, len(models))
	for _, m := range models {
		rows = append(rows, []telegram.InlineKeyboardButton{{Text: m, CallbackData: "confirm:" + m}})
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func cancelKeyboard(jobID string) *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{{
			{Text: "Cancel", CallbackData: "cancel:" + jobID},
		}},
	}
}

func senderOf(update *telegram.Update) *telegram.User {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From
	case update.CallbackQuery != nil:
		u := update.CallbackQuery.From
		return &u
	}
	return nil
}

func chatOf(update *telegram.Update) int64 {
	switch {
	case update.Message != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil:
		return chatOfCallback(update.CallbackQuery)
	}
	return 0
}

func chatOfCallback(cb *telegram.CallbackQuery) int64 {
	if cb.Message != nil {
		return cb.Message.Chat.ID
	}
	// Callbacks from inline-mode messages carry no chat; in a private chat
	// the user id doubles as the chat id.
	return cb.From.ID
}

func messageOfCallback(cb *telegram.CallbackQuery) int64 {
	if cb.Message != nil {
		return cb.Message.MessageID
	}
	return 0
}
