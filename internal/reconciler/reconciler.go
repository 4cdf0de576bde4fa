// Package reconciler drives every pending job to a terminal outcome. A
// fixed-interval loop snapshots the oldest pending jobs, polls the provider
// for fresh status, persists forward movement, validates finished results
// and delivers them to the originating chat. The loop itself never trusts a
// single pass: any step may fail or be interrupted, and the next tick picks
// the job up from whatever state was persisted last.
//
// The loop runs only on the instance holding the singleton lease, so at
// most one poller hits the provider per deployment.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ferixdi-png/TRT-sub004/internal/alerting"
	"github.com/ferixdi-png/TRT-sub004/internal/dedupe"
	"github.com/ferixdi-png/TRT-sub004/internal/domain"
	"github.com/ferixdi-png/TRT-sub004/internal/outbound"
	"github.com/ferixdi-png/TRT-sub004/internal/provider"
	"github.com/ferixdi-png/TRT-sub004/internal/storage"
	"github.com/ferixdi-png/TRT-sub004/internal/telegram"
)

// Config holds reconciler tuning.
type Config struct {
	// Interval between reconcile passes.
	Interval time.Duration
	// BatchSize caps the jobs examined per pass, which bounds provider
	// load regardless of backlog depth.
	BatchSize int
	// Concurrency caps the jobs processed in parallel within a pass.
	Concurrency int
	// PendingAgeAlert is the oldest-pending age that raises an operator
	// alert.
	PendingAgeAlert time.Duration
	// QueueDepthAlert is the pending count that raises an operator alert.
	QueueDepthAlert int
	// MaxJobAge is the hard cap: jobs older than this are closed as
	// timeout and the user is told to retry.
	MaxJobAge time.Duration
}

// providerClient is the slice of the provider API the reconciler polls.
type providerClient interface {
	GetStatus(ctx context.Context, taskID string) (*provider.TaskStatus, error)
}

// chatClient is the slice of the Bot API used for delivery and notices.
type chatClient interface {
	Send(ctx context.Context, msg telegram.SendMessage) (*telegram.Message, error)
	SendPhoto(ctx context.Context, media telegram.SendMedia) (*telegram.Message, error)
	SendVideo(ctx context.Context, media telegram.SendMedia) (*telegram.Message, error)
	SendAudio(ctx context.Context, media telegram.SendMedia) (*telegram.Message, error)
	SendDocument(ctx context.Context, media telegram.SendMedia) (*telegram.Message, error)
	GetMe(ctx context.Context) (*telegram.User, error)
}

// leaseHolder reports whether this instance currently owns the singleton
// lease.
type leaseHolder interface {
	IsHolder() bool
}

// resultProbe verifies that a result artifact is actually fetchable before
// the job advances to result_validated.
type resultProbe interface {
	Probe(ctx context.Context, rawURL string) error
}

// Reconciler owns the poll-and-deliver loop.
type Reconciler struct {
	config   Config
	jobs     storage.JobStore
	dedupe   dedupe.Store
	provider providerClient
	telegram chatClient
	probe    resultProbe
	executor *outbound.Executor
	alerts   alerting.Emitter
	lease    leaseHolder
	logger   *slog.Logger
}

func New(
	config Config,
	jobs storage.JobStore,
	dd dedupe.Store,
	prov providerClient,
	tg chatClient,
	executor *outbound.Executor,
	alerts alerting.Emitter,
	lease leaseHolder,
	logger *slog.Logger,
) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Reconciler{
		config:   config,
		jobs:     jobs,
		dedupe:   dd,
		provider: prov,
		telegram: tg,
		probe:    NewHTTPProbe(),
		executor: executor,
		alerts:   alerts,
		lease:    lease,
		logger:   logger,
	}
}

// Run drives the reconcile loop until ctx is canceled. Ticks are skipped
// while another instance holds the singleton lease; warmup runs once each
// time this instance becomes the leader.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started",
		slog.Duration("interval", r.config.Interval),
		slog.Int("batch_size", r.config.BatchSize),
		slog.Int("concurrency", r.config.Concurrency),
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	warmed := false
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if !r.lease.IsHolder() {
				warmed = false
				continue
			}
			if !warmed {
				r.Warmup(ctx)
				warmed = true
			}
			r.Tick(ctx)
		}
	}
}

// Warmup runs the leader's boot checks: report the pending backlog inherited
// from a previous run and verify the bot credentials before the loop starts
// delivering.
func (r *Reconciler) Warmup(ctx context.Context) {
	count, err := r.jobs.CountPending(ctx)
	if err != nil {
		r.logger.Error("Failed to count pending backlog", slog.Any("error", err))
	} else {
		r.logger.Info("Resuming pending jobs", slog.Int("pending", count))
		if r.config.QueueDepthAlert > 0 && count >= r.config.QueueDepthAlert {
			r.alerts.Emit(ctx, alerting.Alert{
				Kind:     alerting.KindBoot,
				Severity: alerting.SeverityWarning,
				Message:  "large pending backlog at boot",
				Fields: map[string]any{
					"pending":   count,
					"threshold": r.config.QueueDepthAlert,
				},
			})
		}
	}

	err = r.executor.Execute(ctx, "telegram.get_me", func(ctx context.Context) error {
		me, err := r.telegram.GetMe(ctx)
		if err != nil {
			return err
		}
		r.logger.Info("Bot credentials verified", slog.String("username", me.Username))
		return nil
	})
	if err != nil {
		r.alerts.Emit(ctx, alerting.Alert{
			Kind:     alerting.KindBoot,
			Severity: alerting.SeverityCritical,
			Message:  "bot credentials check failed",
			Fields:   map[string]any{"error": err.Error()},
		})
	}
}

// Tick processes one reconcile pass: snapshot the oldest pending jobs, emit
// backlog alerts, then poll and advance each job under the concurrency cap.
func (r *Reconciler) Tick(ctx context.Context) {
	jobs, err := r.jobs.ListPending(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error("Failed to list pending jobs", slog.Any("error", err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	r.reportBacklog(ctx, jobs)

	sem := make(chan struct{}, r.config.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(job *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			r.reconcile(ctx, job)
		}(job)
	}
	wg.Wait()
}

// reportBacklog emits at most one depth alert and one age alert per pass.
func (r *Reconciler) reportBacklog(ctx context.Context, jobs []*domain.Job) {
	if r.config.QueueDepthAlert > 0 {
		count, err := r.jobs.CountPending(ctx)
		if err != nil {
			r.logger.Warn("Failed to count pending jobs", slog.Any("error", err))
		} else if count >= r.config.QueueDepthAlert {
			r.alerts.Emit(ctx, alerting.Alert{
				Kind:     alerting.KindQueueDepth,
				Severity: alerting.SeverityWarning,
				Message:  "pending queue depth over threshold",
				Fields: map[string]any{
					"pending":   count,
					"threshold": r.config.QueueDepthAlert,
				},
			})
		}
	}

	// ListPending returns oldest first.
	oldest := jobs[0]
	age := oldest.Age(time.Now().UTC())
	if r.config.PendingAgeAlert > 0 && age >= r.config.PendingAgeAlert {
		r.alerts.Emit(ctx, alerting.Alert{
			Kind:     alerting.KindPendingAge,
			Severity: alerting.SeverityWarning,
			Message:  "oldest pending job over age threshold",
			Fields: map[string]any{
				"job_id":    oldest.JobID,
				"state":     string(oldest.State),
				"age":       age.String(),
				"threshold": r.config.PendingAgeAlert.String(),
			},
		})
	}
}

// reconcile advances a single job one step toward its terminal outcome.
func (r *Reconciler) reconcile(ctx context.Context, job *domain.Job) {
	if r.config.MaxJobAge > 0 && job.Age(time.Now().UTC()) >= r.config.MaxJobAge {
		r.expire(ctx, job)
		return
	}
	if !job.Pollable() {
		// No provider task id: the create call never acked, so there is
		// nothing to poll. The job stays visible to age alerting and is
		// closed by the hard age cap above.
		return
	}

	if err := r.jobs.IncrementAttempts(ctx, job.JobID); err != nil {
		r.logger.Warn("Failed to bump poll counter",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	var status *provider.TaskStatus
	err := r.executor.Execute(ctx, "provider.get_status", func(ctx context.Context) error {
		s, err := r.provider.GetStatus(ctx, job.ProviderTaskID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		var apiErr *provider.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
			// The provider no longer knows the task; it can never finish.
			r.fail(ctx, job, apiErr.UserMessage())
		case errors.Is(err, context.Canceled):
			r.logger.Info("Status poll interrupted by shutdown", slog.String("job_id", job.JobID))
		default:
			r.logger.Warn("Status poll failed, leaving job for next pass",
				slog.String("job_id", job.JobID),
				slog.String("provider_task_id", job.ProviderTaskID),
				slog.Any("error", err),
			)
		}
		return
	}

	switch state := domain.NormalizeState(status.Status); state {
	case domain.StateSuccess, domain.StateResultValidated, domain.StateTGDeliver:
		r.deliver(ctx, job, status)
	case domain.StateFailed:
		code := ""
		if status.Error != nil {
			code = status.Error.Code
			r.logger.Info("Provider reported task failure",
				slog.String("job_id", job.JobID),
				slog.String("code", status.Error.Code),
				slog.String("message", status.Error.Message),
			)
		}
		r.fail(ctx, job, provider.UserMessageForCode(code))
	default:
		r.advance(ctx, job, state)
	}
}

// advance persists forward movement on the progress ladder and mirrors it
// into the in-memory job on success. Regressions the provider reports are
// ignored; the stored state only moves forward.
func (r *Reconciler) advance(ctx context.Context, job *domain.Job, state domain.State) {
	if !state.AheadOf(job.State) {
		return
	}
	if err := r.jobs.TransitionState(ctx, job.JobID, job.State, state); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			// Another writer moved the job first; the next pass reads the
			// fresh row.
			r.logger.Debug("Job state moved concurrently", slog.String("job_id", job.JobID))
			return
		}
		r.logger.Error("Failed to advance job state",
			slog.String("job_id", job.JobID),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
		return
	}
	job.State = state
	r.logger.Info("Job state advanced",
		slog.String("job_id", job.JobID),
		slog.String("state", string(state)),
	)
}

// deliver walks a finished job through validation and chat delivery:
// success -> result_validated -> send -> tg_deliver. Each checkpoint is
// persisted, so a crash resumes from the last one; the gap between the send
// ack and MarkDelivered is the one window where the user can receive the
// result twice.
func (r *Reconciler) deliver(ctx context.Context, job *domain.Job, status *provider.TaskStatus) {
	if job.State != domain.StateResultValidated {
		r.advance(ctx, job, domain.StateSuccess)
		if job.State != domain.StateSuccess {
			return
		}
		if !r.validate(ctx, job, status) {
			return
		}
		r.advance(ctx, job, domain.StateResultValidated)
		if job.State != domain.StateResultValidated {
			return
		}
	}

	if status.Result == nil || len(status.Result.URLs) == 0 {
		// Validated on an earlier pass, but this poll carries no result.
		// Leave the job alone; the age cap closes it if this persists.
		r.logger.Warn("Validated job re-polled without a result", slog.String("job_id", job.JobID))
		return
	}

	for _, artifact := range status.Result.URLs {
		err := r.executor.Execute(ctx, "telegram.send_result", func(ctx context.Context) error {
			return r.sendArtifact(ctx, job, status.Result.Kind, artifact)
		})
		if err != nil {
			// The job stays result_validated; the next pass retries the send.
			r.logger.Warn("Result delivery failed",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			return
		}
	}

	if err := r.jobs.MarkDelivered(ctx, job.JobID, time.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrAlreadyDelivered) {
			return
		}
		r.logger.Error("Failed to mark job delivered",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Info("Job delivered",
		slog.String("job_id", job.JobID),
		slog.String("correlation_id", job.CorrelationID),
		slog.Int("artifacts", len(status.Result.URLs)),
	)
}

// validate checks the result references before the job may advance: at least
// one artifact, every URL well-formed http(s), and the first artifact
// reachable. A malformed result is a provider failure; an unreachable one is
// retried on the next pass, since artifact storage can lag the status flip.
func (r *Reconciler) validate(ctx context.Context, job *domain.Job, status *provider.TaskStatus) bool {
	if status.Result == nil || len(status.Result.URLs) == 0 {
		r.fail(ctx, job, "The generation finished without a usable result. Please try again.")
		return false
	}
	for _, artifact := range status.Result.URLs {
		u, err := url.Parse(artifact)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			r.logger.Error("Provider returned malformed result URL",
				slog.String("job_id", job.JobID),
				slog.String("url", artifact),
			)
			r.fail(ctx, job, "The generation finished without a usable result. Please try again.")
			return false
		}
	}

	err := r.executor.Execute(ctx, "result.probe", func(ctx context.Context) error {
		return r.probe.Probe(ctx, status.Result.URLs[0])
	})
	if err != nil {
		r.logger.Warn("Result artifact not reachable yet",
			slog.String("job_id", job.JobID),
			slog.String("url", status.Result.URLs[0]),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// sendArtifact picks the send method from the result kind. Unknown kinds
// fall back to a plain message carrying the artifact link.
func (r *Reconciler) sendArtifact(ctx context.Context, job *domain.Job, kind, artifact string) error {
	media := telegram.SendMedia{
		ChatID:  job.ChatID,
		URL:     artifact,
		Caption: "Your generation is ready",
	}
	var err error
	switch strings.ToLower(kind) {
	case "image", "photo":
		_, err = r.telegram.SendPhoto(ctx, media)
	case "video", "animation":
		_, err = r.telegram.SendVideo(ctx, media)
	case "audio", "music", "voice":
		_, err = r.telegram.SendAudio(ctx, media)
	case "document", "file", "archive":
		_, err = r.telegram.SendDocument(ctx, media)
	default:
		_, err = r.telegram.Send(ctx, telegram.SendMessage{
			ChatID: job.ChatID,
			Text:   "Your generation is ready: " + artifact,
		})
	}
	return err
}

// fail closes a job as failed: the user gets the notice with the correlation
// id and a retry button, the record flips terminal, and the dedupe entry is
// dropped so the retry is not collapsed into the dead job. The notice goes
// out before the state flip; a crash in between re-notifies on the next pass
// rather than failing silently.
func (r *Reconciler) fail(ctx context.Context, job *domain.Job, userMsg string) {
	r.notify(ctx, job, fmt.Sprintf("%s\nReference: %s", userMsg, job.CorrelationID))
	if err := r.jobs.MarkTerminal(ctx, job.JobID, domain.StateFailed, userMsg); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) || errors.Is(err, domain.ErrAlreadyDelivered) {
			return
		}
		r.logger.Error("Failed to close job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}
	r.forget(ctx, job)
	r.logger.Info("Job failed",
		slog.String("job_id", job.JobID),
		slog.String("correlation_id", job.CorrelationID),
		slog.String("reason", userMsg),
	)
}

// expire closes a job that outlived the hard age cap as timeout.
func (r *Reconciler) expire(ctx context.Context, job *domain.Job) {
	r.notify(ctx, job, fmt.Sprintf("This generation took too long and was closed. Please try again.\nReference: %s", job.CorrelationID))
	if err := r.jobs.MarkTerminal(ctx, job.JobID, domain.StateTimeout, "exceeded max job age"); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) || errors.Is(err, domain.ErrAlreadyDelivered) {
			return
		}
		r.logger.Error("Failed to close job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}
	r.forget(ctx, job)
	r.logger.Warn("Job timed out",
		slog.String("job_id", job.JobID),
		slog.String("state", string(job.State)),
		slog.Duration("age", job.Age(time.Now().UTC())),
	)
}

// notify sends a failure notice with a retry button. Best effort: a notice
// that cannot be sent is logged and dropped, the terminal state still wins.
func (r *Reconciler) notify(ctx context.Context, job *domain.Job, text string) {
	msg := telegram.SendMessage{
		ChatID: job.ChatID,
		Text:   text,
		ReplyMarkup: &telegram.InlineKeyboardMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{
				{Text: "Retry", CallbackData: "retry:" + job.JobID},
			}},
		},
	}
	err := r.executor.Execute(ctx, "telegram.notify", func(ctx context.Context) error {
		_, err := r.telegram.Send(ctx, msg)
		return err
	})
	if err != nil {
		r.logger.Warn("Failed to notify user",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}

func (r *Reconciler) forget(ctx context.Context, job *domain.Job) {
	key := dedupe.Key(job.UserID, job.ModelID, job.ParamsHash)
	if err := r.dedupe.Forget(ctx, key); err != nil {
		r.logger.Warn("Failed to drop dedupe entry",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}
