package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ferixdi-png/TRT-sub004/internal/domain"
)

// ErrBudgetExhausted is returned when the caller's deadline leaves no room
// to issue (or re-issue) the call.
var ErrBudgetExhausted = errors.New("outbound budget exhausted")

// RetryAfterer is implemented by rate-limit errors that carry the server's
// requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Terminaler is implemented by errors that know whether retrying can help.
type Terminaler interface {
	Terminal() bool
}

// Config holds the default budgets applied to every call.
type Config struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// Options overrides the executor defaults for a single call. Zero fields
// inherit the default.
type Options struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// Executor runs outbound calls under a wall-clock budget: per-attempt
// timeouts, bounded retries with exponential backoff, and an overall cap
// from the caller's context deadline. Every provider and Telegram call in
// the service goes through here.
type Executor struct {
	config Config
	logger *slog.Logger
}

// NewExecutor creates an executor with the given defaults.
func NewExecutor(config Config, logger *slog.Logger) *Executor {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 10 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 500 * time.Millisecond
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 5 * time.Second
	}

	return &Executor{
		config: config,
		logger: logger,
	}
}

// Execute runs fn under the default budgets.
func (e *Executor) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	return e.ExecuteWith(ctx, op, Options{}, fn)
}

// ExecuteWith runs fn with per-call overrides. The call latency visible to
// the caller is bounded by the smaller of the context deadline and
// attempts x attempt timeout plus backoff. A context that is already done
// fails fast without issuing the call.
func (e *Executor) ExecuteWith(ctx context.Context, op string, opts Options, fn func(context.Context) error) error {
	attemptTimeout := e.config.AttemptTimeout
	if opts.AttemptTimeout > 0 {
		attemptTimeout = opts.AttemptTimeout
	}
	maxAttempts := e.config.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	backoffBase := e.config.BackoffBase
	if opts.BackoffBase > 0 {
		backoffBase = opts.BackoffBase
	}
	backoffMax := e.config.BackoffMax
	if opts.BackoffMax > 0 {
		backoffMax = opts.BackoffMax
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s canceled: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, ErrBudgetExhausted)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		remaining, bounded := remainingBudget(ctx)
		if bounded && remaining <= 0 {
			return e.exhausted(op, attempt-1, lastErr)
		}

		timeout := attemptTimeout
		if bounded && remaining < timeout {
			timeout = remaining
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				e.logger.Info("Outbound call succeeded after retry",
					slog.String("op", op),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}

		// A canceled parent context means shutdown, not failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.Canceled) {
				return fmt.Errorf("%s canceled: %w", op, ctxErr)
			}
			return e.exhausted(op, attempt, err)
		}

		if !retryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(backoffBase, backoffMax, attempt)
		if ra, ok := retryAfter(err); ok {
			delay = ra
		}
		if bounded {
			if remaining, _ = remainingBudget(ctx); delay >= remaining {
				return e.exhausted(op, attempt, err)
			}
		}

		e.logger.Warn("Outbound call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		if err := sleep(ctx, delay); err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s canceled: %w", op, err)
			}
			return e.exhausted(op, attempt, lastErr)
		}
	}

	e.logger.Error("Outbound call failed after all attempts",
		slog.String("op", op),
		slog.Int("attempts", maxAttempts),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxAttempts, lastErr)
}

func (e *Executor) exhausted(op string, attempts int, lastErr error) error {
	e.logger.Warn("Outbound budget exhausted",
		slog.String("op", op),
		slog.Int("attempts", attempts),
		slog.Any("last_error", lastErr),
	)
	if lastErr != nil {
		return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrBudgetExhausted, attempts, lastErr)
	}
	return fmt.Errorf("%s: %w", op, ErrBudgetExhausted)
}

func remainingBudget(ctx context.Context) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}

// retryable reports whether another attempt could succeed. Unknown errors
// are treated as terminal so non-idempotent calls are never blindly reissued.
func retryable(err error) bool {
	var t Terminaler
	if errors.As(err, &t) {
		return !t.Terminal()
	}
	if _, ok := retryAfter(err); ok {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return domain.IsTransient(err)
}

func retryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return ra.RetryAfter(), true
	}
	return 0, false
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * float64(uint(1)<<uint(attempt-1)))
	if delay > max {
		delay = max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
