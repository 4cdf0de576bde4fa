package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in storage.
	ErrJobNotFound = errors.New("job not found")

	// ErrStateConflict is returned when a conditional state transition
	// matched no row, i.e. another instance moved the job first.
	ErrStateConflict = errors.New("job state changed concurrently")

	// ErrAlreadyDelivered is returned when a delivery mark finds the job
	// already flagged as delivered.
	ErrAlreadyDelivered = errors.New("job already delivered")

	// ErrJobTerminal is returned when an operation targets a job that has
	// already reached a terminal state.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrUserNotFound is returned when the user lookup has no record.
	ErrUserNotFound = errors.New("user not found")
)

// TransientError wraps failures that are worth retrying on the next tick or
// attempt: network hiccups, 5xx responses, storage contention.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
