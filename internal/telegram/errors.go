package telegram

import (
	"fmt"
	"net/http"
	"time"
)

// APIError is an ok=false answer from the Bot API.
type APIError struct {
	Code        int
	Description string
	retryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram error (code %d): %s", e.Code, e.Description)
}

// Terminal reports whether retrying the same request is pointless.
// Flood control (429) is the one client error worth retrying.
func (e *APIError) Terminal() bool {
	if e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// RetryAfter returns the delay requested by flood control, zero otherwise.
func (e *APIError) RetryAfter() time.Duration {
	return e.retryAfter
}
