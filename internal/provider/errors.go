package provider

import (
	"fmt"
	"net/http"
	"time"
)

// APIError is a non-2xx answer from the provider, carrying the decoded
// error envelope when one was present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// Terminal reports whether retrying the same request is pointless. Client
// errors are terminal except rate limiting and request timeout.
func (e *APIError) Terminal() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// RetryAfter returns the delay requested by a 429 answer, zero otherwise.
func (e *APIError) RetryAfter() time.Duration {
	return e.retryAfter
}

// userMessages maps provider error codes to the text shown to the user.
// Unknown codes fall back to a generic message; raw provider text is never
// forwarded.
var userMessages = map[string]string{
	"invalid_model":        "This model is currently unavailable. Please pick another one.",
	"invalid_input":        "The request was rejected. Please check your prompt and try again.",
	"content_policy":       "This request was declined by the content policy.",
	"insufficient_credits": "Not enough credits to run this generation.",
	"rate_limited":         "The service is busy right now. Please try again in a moment.",
	"task_not_found":       "This generation is no longer available. Please start a new one.",
}

// UserMessage returns the user-facing text for the provider error code.
func (e *APIError) UserMessage() string {
	return UserMessageForCode(e.Code)
}

// UserMessageForCode translates a provider error code into the text shown to
// the user. Task-level failures report their code inside the status payload
// rather than as an HTTP error, so the lookup is usable without an APIError.
func UserMessageForCode(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return "The generation could not be completed. Please try again."
}
