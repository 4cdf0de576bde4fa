package domain

import "time"

// Job tracks one generation request end-to-end, from the user's confirm
// action to delivery of the result into the originating chat.
type Job struct {
	JobID          string     `db:"job_id"`
	UserID         int64      `db:"user_id"`
	ChatID         int64      `db:"chat_id"`
	MessageID      int64      `db:"message_id"`
	ModelID        string     `db:"model_id"`
	CorrelationID  string     `db:"correlation_id"`
	ProviderTaskID string     `db:"provider_task_id"`
	State          State      `db:"state"`
	Attempts       int        `db:"attempts"`
	ParamsHash     string     `db:"params_hash"`
	Input          string     `db:"input"` // normalized input JSON
	LastError      string     `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	DeliveredAt    *time.Time `db:"delivered_at"`
}

// Delivered reports whether the result has been handed to the chat.
func (j *Job) Delivered() bool {
	return j.DeliveredAt != nil
}

// Age is the time since the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// Pollable reports whether the reconciler can ask the provider about this
// job. Jobs stuck in create_start never received a provider task id (the
// create call timed out before the ack), so there is nothing to poll.
func (j *Job) Pollable() bool {
	return j.ProviderTaskID != "" && !j.State.Terminal()
}
