package domain

import "time"

// User is the minimal per-user state the bot keeps: language for replies,
// the admin flag for /status, and the last free-text prompt awaiting a
// confirm press.
type User struct {
	UserID        int64     `db:"user_id"`
	Language      string    `db:"language"`
	IsAdmin       bool      `db:"is_admin"`
	PendingPrompt string    `db:"pending_prompt"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}
