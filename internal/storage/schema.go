package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema is the DDL for all tables this service owns. The statements are
// written to run unchanged on PostgreSQL and on SQLite, which backs the
// storage tests.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id           VARCHAR(64) PRIMARY KEY,
    user_id          BIGINT       NOT NULL,
    chat_id          BIGINT       NOT NULL,
    message_id       BIGINT       NOT NULL DEFAULT 0,
    model_id         VARCHAR(128) NOT NULL,
    correlation_id   VARCHAR(64)  NOT NULL,
    provider_task_id VARCHAR(128) NOT NULL DEFAULT '',
    state            VARCHAR(32)  NOT NULL,
    attempts         INTEGER      NOT NULL DEFAULT 0,
    params_hash      VARCHAR(64)  NOT NULL,
    input            TEXT         NOT NULL,
    last_error       TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMP    NOT NULL,
    updated_at       TIMESTAMP    NOT NULL,
    delivered_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at);

CREATE TABLE IF NOT EXISTS users (
    user_id        BIGINT      PRIMARY KEY,
    language       VARCHAR(8)  NOT NULL DEFAULT 'en',
    is_admin       BOOLEAN     NOT NULL DEFAULT FALSE,
    pending_prompt TEXT        NOT NULL DEFAULT '',
    created_at     TIMESTAMP   NOT NULL,
    updated_at     TIMESTAMP   NOT NULL
);

CREATE TABLE IF NOT EXISTS singleton_locks (
    lock_key    VARCHAR(128) PRIMARY KEY,
    holder_id   VARCHAR(256) NOT NULL,
    acquired_at TIMESTAMP    NOT NULL,
    expires_at  TIMESTAMP    NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
