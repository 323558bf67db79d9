package postgres

import (
	"context"
	"fmt"
)

// Schema DDL applied at startup. Statements are idempotent so restarts are
// safe without a migration ledger.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id                    TEXT PRIMARY KEY,
		kind                  TEXT NOT NULL,
		status                TEXT NOT NULL,
		required_capability   TEXT NOT NULL,
		fallback_capabilities TEXT[] NOT NULL DEFAULT '{}',
		priority              INT NOT NULL DEFAULT 0,
		payload               BYTEA,
		result                BYTEA,
		error                 TEXT NOT NULL DEFAULT '',
		retry_count           INT NOT NULL DEFAULT 0,
		max_retries           INT NOT NULL DEFAULT 3,
		assigned_worker_id    TEXT,
		retry_after           TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL,
		assigned_at           TIMESTAMPTZ,
		completed_at          TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_claim_idx
		ON tasks (status, retry_after, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS tasks_capability_idx ON tasks (required_capability)`,
	`CREATE INDEX IF NOT EXISTS tasks_worker_idx ON tasks (assigned_worker_id)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		bucket_key   TEXT PRIMARY KEY,
		capacity     BIGINT NOT NULL,
		refill_rate  DOUBLE PRECISION NOT NULL,
		tokens       DOUBLE PRECISION NOT NULL,
		last_refill  TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=migrate: %w", err)
		}
	}
	return nil
}
