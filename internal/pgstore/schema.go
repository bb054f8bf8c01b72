package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EmbeddingDimension is the vector width every project schema declares
// for the memories table. The embedding sidecar's raw output is
// projected (truncated or zero-padded) to this width before insert.
const EmbeddingDimension = 768

// bootstrapStatements are executed in order on first use of a schema.
// Table creation is idempotent (IF NOT EXISTS); additive column
// changes for schemas created by an older binary go through
// addColumnIfMissing instead, so redeploying never fails against a
// schema that already has the column.
var bootstrapStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS memories (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		content TEXT NOT NULL,
		role TEXT NOT NULL,
		tags TEXT[] NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		embedding vector(768),
		project_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS memories_project_hash_idx
		ON memories (project_path, (metadata->>'hash'))
		WHERE tags @> ARRAY['claude-session']`,
	`CREATE INDEX IF NOT EXISTS memories_project_created_idx ON memories (project_path, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		project_path TEXT NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS channels_project_idx ON channels (project_path)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		channel_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		thread_id TEXT,
		mentions TEXT[] NOT NULL DEFAULT '{}',
		read_by TEXT[] NOT NULL DEFAULT '{}',
		project_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages (channel_id)`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id)`,
	`CREATE INDEX IF NOT EXISTS messages_created_idx ON messages (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages (thread_id)`,
	`CREATE INDEX IF NOT EXISTS messages_mentions_gin_idx ON messages USING GIN (mentions)`,
	`CREATE INDEX IF NOT EXISTS messages_project_idx ON messages (project_path)`,

	`CREATE TABLE IF NOT EXISTS task_claims (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		description TEXT NOT NULL,
		files TEXT[] NOT NULL DEFAULT '{}',
		claimed_by TEXT NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		status TEXT NOT NULL DEFAULT 'active',
		project_path TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_claims_files_gin_idx ON task_claims USING GIN (files)
		WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS task_claims_active_idx ON task_claims (project_path, claimed_by)
		WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS help_requests (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		question TEXT NOT NULL,
		context TEXT,
		requested_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		project_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS help_requests_open_idx ON help_requests (project_path)
		WHERE status = 'open'`,
}

// additiveColumns lists columns introduced after a table's original
// creation; Bootstrap adds any that a pre-existing schema is missing,
// guarded by an existence check so re-running it is always safe.
var additiveColumns = []struct {
	table, column, definition string
}{
	{"messages", "thread_id", "TEXT"},
}

// Bootstrap creates every table, index, and additive column this
// project schema needs, idempotently. Callers invoke it once per
// process per schema (Manager.PoolFor does this automatically).
func Bootstrap(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	for _, stmt := range bootstrapStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap statement failed: %w", err)
		}
	}

	for _, col := range additiveColumns {
		if err := addColumnIfMissing(ctx, pool, schema, col.table, col.column, col.definition); err != nil {
			return err
		}
	}

	return nil
}

func addColumnIfMissing(ctx context.Context, pool *pgxpool.Pool, schema, table, column, definition string) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
		)`, schema, table, column).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
