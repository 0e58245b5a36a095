package postgres

import (
	"fmt"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// schemaStatements is executed in order on startup. Every statement is
// idempotent so replicas can race on boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            UUID PRIMARY KEY,
		external_id   TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL DEFAULT '',
		avatar_url    TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		last_login_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id         UUID PRIMARY KEY,
		user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions (token_hash)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id          UUID PRIMARY KEY,
		user_id     UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title       TEXT NOT NULL DEFAULT '',
		is_pinned   BOOLEAN NOT NULL DEFAULT FALSE,
		share_token TEXT UNIQUE,
		shared_at   TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		sql_query       TEXT NOT NULL DEFAULT '',
		sql_executions  JSONB,
		reasoning       TEXT NOT NULL DEFAULT '',
		token_count     INTEGER NOT NULL DEFAULT 0 CHECK (token_count >= 0),
		input_tokens    INTEGER NOT NULL DEFAULT 0,
		output_tokens   INTEGER NOT NULL DEFAULT 0,
		tool_call_trace JSONB,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id                  UUID PRIMARY KEY,
		conversation_id     UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		url                 TEXT NOT NULL,
		name                TEXT NOT NULL,
		row_count           BIGINT NOT NULL DEFAULT 0 CHECK (row_count >= 0),
		column_count        INTEGER NOT NULL DEFAULT 0 CHECK (column_count >= 0),
		schema_json         JSONB,
		status              TEXT NOT NULL,
		error_message       TEXT NOT NULL DEFAULT '',
		loaded_at           TIMESTAMPTZ NOT NULL,
		file_size_bytes     BIGINT NOT NULL DEFAULT 0,
		column_descriptions JSONB,
		UNIQUE (conversation_id, url),
		UNIQUE (conversation_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_conversation_id ON datasets (conversation_id)`,
	`CREATE TABLE IF NOT EXISTS token_usage (
		id              BIGSERIAL PRIMARY KEY,
		user_id         UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		conversation_id UUID REFERENCES conversations(id) ON DELETE SET NULL,
		model_name      TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL DEFAULT 0 CHECK (input_tokens >= 0),
		output_tokens   INTEGER NOT NULL DEFAULT 0 CHECK (output_tokens >= 0),
		cost            DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (cost >= 0),
		timestamp       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_token_usage_user_timestamp
		ON token_usage (user_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS referral_keys (
		key_hash   TEXT PRIMARY KEY,
		created_by UUID,
		used_by    UUID,
		created_at TIMESTAMPTZ NOT NULL,
		used_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id           UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		dev_mode          BOOLEAN NOT NULL DEFAULT FALSE,
		selected_model    TEXT NOT NULL DEFAULT '',
		chart_suggestions BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS query_results_cache (
		cache_key    TEXT PRIMARY KEY,
		sql_query    TEXT NOT NULL,
		dataset_urls JSONB NOT NULL,
		result_json  JSONB NOT NULL,
		row_count    BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_results_cache_expires
		ON query_results_cache (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_query_results_cache_created
		ON query_results_cache (created_at)`,
}

// EnsureSchema creates every table and index the repos rely on.
func EnsureSchema(ctx domain.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
		}
	}
	return nil
}
