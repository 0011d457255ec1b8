// Package postgres provides the PostgreSQL-backed implementation of the
// bamboo persistence contracts (voice usage metering, conversation history,
// wisdom vector index).
//
// All contracts share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	// metering
//	_ = st.CreateSession(ctx, sessionID, userID, time.Now())
//
//	// history
//	_, _ = st.AppendMessage(ctx, sessionID, "user", "hello")
//
//	// vector search
//	results, _ := st.Search(ctx, embedding, 3)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Usage DDL: sessions, daily/monthly aggregates, audit events
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsage = `
CREATE TABLE IF NOT EXISTS voice_usage_sessions (
    id               TEXT         PRIMARY KEY,
    session_id       TEXT         NOT NULL UNIQUE,
    user_id          TEXT         NOT NULL,
    duration_ms      BIGINT       NOT NULL DEFAULT 0,
    chunk_count      BIGINT       NOT NULL DEFAULT 0,
    started_at       TIMESTAMPTZ  NOT NULL,
    last_activity_at TIMESTAMPTZ  NOT NULL,
    ended_at         TIMESTAMPTZ,
    is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
    voice_disabled   BOOLEAN      NOT NULL DEFAULT FALSE,
    limit_reached    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_user_started
    ON voice_usage_sessions (user_id, started_at DESC);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_active_activity
    ON voice_usage_sessions (last_activity_at) WHERE is_active;

CREATE TABLE IF NOT EXISTS voice_usage_daily (
    user_id             TEXT         NOT NULL,
    date                TEXT         NOT NULL,
    duration_ms         BIGINT       NOT NULL DEFAULT 0,
    session_count       BIGINT       NOT NULL DEFAULT 0,
    chunk_count         BIGINT       NOT NULL DEFAULT 0,
    limit_reached_count BIGINT       NOT NULL DEFAULT 0,
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, date)
);

CREATE INDEX IF NOT EXISTS idx_voice_daily_date
    ON voice_usage_daily (date);

CREATE TABLE IF NOT EXISTS voice_usage_monthly (
    user_id       TEXT         NOT NULL,
    year_month    TEXT         NOT NULL,
    duration_ms   BIGINT       NOT NULL DEFAULT 0,
    session_count BIGINT       NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, year_month)
);
`

const ddlEvents = `
CREATE TABLE IF NOT EXISTS voice_limit_events (
    id            BIGSERIAL    PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    session_id    TEXT         NOT NULL,
    limit_type    TEXT         NOT NULL,
    limit_minutes INTEGER      NOT NULL DEFAULT 0,
    used_ms       BIGINT       NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_limit_events_user_created
    ON voice_limit_events (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS voice_abuse_events (
    id         BIGSERIAL    PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    session_id TEXT         NOT NULL,
    event_type TEXT         NOT NULL,
    details    JSONB        NOT NULL DEFAULT '{}',
    reviewed   BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_abuse_events_user_created
    ON voice_abuse_events (user_id, created_at DESC);
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversation DDL: conversations + messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    session_id TEXT         PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_updated
    ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id         TEXT         PRIMARY KEY,
    seq        BIGSERIAL    NOT NULL,
    session_id TEXT         NOT NULL REFERENCES conversations (session_id) ON DELETE CASCADE,
    role       TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq
    ON messages (session_id, seq);
`

// ddlWisdom returns the wisdom index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlWisdom(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS wisdom_chunks (
    id         TEXT         PRIMARY KEY,
    content    TEXT         NOT NULL,
    source     TEXT         NOT NULL DEFAULT '',
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_wisdom_chunks_embedding
    ON wisdom_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlUsage,
		ddlEvents,
		ddlConversations,
		ddlWisdom(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
