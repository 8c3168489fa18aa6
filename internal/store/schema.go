// Package store provides the PostgreSQL persistence layer: organizations and
// their credit ledger, agents, conversations with transcripts, and the hybrid
// (full-text + vector) knowledge index.
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tenancy and billing DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlOrganizations = `
CREATE TABLE IF NOT EXISTS organizations (
    id              UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    name            TEXT         NOT NULL,
    credit_balance  NUMERIC(12,4) NOT NULL DEFAULT 0,
    version         BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id               UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    org_id           UUID         NOT NULL REFERENCES organizations (id),
    conversation_id  UUID,
    type             TEXT         NOT NULL,
    minutes          NUMERIC(12,4) NOT NULL,
    balance_after    NUMERIC(12,4) NOT NULL,
    description      TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_org_created
    ON transactions (org_id, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Agents and conversations DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id             UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    org_id         UUID         NOT NULL REFERENCES organizations (id),
    name           TEXT         NOT NULL,
    phone_number   TEXT         NOT NULL,
    system_prompt  TEXT         NOT NULL DEFAULT '',
    greeting       TEXT         NOT NULL DEFAULT '',
    voice_id       TEXT         NOT NULL DEFAULT '',
    tools          TEXT[]       NOT NULL DEFAULT '{}',
    knowledge_id   UUID,
    is_active      BOOLEAN      NOT NULL DEFAULT true,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_phone_number
    ON agents (phone_number) WHERE is_active;
`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id               UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    org_id           UUID         NOT NULL REFERENCES organizations (id),
    agent_id         UUID         NOT NULL REFERENCES agents (id),
    call_sid         TEXT         NOT NULL DEFAULT '',
    caller_number    TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL DEFAULT 'ACTIVE',
    sentiment        TEXT,
    duration_sec     INTEGER      NOT NULL DEFAULT 0,
    cost_minutes     NUMERIC(12,4) NOT NULL DEFAULT 0,
    interrupt_count  INTEGER      NOT NULL DEFAULT 0,
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_conversations_org_started
    ON conversations (org_id, started_at);

CREATE INDEX IF NOT EXISTS idx_conversations_call_sid
    ON conversations (call_sid);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id               UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    conversation_id  UUID         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    latency_ms       BIGINT,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
    ON messages (conversation_id, created_at);
`

const ddlCallReservations = `
CREATE TABLE IF NOT EXISTS call_reservations (
    call_sid         TEXT         PRIMARY KEY,
    org_id           UUID         NOT NULL REFERENCES organizations (id),
    conversation_id  UUID         NOT NULL REFERENCES conversations (id),
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge index DDL — generated tsvector column + HNSW vector index
// ─────────────────────────────────────────────────────────────────────────────

// ddlKnowledge returns the knowledge DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlKnowledge(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id            UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    knowledge_id  UUID         NOT NULL,
    content       TEXT         NOT NULL,
    metadata      JSONB        NOT NULL DEFAULT '{}',
    embedding     vector(%d),
    content_tsv   tsvector     GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_knowledge_id
    ON knowledge_chunks (knowledge_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_tsv
    ON knowledge_chunks USING GIN (content_tsv);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlOrganizations,
		ddlTransactions,
		ddlAgents,
		ddlConversations,
		ddlMessages,
		ddlCallReservations,
		ddlKnowledge(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
