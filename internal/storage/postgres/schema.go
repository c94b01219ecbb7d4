package postgres

// Schema defines the base PostgreSQL schema for the item store. All
// statements are idempotent. The partial unique index enforces the
// single-active-version invariant at the database level.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_items (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    tier             TEXT NOT NULL,
    subject          TEXT NOT NULL DEFAULT '',
    predicate        TEXT NOT NULL DEFAULT '',
    value            TEXT NOT NULL DEFAULT '',
    text             TEXT NOT NULL,
    embedding        BYTEA,
    tags             JSONB NOT NULL DEFAULT '[]',
    confidence_base  DOUBLE PRECISION NOT NULL DEFAULT 0,
    importance       DOUBLE PRECISION NOT NULL DEFAULT 0,
    source           TEXT NOT NULL DEFAULT '',
    seen_count       INTEGER NOT NULL DEFAULT 1,
    first_seen       TIMESTAMPTZ NOT NULL,
    last_seen        TIMESTAMPTZ NOT NULL,
    valid_from       TIMESTAMPTZ NOT NULL,
    valid_to         TIMESTAMPTZ,
    supersedes_id    TEXT NOT NULL DEFAULT '',
    superseded_by_id TEXT NOT NULL DEFAULT '',
    archived         BOOLEAN NOT NULL DEFAULT FALSE,
    tombstoned       BOOLEAN NOT NULL DEFAULT FALSE,
    version          BIGINT NOT NULL DEFAULT 1,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_items_active_key
    ON memory_items(user_id, subject, predicate)
    WHERE valid_to IS NULL AND NOT tombstoned AND subject <> '' AND predicate <> '';

CREATE INDEX IF NOT EXISTS idx_items_user_tier
    ON memory_items(user_id, tier, valid_to);

CREATE INDEX IF NOT EXISTS idx_items_last_seen
    ON memory_items(user_id, last_seen);
`

// MigrationPgvector adds the native vector column used for ANN search.
// Applied only when the pgvector extension is available. The BYTEA column
// stays the source of truth; embedding_vec is a derived copy maintained
// on insert.
const MigrationPgvector = `
ALTER TABLE memory_items ADD COLUMN IF NOT EXISTS embedding_vec vector(768);

CREATE INDEX IF NOT EXISTS idx_items_embedding_vec
    ON memory_items USING hnsw (embedding_vec vector_cosine_ops);
`
