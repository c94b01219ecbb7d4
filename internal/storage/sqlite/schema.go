package sqlite

// Schema defines the SQLite schema for the item store.
//
// The partial unique index idx_items_active_key is the database-level
// enforcement of the single-active-version invariant: at most one open,
// non-tombstoned row may exist per (user_id, subject, predicate) for
// keyed items. Unkeyed items (empty subject/predicate) are exempt.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_items (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    tier             TEXT NOT NULL,
    subject          TEXT NOT NULL DEFAULT '',
    predicate        TEXT NOT NULL DEFAULT '',
    value            TEXT NOT NULL DEFAULT '',
    text             TEXT NOT NULL,
    embedding        BLOB,
    tags             TEXT NOT NULL DEFAULT '[]',
    confidence_base  REAL NOT NULL DEFAULT 0,
    importance       REAL NOT NULL DEFAULT 0,
    source           TEXT NOT NULL DEFAULT '',
    seen_count       INTEGER NOT NULL DEFAULT 1,
    first_seen       TIMESTAMP NOT NULL,
    last_seen        TIMESTAMP NOT NULL,
    valid_from       TIMESTAMP NOT NULL,
    valid_to         TIMESTAMP,
    supersedes_id    TEXT NOT NULL DEFAULT '',
    superseded_by_id TEXT NOT NULL DEFAULT '',
    archived         INTEGER NOT NULL DEFAULT 0,
    tombstoned       INTEGER NOT NULL DEFAULT 0,
    version          INTEGER NOT NULL DEFAULT 1,
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_items_active_key
    ON memory_items(user_id, subject, predicate)
    WHERE valid_to IS NULL AND tombstoned = 0 AND subject != '' AND predicate != '';

CREATE INDEX IF NOT EXISTS idx_items_user_tier
    ON memory_items(user_id, tier, valid_to);

CREATE INDEX IF NOT EXISTS idx_items_last_seen
    ON memory_items(user_id, last_seen);

CREATE INDEX IF NOT EXISTS idx_items_chain_back
    ON memory_items(supersedes_id) WHERE supersedes_id != '';
`
