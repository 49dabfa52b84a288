package sqlite

const schema = `
-- Memories table
CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0),
    disclosure TEXT NOT NULL DEFAULT '',
    vitality_score REAL NOT NULL DEFAULT 1.0,
    access_count INTEGER NOT NULL DEFAULT 0,
    deprecated INTEGER NOT NULL DEFAULT 0,
    migrated_to INTEGER,
    content_hash TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_accessed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_memories_deprecated ON memories(deprecated);
CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at);
CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash);
CREATE INDEX IF NOT EXISTS idx_memories_vitality ON memories(vitality_score);

-- Paths table: domain://path -> memory id. A memory may have many paths.
CREATE TABLE IF NOT EXISTS paths (
    domain TEXT NOT NULL,
    path TEXT NOT NULL,
    memory_id INTEGER NOT NULL REFERENCES memories(id),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (domain, path)
);

CREATE INDEX IF NOT EXISTS idx_paths_memory_id ON paths(memory_id);

-- Gists: short summaries keyed by the content hash they were built from
CREATE TABLE IF NOT EXISTS gists (
    memory_id INTEGER NOT NULL REFERENCES memories(id),
    source_content_hash TEXT NOT NULL,
    gist_text TEXT NOT NULL DEFAULT '',
    gist_method TEXT NOT NULL DEFAULT '',
    quality REAL NOT NULL DEFAULT 0 CHECK(quality >= 0 AND quality <= 1),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (memory_id, source_content_hash)
);

-- Snapshots: per-session pre-mutation states for diff/rollback review
CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    resource_type TEXT NOT NULL CHECK(resource_type IN ('memory', 'path')),
    operation_type TEXT NOT NULL,
    snapshot_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    pre_state TEXT NOT NULL DEFAULT '',
    UNIQUE (session_id, resource_id)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id);

-- Vector side-index: one row per (memory, chunk)
CREATE TABLE IF NOT EXISTS memory_vectors (
    memory_id INTEGER NOT NULL REFERENCES memories(id),
    chunk_id INTEGER NOT NULL,
    vector BLOB NOT NULL,
    PRIMARY KEY (memory_id, chunk_id)
);

-- Internal bookkeeping (decay day markers, index watermarks)
CREATE TABLE IF NOT EXISTS index_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);

-- Tags: free-form labels per memory
CREATE TABLE IF NOT EXISTS tags (
    memory_id INTEGER NOT NULL REFERENCES memories(id),
    tag TEXT NOT NULL,
    PRIMARY KEY (memory_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);

-- Index jobs: durable record of queue activity, surviving restarts
CREATE TABLE IF NOT EXISTS index_jobs (
    job_id TEXT PRIMARY KEY,
    task_type TEXT NOT NULL,
    memory_id INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    degrade_reasons TEXT NOT NULL DEFAULT '',
    requested_at DATETIME NOT NULL,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_index_jobs_requested ON index_jobs(requested_at);

-- Cleanup reviews: pending two-phase authorizations with their TTL
CREATE TABLE IF NOT EXISTS cleanup_reviews (
    review_id TEXT PRIMARY KEY,
    token TEXT NOT NULL,
    action TEXT NOT NULL,
    reviewer TEXT NOT NULL DEFAULT '',
    confirmation_phrase TEXT NOT NULL,
    selections TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cleanup_reviews_expires ON cleanup_reviews(expires_at);

-- Full-text side-index over memory content (external content table).
-- Triggers keep it in sync; rebuild_index reissues the 'rebuild' command.
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content,
    title,
    content='memories',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content, title) VALUES (new.id, new.content, new.title);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, title) VALUES ('delete', old.id, old.content, old.title);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE OF content, title ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, title) VALUES ('delete', old.id, old.content, old.title);
    INSERT INTO memories_fts(rowid, content, title) VALUES (new.id, new.content, new.title);
END;

-- Migration version tracking
CREATE TABLE IF NOT EXISTS schema_migrations (
    version TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    checksum TEXT NOT NULL DEFAULT ''
);
`
