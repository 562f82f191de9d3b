package database

// Schema contains the SQL statements to create the ingestion database schema.
// Timestamps are unix milliseconds so range comparisons stay numeric.
const Schema = `
-- Upload sessions: one row per resumable upload
CREATE TABLE IF NOT EXISTS upload_sessions (
    id                   TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    file_name            TEXT NOT NULL,
    total_size           INTEGER NOT NULL CHECK (total_size > 0),
    chunk_size           INTEGER NOT NULL CHECK (chunk_size > 0),
    total_chunks         INTEGER NOT NULL CHECK (total_chunks > 0),
    uploaded_chunks      BLOB NOT NULL,
    file_hash            TEXT NOT NULL,
    chunk_hash_algorithm TEXT NOT NULL,
    status               TEXT NOT NULL,
    storage_path         TEXT NOT NULL,
    mime_type            TEXT NOT NULL DEFAULT '',
    expires_at           INTEGER NOT NULL,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

-- Quota accounts: current balance per owner
CREATE TABLE IF NOT EXISTS quota_accounts (
    owner_id   TEXT PRIMARY KEY,
    size       INTEGER NOT NULL CHECK (size >= 0),
    used       INTEGER NOT NULL CHECK (used >= 0),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK (used <= size)
);

-- Quota ledger: append-only, only status/withdrawn_at ever change
CREATE TABLE IF NOT EXISTS quota_records (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id     TEXT NOT NULL,
    field        TEXT NOT NULL CHECK (field IN ('SIZE', 'USED')),
    action       TEXT NOT NULL CHECK (action IN ('USE', 'ADD', 'SUB')),
    amount       INTEGER NOT NULL CHECK (amount > 0),
    reason       TEXT NOT NULL DEFAULT '',
    session_id   TEXT,
    status       TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'WITHDRAWN')),
    created_at   INTEGER NOT NULL,
    withdrawn_at INTEGER,
    FOREIGN KEY (owner_id) REFERENCES quota_accounts(owner_id)
);

-- Resource files: completed uploads moving through scanning and offload
CREATE TABLE IF NOT EXISTS resource_files (
    id           TEXT PRIMARY KEY,
    resource_id  TEXT NOT NULL,
    session_id   TEXT NOT NULL UNIQUE,
    owner_id     TEXT NOT NULL,
    file_name    TEXT NOT NULL,
    size         INTEGER NOT NULL,
    mime_type    TEXT NOT NULL DEFAULT '',
    local_path   TEXT NOT NULL DEFAULT '',
    remote_key   TEXT NOT NULL DEFAULT '',
    file_status  TEXT NOT NULL,
    check_status TEXT NOT NULL,
    signatures   TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

-- Violation counters: progressive ban policy state
CREATE TABLE IF NOT EXISTS violation_counters (
    owner_id     TEXT PRIMARY KEY,
    count        INTEGER NOT NULL DEFAULT 0,
    banned_until INTEGER,
    permanent    BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at   INTEGER NOT NULL
);

-- Offload dead letters: jobs that exhausted their retries
CREATE TABLE IF NOT EXISTS offload_dead_letters (
    file_id    TEXT PRIMARY KEY,
    attempts   INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

-- Chunk digests: the verified hash of each recorded chunk range
CREATE TABLE IF NOT EXISTS chunk_digests (
    session_id  TEXT NOT NULL REFERENCES upload_sessions(id),
    chunk_index INTEGER NOT NULL,
    digest      TEXT NOT NULL,
    PRIMARY KEY (session_id, chunk_index)
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON upload_sessions(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON upload_sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_records_owner ON quota_records(owner_id, id);
CREATE INDEX IF NOT EXISTS idx_records_session ON quota_records(session_id, status);
CREATE INDEX IF NOT EXISTS idx_files_check ON resource_files(check_status);
CREATE INDEX IF NOT EXISTS idx_files_status ON resource_files(file_status);
`
