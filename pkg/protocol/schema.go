package protocol

// SchemaDDL defines the SQLite schema for the pilot state database.
// Tables: sessions, checkpoints.
const SchemaDDL = `
-- Conversation index: one row per agent session per workspace
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT NOT NULL,
    workspace TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    requests INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (workspace, id)
);

-- Append-only checkpoint history
CREATE TABLE IF NOT EXISTS checkpoints (
    seq INTEGER PRIMARY KEY,
    workspace TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS checkpoints_workspace ON checkpoints(workspace, seq);
`
