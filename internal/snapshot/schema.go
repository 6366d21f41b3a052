package snapshot

const schemaExchanges = `
CREATE TABLE IF NOT EXISTS exchanges (
    id TEXT PRIMARY KEY,
    received_at TEXT NOT NULL,
    completed_at TEXT NOT NULL DEFAULT '',
    dialect TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    pipeline TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    status INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    retries INTEGER NOT NULL DEFAULT 0,
    streamed INTEGER NOT NULL DEFAULT 0,
    fault_kind TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_exchanges_received ON exchanges(received_at);
CREATE INDEX IF NOT EXISTS idx_exchanges_model ON exchanges(model);
`

const schemaSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    pipeline TEXT NOT NULL,
    phase TEXT NOT NULL,
    digest TEXT NOT NULL,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_request ON snapshots(request_id);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas is the ordered list of DDL statements forming the version-1
// database layout.
var allSchemas = []string{
	schemaExchanges,
	schemaSnapshots,
	schemaMigrations,
}
