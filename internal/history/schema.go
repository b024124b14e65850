package history

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    source_name TEXT NOT NULL,
    source_size INTEGER NOT NULL DEFAULT 0,
    variant TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error_message TEXT,
    artifacts TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_history_owner ON job_history(owner_id, completed_at);
CREATE INDEX IF NOT EXISTS idx_job_history_completed ON job_history(completed_at);
`
