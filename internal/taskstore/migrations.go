package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    agent TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    input TEXT NOT NULL,
    context TEXT,
    output TEXT,
    error TEXT,
    origin_channel TEXT NOT NULL,
    session_id TEXT NOT NULL,
    origin_message_id TEXT,
    origin_user_id TEXT,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    available_at TIMESTAMP,
    notify_status TEXT NOT NULL DEFAULT 'pending',
    notify_attempts INTEGER NOT NULL DEFAULT 0,
    notify_last_error TEXT,
    notified_at TIMESTAMP,
    notify_after_at TIMESTAMP,
    notify_claimed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_notify ON tasks(notify_status, finished_at);
`
