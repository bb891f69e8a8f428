package chronos

const schema = `
CREATE TABLE IF NOT EXISTS chronos_jobs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    schedule_type TEXT NOT NULL,
    schedule_expression TEXT NOT NULL,
    cron_normalized TEXT,
    timezone TEXT NOT NULL,
    next_run_at TIMESTAMP NOT NULL,
    last_run_at TIMESTAMP,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    prompt TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chronos_jobs_due ON chronos_jobs(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS job_executions (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES chronos_jobs(id),
    status TEXT NOT NULL,
    output TEXT,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id, started_at);
`
