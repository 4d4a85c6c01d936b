package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- Connections table: One row per user who has authorized Garmin access
CREATE TABLE IF NOT EXISTS connections (
    user_id TEXT PRIMARY KEY,
    garmin_user_id TEXT,

    -- OAuth tokens
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at INTEGER NOT NULL,

    -- State tracking
    status TEXT NOT NULL DEFAULT 'connected',  -- connected | disconnected | error
    last_sync_at INTEGER,
    last_sync_cursor TEXT,
    error_state TEXT,

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Normalized activities: canonical per-activity rows
-- (user_id, activity_id) is the natural key for idempotent upserts
CREATE TABLE IF NOT EXISTS normalized_activities (
    user_id TEXT NOT NULL,
    activity_id TEXT NOT NULL,

    start_time INTEGER,
    sport TEXT,
    duration_s REAL NOT NULL DEFAULT 0,
    distance_m REAL,
    avg_hr REAL,
    max_hr REAL,
    avg_pace REAL,
    elevation_gain_m REAL,
    calories REAL,
    raw_json TEXT NOT NULL,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, activity_id)
);

-- Daily signals: one row per user per calendar day; later ingestions
-- merge non-null fields rather than overwrite wholesale
CREATE TABLE IF NOT EXISTS daily_signals (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,  -- ISO day, e.g. 2026-08-31

    hrv REAL,
    resting_hr REAL,
    sleep_score REAL,
    stress REAL,
    body_battery REAL,
    spo2 REAL,

    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, day)
);

-- Activity files: raw payloads accepted by webhook/backfill intake.
-- Rows are never deleted; they are marked processed or error (audit trail)
CREATE TABLE IF NOT EXISTS activity_files (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    dataset_key TEXT NOT NULL,
    notification_key TEXT,
    status TEXT NOT NULL DEFAULT 'pending',  -- pending | processed | error
    payload TEXT NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL,
    processed_at INTEGER
);

-- Sync jobs queue: dedup_key is deterministic per user so concurrent
-- enqueues collapse to one live job
CREATE TABLE IF NOT EXISTS sync_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key TEXT NOT NULL,
    user_id TEXT NOT NULL,
    trigger_type TEXT NOT NULL,  -- manual | incremental | nightly | backfill
    daily_lookback_days INTEGER NOT NULL,
    activity_lookback_days INTEGER NOT NULL,
    since_iso TEXT,

    status TEXT NOT NULL DEFAULT 'queued',  -- queued | running | completed | failed
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    finished_at INTEGER,
    created_at INTEGER NOT NULL
);

-- Derive jobs queue: dedup_key buckets by dataset and minute so bursty
-- webhook deliveries coalesce into a single recomputation
CREATE TABLE IF NOT EXISTS derive_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key TEXT NOT NULL,
    user_id TEXT NOT NULL,
    garmin_user_id TEXT,
    dataset_key TEXT NOT NULL,
    source TEXT NOT NULL,  -- webhook | sync

    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    finished_at INTEGER,
    created_at INTEGER NOT NULL
);

-- Derived metrics cache: latest computed result per user per metric
CREATE TABLE IF NOT EXISTS derived_metrics (
    user_id TEXT NOT NULL,
    metric_key TEXT NOT NULL,  -- acwr | readiness
    value_json TEXT NOT NULL,
    computed_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, metric_key)
);

-- Circuit breaker for upstream rate limiting (single row, id=1)
CREATE TABLE IF NOT EXISTS rate_limit_circuit_breaker (
    id INTEGER PRIMARY KEY,
    state TEXT NOT NULL DEFAULT 'closed',  -- closed | open | half_open
    opened_at INTEGER,
    closes_at INTEGER,
    last_429_at INTEGER,
    consecutive_successes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

INSERT OR IGNORE INTO rate_limit_circuit_breaker (id, state, updated_at)
VALUES (1, 'closed', strftime('%s', 'now'));

-- Indexes for connections table
CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_garmin_user
    ON connections(garmin_user_id) WHERE garmin_user_id IS NOT NULL;

-- Indexes for normalized_activities table
CREATE INDEX IF NOT EXISTS idx_activities_user_start
    ON normalized_activities(user_id, start_time DESC);

-- Indexes for activity_files table
CREATE INDEX IF NOT EXISTS idx_activity_files_user_status
    ON activity_files(user_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_files_notification
    ON activity_files(user_id, notification_key) WHERE notification_key IS NOT NULL;

-- One live job per dedup key; finished rows are retained for observability
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_live
    ON sync_jobs(dedup_key) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_finished ON sync_jobs(status, finished_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_derive_jobs_live
    ON derive_jobs(dedup_key) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_derive_jobs_status ON derive_jobs(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_derive_jobs_finished ON derive_jobs(status, finished_at);
`
