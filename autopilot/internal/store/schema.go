package store

// Schema is the seopilot rules database DDL. Timestamps are unix
// milliseconds except energy_reset_on, a calendar date in the quota
// timezone.
const Schema = `
CREATE TABLE IF NOT EXISTS operators (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'operator',
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
    id                TEXT PRIMARY KEY,
    domain            TEXT NOT NULL,
    token_hash        TEXT NOT NULL UNIQUE,
    owner_id          TEXT NOT NULL REFERENCES operators(id),
    plan_tier         TEXT NOT NULL DEFAULT 'free',
    autopilot_enabled INTEGER NOT NULL DEFAULT 1,
    energy_used       INTEGER NOT NULL DEFAULT 0,
    energy_reset_on   TEXT NOT NULL DEFAULT '',
    defense_snapshot_id TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sites_owner ON sites(owner_id);

CREATE TABLE IF NOT EXISTS rank_snapshots (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    keyword     TEXT NOT NULL,
    position    INTEGER NOT NULL,
    captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rank_site_time ON rank_snapshots(site_id, captured_at DESC);
CREATE INDEX IF NOT EXISTS idx_rank_site_kw_time ON rank_snapshots(site_id, keyword, captured_at DESC);

CREATE TABLE IF NOT EXISTS performance_snapshots (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    clicks      INTEGER NOT NULL,
    impressions INTEGER NOT NULL,
    ctr         REAL NOT NULL DEFAULT 0,
    position    REAL NOT NULL DEFAULT 0,
    captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_perf_site_time ON performance_snapshots(site_id, captured_at DESC);

CREATE TABLE IF NOT EXISTS rules (
    id           TEXT PRIMARY KEY,
    site_id      TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    target_path  TEXT NOT NULL,
    type         TEXT NOT NULL,
    payload      TEXT NOT NULL,
    payload_hash TEXT NOT NULL DEFAULT '',
    active       INTEGER NOT NULL DEFAULT 1,
    confidence   REAL NOT NULL DEFAULT 0.9,
    divergence   REAL,
    reasoning    TEXT NOT NULL DEFAULT '',
    source       TEXT NOT NULL DEFAULT 'manual',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_site_active ON rules(site_id, active, created_at);
CREATE INDEX IF NOT EXISTS idx_rules_dedup ON rules(site_id, target_path, type, payload_hash);

CREATE TABLE IF NOT EXISTS audit_events (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    target_path TEXT NOT NULL DEFAULT '',
    details     TEXT NOT NULL DEFAULT '{}',
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_site_time ON audit_events(site_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS issues (
    id         TEXT PRIMARY KEY,
    site_id    TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    path       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    excerpt    TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issues_site_path ON issues(site_id, path);

CREATE TABLE IF NOT EXISTS cycle_runs (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    mode        TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'running',
    error       TEXT NOT NULL DEFAULT '',
    proposed    INTEGER NOT NULL DEFAULT 0,
    admitted    INTEGER NOT NULL DEFAULT 0,
    created     INTEGER NOT NULL DEFAULT 0,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_site_time ON cycle_runs(site_id, started_at DESC);
`
