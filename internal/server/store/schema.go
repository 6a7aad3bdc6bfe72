package store

// schema is applied idempotently at startup: cmd/server calls Migrate,
// which executes this DDL directly (no golang-migrate source is involved).
// It is the single authoritative DDL reference, also usable for
// sqlmock-free integration tests against a real Postgres.
const schema = `
CREATE TABLE IF NOT EXISTS orgs (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	api_key_hash           TEXT NOT NULL,
	rate_limit_per_minute  INTEGER NOT NULL DEFAULT 600,
	active                 BOOLEAN NOT NULL DEFAULT TRUE,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS devices (
	org_id         TEXT NOT NULL REFERENCES orgs(id),
	device_id      TEXT NOT NULL,
	platform       TEXT NOT NULL,
	agent_version  TEXT NOT NULL,
	first_seen     TIMESTAMPTZ NOT NULL,
	last_seen      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, device_id)
);

CREATE TABLE IF NOT EXISTS nonces (
	org_id      TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	nonce       TEXT NOT NULL,
	seen_at     TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, device_id, nonce)
);

CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces (expires_at);

CREATE TABLE IF NOT EXISTS events (
	id         UUID PRIMARY KEY,
	org_id     TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	source     TEXT NOT NULL,
	severity   TEXT NOT NULL,
	platform   TEXT NOT NULL,
	title      TEXT NOT NULL,
	details    JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events (org_id, device_id, ts);

CREATE TABLE IF NOT EXISTS insights (
	id            UUID PRIMARY KEY,
	org_id        TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	day           DATE NOT NULL,
	type          TEXT NOT NULL,
	source        TEXT NOT NULL,
	severity      TEXT NOT NULL,
	title         TEXT NOT NULL,
	explanation   TEXT NOT NULL,
	evidence      JSONB NOT NULL DEFAULT '{}'::jsonb,
	fingerprint   TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'open',
	count         INTEGER NOT NULL DEFAULT 1,
	first_seen    TIMESTAMPTZ NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_insights_fingerprint ON insights (org_id, device_id, fingerprint, last_seen);

CREATE TABLE IF NOT EXISTS daily_metrics (
	org_id            TEXT NOT NULL,
	device_id         TEXT NOT NULL,
	day               DATE NOT NULL,
	risk_score        INTEGER NOT NULL,
	raw_score         DOUBLE PRECISION NOT NULL,
	failed_logins     INTEGER NOT NULL DEFAULT 0,
	new_listeners     INTEGER NOT NULL DEFAULT 0,
	new_processes     INTEGER NOT NULL DEFAULT 0,
	suspicious_execs  INTEGER NOT NULL DEFAULT 0,
	severity_counts   JSONB NOT NULL DEFAULT '{}'::jsonb,
	baseline          JSONB NOT NULL DEFAULT '{}'::jsonb,
	drivers           JSONB NOT NULL DEFAULT '[]'::jsonb,
	new_changes       JSONB NOT NULL DEFAULT '[]'::jsonb,
	resolved_changes  JSONB NOT NULL DEFAULT '[]'::jsonb,
	daily_brief       JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (org_id, device_id, day)
);
`

// Migrate applies the schema. Safe to call on every startup.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schema)
	return err
}
