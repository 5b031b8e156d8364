package store

import "database/sql"

// Schema is the intel schema. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS intel_sources (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    url             TEXT NOT NULL,
    source_type     TEXT NOT NULL DEFAULT 'rss',
    tags            TEXT NOT NULL DEFAULT '[]',
    enabled         INTEGER NOT NULL DEFAULT 1,
    max_items       INTEGER NOT NULL DEFAULT 0,
    last_polled_at  INTEGER,
    last_status     TEXT NOT NULL DEFAULT 'pending',
    last_error      TEXT NOT NULL DEFAULT '',
    fail_count      INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

-- id is the hex SHA-256 of canonical_url.
-- geo_method NULL means not yet enriched; 'no_location' is terminal.
CREATE TABLE IF NOT EXISTS intel_items (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL,
    origin          TEXT NOT NULL DEFAULT 'feed',
    title           TEXT NOT NULL,
    summary         TEXT NOT NULL DEFAULT '',
    author          TEXT NOT NULL DEFAULT '',
    image_url       TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL,
    canonical_url   TEXT NOT NULL,
    published_at    INTEGER,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    lat             REAL,
    lng             REAL,
    country_code    TEXT NOT NULL DEFAULT '',
    place_name      TEXT NOT NULL DEFAULT '',
    geo_confidence  INTEGER NOT NULL DEFAULT 0,
    geo_method      TEXT,
    category        TEXT NOT NULL DEFAULT 'Other',
    tags            TEXT NOT NULL DEFAULT '[]',
    raw             TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_intel_items_source ON intel_items(source_id, published_at, created_at);
CREATE INDEX IF NOT EXISTS idx_intel_items_created ON intel_items(created_at);
CREATE INDEX IF NOT EXISTS idx_intel_items_age ON intel_items(published_at, created_at);
CREATE INDEX IF NOT EXISTS idx_intel_items_geo ON intel_items(geo_method, created_at DESC);

CREATE TABLE IF NOT EXISTS fetch_log (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL REFERENCES intel_sources(id) ON DELETE CASCADE,
    status          TEXT NOT NULL,
    status_code     INTEGER NOT NULL DEFAULT 0,
    item_count      INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    fetched_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_source ON fetch_log(source_id, fetched_at DESC);
`

// ApplySchema creates all tables and indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
