// Package observability persists the history of pipeline runs in SQLite so
// that past reports can be listed without a log aggregator.
package observability

import "database/sql"

// Schema is the run_log DDL. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS run_log (
    run_id       TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    started_at   INTEGER NOT NULL,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    report       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_run_log_kind_time ON run_log(kind, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_log_time ON run_log(started_at);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
