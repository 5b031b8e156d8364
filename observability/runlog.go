package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Run statuses.
const (
	StatusOK    = "ok"
	StatusFatal = "fatal"
)

// RunEntry is one recorded run.
type RunEntry struct {
	RunID      string          `json:"run_id"`
	Kind       string          `json:"kind"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Report     json.RawMessage `json:"report"`
}

// RunFilter narrows Query. Zero fields match everything.
type RunFilter struct {
	Kind   string
	Status string
	Since  time.Time
	Limit  int // default 50, max 500
}

// RunLog reads and writes the run_log table.
type RunLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunLog creates a RunLog over db, which must carry Schema.
func NewRunLog(db *sql.DB, logger *slog.Logger) *RunLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLog{db: db, logger: logger}
}

// NewEntry builds an entry from a report value, marshalled to JSON.
func NewEntry(runID, kind string, started time.Time, duration time.Duration, fatal string, report any) *RunEntry {
	e := &RunEntry{
		RunID:      runID,
		Kind:       kind,
		StartedAt:  started,
		DurationMs: duration.Milliseconds(),
		Status:     StatusOK,
		Report:     json.RawMessage("{}"),
	}
	if fatal != "" {
		e.Status = StatusFatal
		e.Error = fatal
	}
	if report != nil {
		if b, err := json.Marshal(report); err == nil {
			e.Report = b
		}
	}
	return e
}

// Record inserts e. Re-recording a run id replaces the row.
func (l *RunLog) Record(ctx context.Context, e *RunEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_log (run_id, kind, started_at, duration_ms, status, error, report)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Kind, e.StartedAt.UnixMilli(), e.DurationMs, e.Status, e.Error, string(e.Report))
	if err != nil {
		return fmt.Errorf("record run %s: %w", e.RunID, err)
	}
	return nil
}

// Query returns matching runs, most recent first.
func (l *RunLog) Query(ctx context.Context, f RunFilter) ([]*RunEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	b := sq.Select("run_id", "kind", "started_at", "duration_ms", "status", "error", "report").
		From("run_log").
		OrderBy("started_at DESC", "run_id DESC").
		Limit(uint64(f.Limit))
	if f.Kind != "" {
		b = b.Where(sq.Eq{"kind": f.Kind})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"started_at": f.Since.UnixMilli()})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run query: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query run log: %w", err)
	}
	defer rows.Close()

	out := []*RunEntry{}
	for rows.Next() {
		var e RunEntry
		var started int64
		var report string
		if err := rows.Scan(&e.RunID, &e.Kind, &started, &e.DurationMs, &e.Status, &e.Error, &report); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.Report = json.RawMessage(report)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes runs started before cutoff.
func (l *RunLog) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM run_log WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup run log: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		l.logger.Debug("observability: run log pruned", "deleted", n)
	}
	return n, err
}
