package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sourceColumns = `id, name, url, source_type, tags, enabled, max_items,
	last_polled_at, last_status, last_error, fail_count, created_at, updated_at`

// UpsertSource inserts src or refreshes its configuration fields. Polling
// state (last_polled_at, status, fail count) is left untouched on update.
func (s *Store) UpsertSource(ctx context.Context, src *Source) error {
	now := time.Now().UnixMilli()
	if src.SourceType == "" {
		src.SourceType = "rss"
	}
	if src.CreatedAt == 0 {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	tags, err := encodeTags(src.Tags)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO intel_sources (id, name, url, source_type, tags, enabled, max_items,
		last_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			source_type = excluded.source_type,
			tags = excluded.tags,
			enabled = excluded.enabled,
			max_items = excluded.max_items,
			updated_at = excluded.updated_at`,
		src.ID, src.Name, src.URL, src.SourceType, tags, src.Enabled, src.MaxItems,
		src.CreatedAt, src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

// GetSource returns the source with id, or nil if it does not exist.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM intel_sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

// ListSources returns every source ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]*Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM intel_sources ORDER BY id`)
}

// EnabledSources returns every enabled source, least recently polled first.
// Failure streaks do not filter here; backoff is decided per run.
func (s *Store) EnabledSources(ctx context.Context) ([]*Source, error) {
	return s.querySources(ctx,
		`SELECT `+sourceColumns+` FROM intel_sources
		WHERE enabled = 1
		ORDER BY last_polled_at ASC NULLS FIRST, id`)
}

// FailingSources returns enabled sources with at least minFailCount
// consecutive failures, longest streak first.
func (s *Store) FailingSources(ctx context.Context, minFailCount int) ([]*Source, error) {
	if minFailCount < 1 {
		minFailCount = 1
	}
	return s.querySources(ctx,
		`SELECT `+sourceColumns+` FROM intel_sources
		WHERE enabled = 1 AND fail_count >= ?
		ORDER BY fail_count DESC, id`, minFailCount)
}

// RecordPollSuccess stamps last_polled_at and clears the failure streak.
func (s *Store) RecordPollSuccess(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE intel_sources SET last_polled_at = ?, last_status = 'ok',
		last_error = '', fail_count = 0, updated_at = ?
		WHERE id = ?`, now, now, id)
	return err
}

// RecordPollError stamps last_polled_at and extends the failure streak.
func (s *Store) RecordPollError(ctx context.Context, id, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE intel_sources SET last_polled_at = ?, last_status = 'error',
		last_error = ?, fail_count = fail_count + 1, updated_at = ?
		WHERE id = ?`, now, errMsg, now, id)
	return err
}

// ResetFailures clears the failure streak of a source, ending any backoff.
// It reports whether the source exists.
func (s *Store) ResetFailures(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE intel_sources SET fail_count = 0, last_error = '', updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(sc scanner) (*Source, error) {
	var src Source
	var enabled int
	var tags string
	var polled sql.NullInt64
	err := sc.Scan(&src.ID, &src.Name, &src.URL, &src.SourceType, &tags, &enabled, &src.MaxItems,
		&polled, &src.LastStatus, &src.LastError, &src.FailCount, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Enabled = enabled != 0
	if polled.Valid {
		v := polled.Int64
		src.LastPolledAt = &v
	}
	src.Tags = decodeTags(tags)
	return &src, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}
