package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/intelfeed/dbopen"
)

// deleteChunk bounds the number of ids bound into one DELETE statement.
const deleteChunk = 500

// oldestFirst is the retention order: publication time ascending with
// undated items first, then ingestion time, then id for a total order.
var oldestFirst = []string{"published_at ASC NULLS FIRST", "created_at ASC", "id ASC"}

// DeleteCreatedBefore deletes items ingested before cutoff (unix ms).
func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff int64) (int64, error) {
	q, args, err := psql.Delete("intel_items").Where(sq.Lt{"created_at": cutoff}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := dbopen.Exec(ctx, s.DB, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired items: %w", err)
	}
	return res.RowsAffected()
}

// CountItems returns the total number of stored items.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM intel_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// SourceCounts returns per-source item counts joined with each source's own
// cap. Items whose source no longer exists are reported with MaxItems 0.
func (s *Store) SourceCounts(ctx context.Context) ([]SourceCount, error) {
	q, args, err := psql.
		Select("i.source_id", "COUNT(*)", "COALESCE(MAX(s.max_items), 0)").
		From("intel_items i").
		LeftJoin("intel_sources s ON s.id = i.source_id").
		GroupBy("i.source_id").
		OrderBy("i.source_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count per source: %w", err)
	}
	defer rows.Close()

	var out []SourceCount
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.SourceID, &sc.Count, &sc.MaxItems); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// OldestItemIDs returns the ids of the n oldest items, optionally scoped to
// one source.
func (s *Store) OldestItemIDs(ctx context.Context, sourceID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	b := psql.Select("id").From("intel_items").OrderBy(oldestFirst...).Limit(uint64(n))
	if sourceID != "" {
		b = b.Where(sq.Eq{"source_id": sourceID})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select oldest items: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteItems deletes the given ids in chunks and returns how many rows
// went away. On error the count covers the chunks already deleted.
func (s *Store) DeleteItems(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		q, args, err := psql.Delete("intel_items").Where(sq.Eq{"id": ids[start:end]}).ToSql()
		if err != nil {
			return total, err
		}
		res, err := dbopen.Exec(ctx, s.DB, q, args...)
		if err != nil {
			return total, fmt.Errorf("delete items: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
