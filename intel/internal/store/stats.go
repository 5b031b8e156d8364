package store

import (
	"context"
	"fmt"
)

// Counts aggregates the item table.
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{
		ByMethod:   map[string]int{},
		BySource:   map[string]int{},
		ByCategory: map[string]int{},
	}
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN geo_confidence > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN geo_method IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN geo_method = 'no_location' THEN 1 ELSE 0 END), 0)
		FROM intel_items`).Scan(&c.Total, &c.Located, &c.Pending, &c.NoLocation)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}

	groups := []struct {
		col string
		dst map[string]int
	}{
		{"COALESCE(geo_method, 'pending')", c.ByMethod},
		{"source_id", c.BySource},
		{"category", c.ByCategory},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.col, g.dst); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *Store) groupCount(ctx context.Context, col string, dst map[string]int) error {
	q, args, err := psql.Select(col, "COUNT(*)").From("intel_items").GroupBy(col).ToSql()
	if err != nil {
		return err
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("group count %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		dst[k] = n
	}
	return rows.Err()
}
