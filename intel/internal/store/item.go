package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/intelfeed/dbopen"
)

var itemColumns = []string{
	"id", "source_id", "origin", "title", "summary", "author", "image_url", "url", "canonical_url",
	"published_at", "created_at", "updated_at", "lat", "lng", "country_code", "place_name",
	"geo_confidence", "geo_method", "category", "tags", "raw",
}

// upsertItemSQL refreshes display fields on conflict. Location columns are
// only replaced by a strictly more confident location, so a re-sight can
// upgrade an item (e.g. a feed that now carries georss) but never regress it.
const upsertItemSQL = `
INSERT INTO intel_items (id, source_id, origin, title, summary, author, image_url, url,
	canonical_url, published_at, created_at, updated_at, lat, lng, country_code, place_name,
	geo_confidence, geo_method, category, tags, raw)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title        = excluded.title,
	summary      = excluded.summary,
	author       = excluded.author,
	image_url    = excluded.image_url,
	url          = excluded.url,
	published_at = COALESCE(excluded.published_at, intel_items.published_at),
	updated_at   = excluded.updated_at,
	category     = excluded.category,
	tags         = excluded.tags,
	raw          = excluded.raw,
	lat          = CASE WHEN excluded.geo_confidence > intel_items.geo_confidence THEN excluded.lat ELSE intel_items.lat END,
	lng          = CASE WHEN excluded.geo_confidence > intel_items.geo_confidence THEN excluded.lng ELSE intel_items.lng END,
	country_code = CASE WHEN excluded.geo_confidence > intel_items.geo_confidence THEN excluded.country_code ELSE intel_items.country_code END,
	place_name   = CASE WHEN excluded.geo_confidence > intel_items.geo_confidence THEN excluded.place_name ELSE intel_items.place_name END,
	geo_method   = CASE WHEN excluded.geo_confidence > intel_items.geo_confidence THEN excluded.geo_method ELSE intel_items.geo_method END,
	geo_confidence = MAX(excluded.geo_confidence, intel_items.geo_confidence)`

// UpsertItem inserts it or refreshes the existing row with the same id.
// Identity, source attribution, origin and created_at of an existing row are
// preserved.
func (s *Store) UpsertItem(ctx context.Context, it *Item) (UpsertOutcome, error) {
	if it.ID == "" {
		return 0, fmt.Errorf("upsert item: empty id")
	}
	now := time.Now().UnixMilli()
	if it.CreatedAt == 0 {
		it.CreatedAt = now
	}
	if it.UpdatedAt == 0 {
		it.UpdatedAt = now
	}
	if it.Origin == "" {
		it.Origin = OriginFeed
	}
	if it.Category == "" {
		it.Category = "Other"
	}
	if it.Raw == "" {
		it.Raw = "{}"
	}
	tags, err := encodeTags(it.Tags)
	if err != nil {
		return 0, err
	}
	var method any
	if it.GeoMethod != "" {
		method = it.GeoMethod
	}

	var outcome UpsertOutcome
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var one int
		switch err := tx.QueryRowContext(ctx, `SELECT 1 FROM intel_items WHERE id = ?`, it.ID).Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			outcome = Inserted
		case err != nil:
			return err
		default:
			outcome = Updated
		}
		_, err := tx.ExecContext(ctx, upsertItemSQL,
			it.ID, it.SourceID, it.Origin, it.Title, it.Summary, it.Author, it.ImageURL, it.URL,
			it.CanonicalURL, nullable(it.PublishedAt), it.CreatedAt, it.UpdatedAt, nullable(it.Lat), nullable(it.Lng),
			it.CountryCode, it.PlaceName, it.GeoConfidence, method, it.Category, tags, it.Raw,
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert item %s: %w", it.ID, err)
	}
	return outcome, nil
}

// GetItem returns the item with id, or nil.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	q, args, err := psql.Select(itemColumns...).From("intel_items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	it, err := scanItem(s.DB.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	SourceID    string
	LocatedOnly bool
	Category    string
	Limit       int
	Offset      int
}

// ListItems returns items newest first.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]*Item, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	b := psql.Select(itemColumns...).From("intel_items").
		OrderBy("COALESCE(published_at, created_at) DESC", "id").
		Limit(uint64(f.Limit)).Offset(uint64(max(f.Offset, 0)))
	if f.SourceID != "" {
		b = b.Where(sq.Eq{"source_id": f.SourceID})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"category": f.Category})
	}
	if f.LocatedOnly {
		b = b.Where(sq.Gt{"geo_confidence": 0})
	}
	return s.queryItems(ctx, b)
}

// UnlocatedItems returns up to limit items never processed by enrichment,
// newest first.
func (s *Store) UnlocatedItems(ctx context.Context, limit int) ([]*Item, error) {
	b := psql.Select(itemColumns...).From("intel_items").
		Where(sq.Eq{"geo_method": nil}).
		OrderBy("COALESCE(published_at, created_at) DESC", "created_at DESC").
		Limit(uint64(max(limit, 1)))
	return s.queryItems(ctx, b)
}

// SetLocation writes loc to an item if it improves on what is stored: a
// pending item accepts any result, a located one only a more confident one.
// A non-empty loc.Category replaces the stored category in the same write.
// It reports whether the row changed.
func (s *Store) SetLocation(ctx context.Context, id string, loc Location) (bool, error) {
	var lat, lng any
	if loc.Confidence > 0 {
		lat, lng = loc.Lat, loc.Lng
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE intel_items SET lat = ?, lng = ?, country_code = ?, place_name = ?,
		geo_confidence = ?, geo_method = ?, updated_at = ?,
		category = CASE WHEN ? <> '' THEN ? ELSE category END
		WHERE id = ? AND (geo_method IS NULL OR geo_confidence < ?)`,
		lat, lng, loc.CountryCode, loc.PlaceName, loc.Confidence, loc.Method,
		time.Now().UnixMilli(), loc.Category, loc.Category, id, loc.Confidence)
	if err != nil {
		return false, fmt.Errorf("set location %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) queryItems(ctx context.Context, b sq.SelectBuilder) ([]*Item, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(sc scanner) (*Item, error) {
	var it Item
	var published sql.NullInt64
	var lat, lng sql.NullFloat64
	var method sql.NullString
	var tags string
	err := sc.Scan(&it.ID, &it.SourceID, &it.Origin, &it.Title, &it.Summary, &it.Author,
		&it.ImageURL, &it.URL, &it.CanonicalURL, &published, &it.CreatedAt, &it.UpdatedAt,
		&lat, &lng, &it.CountryCode, &it.PlaceName, &it.GeoConfidence, &method,
		&it.Category, &tags, &it.Raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if published.Valid {
		v := published.Int64
		it.PublishedAt = &v
	}
	if lat.Valid && lng.Valid {
		la, ln := lat.Float64, lng.Float64
		it.Lat, it.Lng = &la, &ln
	}
	it.GeoMethod = method.String
	it.Tags = decodeTags(tags)
	return &it, nil
}

// nullable turns a nil pointer into SQL NULL and dereferences the rest.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
