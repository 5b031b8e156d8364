// Package store is the data access layer for intel sources, items and the
// fetch log. All timestamps are unix milliseconds.
package store

import (
	"database/sql"

	sq "github.com/Masterminds/squirrel"
)

// Store wraps the intel database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// psql builds queries with SQLite "?" placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)
