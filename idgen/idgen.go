// Package idgen generates identifiers for runs and fetch log rows.
//
// Item identities are not generated here: an item's id is the hash of its
// canonical URL.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

var (
	// RunID identifies one ingest, enrich or cleanup run.
	RunID = Prefixed("run_", UUIDv7())
	// FetchLogID identifies one fetch_log row.
	FetchLogID = Prefixed("flog_", UUIDv7())
)

// Parse validates the UUID part of id, ignoring a known prefix.
func Parse(id string) (string, error) {
	raw := id
	for _, p := range []string{"run_", "flog_"} {
		if len(raw) > len(p) && raw[:len(p)] == p {
			raw = raw[len(p):]
			break
		}
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", id, err)
	}
	return id, nil
}
