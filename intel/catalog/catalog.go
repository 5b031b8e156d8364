// Package catalog reads the YAML source catalog.
//
// A catalog lists the feeds to poll. Syncing it into the store upserts every
// entry and never deletes: removing an entry from the file leaves its source
// and items in place, and disabling it stops polling.
package catalog

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/intelfeed/intel/internal/feed"
)

//go:embed default.yaml
var defaultYAML []byte

// Entry is one catalog source.
type Entry struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Type     string   `yaml:"type"` // rss (default), atom, json or auto
	Tags     []string `yaml:"tags"`
	Enabled  *bool    `yaml:"enabled"` // default true
	MaxItems int      `yaml:"max_items"`
}

// IsEnabled reports the effective enabled flag.
func (e *Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Catalog is a parsed catalog file.
type Catalog struct {
	Sources []Entry `yaml:"sources"`
}

// Parse decodes and validates a catalog document. Missing ids are derived
// from the name.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	seen := map[string]bool{}
	for i := range c.Sources {
		e := &c.Sources[i]
		e.Name = strings.TrimSpace(e.Name)
		e.URL = strings.TrimSpace(e.URL)
		if e.ID == "" {
			e.ID = Slug(e.Name)
		}
		e.Type = strings.ToLower(strings.TrimSpace(e.Type))
		if e.Type == "" {
			e.Type = feed.FormatRSS
		}
		if e.ID == "" {
			return nil, fmt.Errorf("catalog: entry %d: missing id and name", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("catalog: duplicate id %q", e.ID)
		}
		seen[e.ID] = true
		u, err := url.Parse(e.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("catalog: %s: invalid url %q", e.ID, e.URL)
		}
		if !feed.ValidFormat(e.Type) {
			return nil, fmt.Errorf("catalog: %s: unknown type %q (want rss, atom, json or auto)", e.ID, e.Type)
		}
		if e.MaxItems < 0 {
			return nil, fmt.Errorf("catalog: %s: negative max_items", e.ID)
		}
	}
	return &c, nil
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// Slug lowercases s and joins its alphanumeric runs with dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
