package geo

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed gazetteer.yaml
var gazetteerYAML []byte

// Place is one gazetteer entry.
type Place struct {
	Name        string   `yaml:"name"`
	CountryCode string   `yaml:"country"`
	Code        string   `yaml:"code"`
	Lat         float64  `yaml:"lat"`
	Lng         float64  `yaml:"lng"`
	Aliases     []string `yaml:"aliases"`
	SkipName    bool     `yaml:"skip_name"`
}

// ISO2 returns the country code of the place.
func (p *Place) ISO2() string {
	if p.Code != "" {
		return p.Code
	}
	return p.CountryCode
}

// Gazetteer holds the static city and country tables.
type Gazetteer struct {
	Cities    []Place `yaml:"cities"`
	Countries []Place `yaml:"countries"`
}

// ParseGazetteer decodes a gazetteer document and validates its coordinates.
func ParseGazetteer(data []byte) (*Gazetteer, error) {
	var g Gazetteer
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse gazetteer: %w", err)
	}
	for _, set := range [][]Place{g.Cities, g.Countries} {
		for _, p := range set {
			if p.Name == "" || p.ISO2() == "" {
				return nil, fmt.Errorf("parse gazetteer: entry %q missing name or country", p.Name)
			}
			if !ValidCoordinates(p.Lat, p.Lng) {
				return nil, fmt.Errorf("parse gazetteer: %s: %w", p.Name, ErrInvalidCoordinates)
			}
		}
	}
	return &g, nil
}

var (
	defaultOnce sync.Once
	defaultGaz  *Gazetteer
)

// DefaultGazetteer returns the embedded gazetteer. It panics if the embedded
// document is invalid, which the package tests rule out.
func DefaultGazetteer() *Gazetteer {
	defaultOnce.Do(func() {
		g, err := ParseGazetteer(gazetteerYAML)
		if err != nil {
			panic(err)
		}
		defaultGaz = g
	})
	return defaultGaz
}

// Matcher finds the first mention of a known place in free text. Phrases
// match on word boundaries, case and diacritics insensitive. When several
// phrases match, the earliest one in the text wins; at the same position the
// longest phrase wins ("South Sudan" over "Sudan").
type Matcher struct {
	phrases []string // normalized, longest first
	places  map[string]*Place
}

// NewMatcher indexes places by name and aliases. The first place to claim a
// phrase keeps it.
func NewMatcher(places []Place) *Matcher {
	m := &Matcher{places: make(map[string]*Place, len(places)*2)}
	add := func(p *Place, s string) {
		k := normalizeKey(s)
		if k == "" {
			return
		}
		if _, ok := m.places[k]; ok {
			return
		}
		m.places[k] = p
		m.phrases = append(m.phrases, k)
	}
	for i := range places {
		p := &places[i]
		if !p.SkipName {
			add(p, p.Name)
		}
		for _, a := range p.Aliases {
			add(p, a)
		}
	}
	sort.Slice(m.phrases, func(i, j int) bool {
		if len(m.phrases[i]) == len(m.phrases[j]) {
			return m.phrases[i] < m.phrases[j]
		}
		return len(m.phrases[i]) > len(m.phrases[j])
	})
	return m
}

// Find returns the place mentioned first in text, or nil.
func (m *Matcher) Find(text string) *Place {
	t := " " + normalizeKey(text) + " "
	if len(t) <= 2 {
		return nil
	}
	best, bestAt := "", -1
	for _, p := range m.phrases {
		at := strings.Index(t, " "+p+" ")
		if at < 0 {
			continue
		}
		// phrases are longest first, so a tie keeps the longer one
		if bestAt < 0 || at < bestAt {
			best, bestAt = p, at
		}
	}
	if bestAt < 0 {
		return nil
	}
	return m.places[best]
}

// normalizeKey lowercases s, strips diacritics and collapses every run of
// non-alphanumerics into one space.
func normalizeKey(s string) string {
	// transformers are stateful, so each call builds its own chain
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
