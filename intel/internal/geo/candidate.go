// Package geo resolves a location for an intelligence item. Resolution is an
// ordered list of strategies; the first one that produces a candidate wins.
package geo

import (
	"errors"
	"fmt"
)

// Geotag methods, in decreasing order of trust.
const (
	MethodGeoRSS          = "georss"
	MethodCityMatch       = "city_match"
	MethodCountryCentroid = "country_centroid"
	MethodAIExtraction    = "ai_extraction"
	MethodNoLocation      = "no_location"
)

// Confidence assigned by each built-in method.
const (
	ConfidenceGeoRSS  = 100
	ConfidenceCity    = 80
	ConfidenceCountry = 50
	// AIThreshold is the minimum model confidence that is accepted (exclusive).
	AIThreshold = 50
)

// Item origins a strategy can filter on.
const (
	OriginFeed    = "feed"
	OriginArticle = "article"
)

// Subject is the text a strategy looks at.
type Subject struct {
	ID      string
	Title   string
	Summary string
	Content string
	Origin  string
}

// Text joins the subject's fields in reading order.
func (s Subject) Text() string {
	out := s.Title
	for _, part := range []string{s.Summary, s.Content} {
		if part == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part
	}
	return out
}

// Candidate is a proposed location with its confidence and provenance.
type Candidate struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	CountryCode string  `json:"country_code,omitempty"`
	PlaceName   string  `json:"place_name,omitempty"`
	Confidence  int     `json:"confidence"`
	Method      string  `json:"method"`
	Category    string  `json:"category,omitempty"` // set by strategies that classify
}

// NoLocation is the terminal result when every strategy declined.
func NoLocation() Candidate {
	return Candidate{Method: MethodNoLocation}
}

// Located reports whether c carries coordinates.
func (c Candidate) Located() bool {
	return c.Method != MethodNoLocation && c.Confidence > 0
}

// ValidCoordinates reports whether lat/lng are inside WGS84 bounds and not
// the null island placeholder.
func ValidCoordinates(lat, lng float64) bool {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return lat != 0 || lng != 0
}

// Extraction failures. They never abort a run; the item stays unlocated or
// falls through to no_location.
var (
	ErrNoJSON             = errors.New("geo: no JSON object in response")
	ErrMalformedJSON      = errors.New("geo: malformed JSON object")
	ErrInvalidCoordinates = errors.New("geo: coordinates out of range")
	ErrLowConfidence      = errors.New("geo: confidence below threshold")
	ErrNoLocation         = errors.New("geo: model reported no location")
)

// LowConfidenceError carries the rejected confidence.
type LowConfidenceError struct {
	Confidence int
	Threshold  int
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("geo: confidence %d not above %d", e.Confidence, e.Threshold)
}

func (e *LowConfidenceError) Unwrap() error { return ErrLowConfidence }
