package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Extraction is a validated answer from the location extraction service.
type Extraction struct {
	LocationName string  `json:"location_name"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Confidence   int     `json:"confidence_score"`
	Category     string  `json:"category"`
}

// Candidate converts e into an ai_extraction candidate.
func (e Extraction) Candidate() Candidate {
	return Candidate{
		Lat:        e.Lat,
		Lng:        e.Lng,
		PlaceName:  e.LocationName,
		Confidence: e.Confidence,
		Method:     MethodAIExtraction,
		Category:   e.Category,
	}
}

// rawExtraction mirrors the wire shape loosely: models send numbers as
// strings, null coordinates, or confidence as a 0..1 fraction.
type rawExtraction struct {
	LocationName *string         `json:"location_name"`
	Lat          json.RawMessage `json:"lat"`
	Lng          json.RawMessage `json:"lng"`
	Confidence   json.RawMessage `json:"confidence_score"`
	Category     string          `json:"category"`
}

// ParseExtraction reads the first JSON object out of a model reply and
// validates it. The returned error wraps one of ErrNoJSON, ErrMalformedJSON,
// ErrNoLocation, ErrInvalidCoordinates or ErrLowConfidence.
func ParseExtraction(reply string, threshold int) (Extraction, error) {
	obj, ok := FirstJSONObject(reply)
	if !ok {
		return Extraction{}, ErrNoJSON
	}
	var raw rawExtraction
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	conf, err := number(raw.Confidence)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: confidence_score: %v", ErrMalformedJSON, err)
	}
	if conf > 0 && conf <= 1 && strings.Contains(string(raw.Confidence), ".") {
		conf *= 100
	}
	e := Extraction{
		Confidence: int(math.Round(conf)),
		Category:   NormalizeCategory(raw.Category),
	}
	if raw.LocationName != nil {
		e.LocationName = strings.TrimSpace(*raw.LocationName)
	}

	if isNull(raw.Lat) || isNull(raw.Lng) {
		return e, ErrNoLocation
	}
	if e.Lat, err = number(raw.Lat); err != nil {
		return e, fmt.Errorf("%w: lat: %v", ErrMalformedJSON, err)
	}
	if e.Lng, err = number(raw.Lng); err != nil {
		return e, fmt.Errorf("%w: lng: %v", ErrMalformedJSON, err)
	}
	if !ValidCoordinates(e.Lat, e.Lng) {
		return e, fmt.Errorf("%w: (%g, %g)", ErrInvalidCoordinates, e.Lat, e.Lng)
	}
	if e.Confidence > 100 {
		e.Confidence = 100
	}
	if e.Confidence <= threshold {
		return e, &LowConfidenceError{Confidence: e.Confidence, Threshold: threshold}
	}
	return e, nil
}

func isNull(m json.RawMessage) bool {
	s := strings.TrimSpace(string(m))
	return s == "" || s == "null" || s == `""`
}

// number accepts a JSON number or a numeric string.
func number(m json.RawMessage) (float64, error) {
	if isNull(m) {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(m, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(m, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", m)
	}
	var v float64
	if _, err := fmt.Sscan(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%")), &v); err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// FirstJSONObject returns the first balanced {...} in s. Braces inside JSON
// strings are ignored. An opening brace whose object never closes is skipped
// and the scan resumes after it.
func FirstJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
