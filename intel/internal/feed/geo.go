package feed

import (
	"strconv"
	"strings"

	ext "github.com/mmcdole/gofeed/extensions"
)

// Point is a WGS84 coordinate embedded in a feed item.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is inside WGS84 bounds and not the (0,0) null
// island placeholder some feeds emit.
func (p Point) Valid() bool {
	if p.Lat == 0 && p.Lng == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// pointFromExtensions looks for georss:point, W3C geo:lat/geo:long and
// georss:where/gml:Point/gml:pos under any namespace prefix.
func pointFromExtensions(exts ext.Extensions) *Point {
	for _, elems := range exts {
		if p := firstPoint(elems["point"]); p != nil {
			return p
		}
		if p := latLong(elems); p != nil {
			return p
		}
		for _, where := range elems["where"] {
			if p := gmlPos(where); p != nil {
				return p
			}
		}
	}
	return nil
}

func firstPoint(list []ext.Extension) *Point {
	for _, e := range list {
		if p := parsePair(e.Value); p != nil {
			return p
		}
	}
	return nil
}

func latLong(elems map[string][]ext.Extension) *Point {
	lat, okLat := firstFloat(elems["lat"])
	lng, okLng := firstFloat(elems["long"])
	if !okLng {
		lng, okLng = firstFloat(elems["lon"])
	}
	if !okLat || !okLng {
		return nil
	}
	p := Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return nil
	}
	return &p
}

func gmlPos(e ext.Extension) *Point {
	if e.Name == "pos" {
		return parsePair(e.Value)
	}
	for _, children := range e.Children {
		for _, c := range children {
			if p := gmlPos(c); p != nil {
				return p
			}
		}
	}
	return nil
}

// parsePair parses "lat lng" (space or comma separated).
func parsePair(s string) *Point {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' || r == '\n' })
	if len(fields) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(fields[0], 64)
	lng, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	p := Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return nil
	}
	return &p
}

func firstFloat(list []ext.Extension) (float64, bool) {
	for _, e := range list {
		if v, err := strconv.ParseFloat(strings.TrimSpace(e.Value), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
