package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/intelfeed/horosafe"
	"github.com/hazyhaar/intelfeed/intel/internal/canon"
	"github.com/hazyhaar/intelfeed/intel/internal/feed"
	"github.com/hazyhaar/intelfeed/intel/internal/geo"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// Field bounds applied before storage.
const (
	MaxTitle    = 500
	MaxSummary  = 2000
	MaxAuthor   = 200
	MaxImageURL = 2048
	MaxPlace    = 200
	MaxTags     = 32
)

// rawPayload is the parsed entry as received, unbounded, plus where it came
// from. Decoding it into a feed.Entry rebuilds the entry.
type rawPayload struct {
	feed.Entry
	SourceType string `json:"source_type,omitempty"`
	Publisher  string `json:"publisher,omitempty"`
}

// BuildItem turns a feed entry into an item: it resolves aggregator links,
// derives the identity from the canonical URL, bounds every field, takes
// embedded coordinates at confidence 100 and infers a category.
func (in *Ingester) BuildItem(ctx context.Context, src *store.Source, e *feed.Entry) (*store.Item, error) {
	link := in.destination(ctx, e)
	canonical, id, err := canon.Identify(link)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %q: %w", e.Link, err)
	}

	it := &store.Item{
		ID:           id,
		SourceID:     src.ID,
		Origin:       store.OriginFeed,
		Title:        horosafe.Truncate(e.Title, MaxTitle),
		Summary:      horosafe.Truncate(e.Summary, MaxSummary),
		Author:       horosafe.Truncate(e.Author, MaxAuthor),
		URL:          link,
		CanonicalURL: canonical,
		Tags:         mergeTags(src.Tags, e.Categories),
	}
	if it.Title == "" {
		it.Title = canonical
	}
	if len(e.ImageURL) <= MaxImageURL {
		it.ImageURL = e.ImageURL
	}
	if e.Published != nil {
		ms := e.Published.UnixMilli()
		it.PublishedAt = &ms
	}
	if e.Geo != nil && e.Geo.Valid() {
		lat, lng := e.Geo.Lat, e.Geo.Lng
		it.Lat, it.Lng = &lat, &lng
		it.GeoConfidence = geo.ConfidenceGeoRSS
		it.GeoMethod = geo.MethodGeoRSS
	}
	it.Category = Categorize(it.Title+"\n"+it.Summary, e.Categories)

	raw, err := json.Marshal(rawPayload{
		Entry:      *e,
		SourceType: src.SourceType,
		Publisher:  canon.Site(canonical),
	})
	if err != nil {
		return nil, fmt.Errorf("encode raw: %w", err)
	}
	it.Raw = string(raw)
	return it, nil
}

// destination returns the publisher link for an entry. Aggregator links are
// resolved from the description anchors first, then over HTTP; when both
// fail the wrapped link is kept.
func (in *Ingester) destination(ctx context.Context, e *feed.Entry) string {
	link := strings.TrimSpace(e.Link)
	if !canon.IsWrapper(link) {
		return link
	}
	if pub := canon.PublisherFromHrefs(e.Hrefs); pub != "" {
		return pub
	}
	if in.resolver == nil {
		return link
	}
	dest, err := in.resolver.Resolve(ctx, link)
	if err != nil || dest == "" {
		in.logger.DebugContext(ctx, "ingest: wrapper not resolved", "link", link, "error", err)
		return link
	}
	return dest
}

// Categorize infers a category from text, falling back to the feed's own
// category labels.
func Categorize(text string, feedCategories []string) string {
	if c := geo.InferCategory(text); c != geo.CategoryOther {
		return c
	}
	for _, fc := range feedCategories {
		if c := geo.NormalizeCategory(fc); c != geo.CategoryOther {
			return c
		}
	}
	return geo.CategoryOther
}

func mergeTags(lists ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range lists {
		for _, t := range list {
			t = strings.ToLower(horosafe.Truncate(t, 64))
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
			if len(out) == MaxTags {
				return out
			}
		}
	}
	return out
}
