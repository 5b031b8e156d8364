package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/intelfeed/horosafe"
	"github.com/hazyhaar/intelfeed/intel/internal/canon"
	"github.com/hazyhaar/intelfeed/intel/internal/enrich"
	"github.com/hazyhaar/intelfeed/intel/internal/ingest"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// ArticleSourceID attributes freeform articles that name no source.
const ArticleSourceID = "articles"

// maxArticleContent bounds the body excerpt kept for later extraction.
const maxArticleContent = 8000

// Article is a freeform document submitted outside of any feed.
type Article struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	SourceID    string     `json:"source_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// ArticleResult reports where an article landed.
type ArticleResult struct {
	ID          string  `json:"id"`
	Inserted    bool    `json:"inserted"`
	Located     bool    `json:"located"`
	GeoMethod   string  `json:"geo_method,omitempty"`
	Confidence  int     `json:"geo_confidence"`
	Lat         float64 `json:"lat,omitempty"`
	Lng         float64 `json:"lng,omitempty"`
	PlaceName   string  `json:"place_name,omitempty"`
	Category    string  `json:"category"`
	ExtractNote string  `json:"extract_note,omitempty"`
}

type articleRaw struct {
	Link    string `json:"link"`
	Content string `json:"content,omitempty"`
}

// IngestArticle stores a freeform article. When an extractor is configured
// the article is located inline and kept only above the confidence
// threshold; otherwise it stays pending for the next enrichment run.
func (s *Service) IngestArticle(ctx context.Context, a Article) (*ArticleResult, error) {
	a.URL = strings.TrimSpace(a.URL)
	a.Title = strings.TrimSpace(a.Title)
	a.Content = strings.TrimSpace(a.Content)
	if a.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidArticle)
	}
	if a.Title == "" && a.Content == "" {
		return nil, fmt.Errorf("%w: title or content is required", ErrInvalidArticle)
	}
	canonical, id, err := canon.Identify(a.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArticle, err)
	}
	if a.SourceID == "" {
		a.SourceID = ArticleSourceID
	}

	content := horosafe.Truncate(a.Content, maxArticleContent)
	raw, err := json.Marshal(articleRaw{Link: a.URL, Content: content})
	if err != nil {
		return nil, fmt.Errorf("encode article: %w", err)
	}
	it := &store.Item{
		ID:           id,
		SourceID:     a.SourceID,
		Origin:       store.OriginArticle,
		Title:        horosafe.Truncate(a.Title, ingest.MaxTitle),
		Summary:      horosafe.Truncate(a.Content, ingest.MaxSummary),
		Author:       horosafe.Truncate(a.Author, ingest.MaxAuthor),
		URL:          a.URL,
		CanonicalURL: canonical,
		Tags:         a.Tags,
		Raw:          string(raw),
	}
	if it.Title == "" {
		it.Title = horosafe.Truncate(it.Summary, 120)
	}
	if a.PublishedAt != nil {
		ms := a.PublishedAt.UnixMilli()
		it.PublishedAt = &ms
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}
	it.Category = ingest.Categorize(it.Title+"\n"+it.Summary, nil)

	res := &ArticleResult{ID: id}
	if s.extractor != nil {
		x, err := s.extractor.Extract(ctx, enrich.Subject(it))
		if err != nil {
			res.ExtractNote = err.Error()
			s.logger.InfoContext(ctx, "intel: article extraction rejected", "item_id", id, "error", err)
		} else {
			c := x.Candidate()
			it.Lat, it.Lng = &c.Lat, &c.Lng
			it.CountryCode = c.CountryCode
			it.PlaceName = horosafe.Truncate(c.PlaceName, ingest.MaxPlace)
			it.GeoConfidence = c.Confidence
			it.GeoMethod = c.Method
			if c.Category != "" {
				it.Category = c.Category
			}
		}
	}

	outcome, err := s.store.UpsertItem(ctx, it)
	if err != nil {
		return nil, fmt.Errorf("store article: %w", err)
	}
	res.Inserted = outcome == store.Inserted

	// A resubmission never downgrades a stored location, so report the row.
	stored, err := s.store.GetItem(ctx, id)
	if err != nil || stored == nil {
		stored = it
	}
	res.Category = stored.Category
	if stored.Located() {
		res.Located = true
		res.GeoMethod = stored.GeoMethod
		res.Confidence = stored.GeoConfidence
		res.Lat, res.Lng = *stored.Lat, *stored.Lng
		res.PlaceName = stored.PlaceName
	}
	s.logger.InfoContext(ctx, "intel: article stored",
		"item_id", id, "source_id", a.SourceID, "inserted", res.Inserted, "located", res.Located)
	return res, nil
}
