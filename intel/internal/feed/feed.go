// Package feed parses syndication documents (RSS, Atom, RDF, JSON Feed)
// into normalized entries, including any coordinates the feed embeds.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	jsonfeed "github.com/mmcdole/gofeed/json"
	"github.com/mmcdole/gofeed/rss"
)

// Entry is one normalized feed item. Optional fields are zero when the feed
// does not provide them.
type Entry struct {
	GUID       string     `json:"guid,omitempty"`
	Title      string     `json:"title"`
	Link       string     `json:"link"`
	Summary    string     `json:"summary,omitempty"` // plain text
	Author     string     `json:"author,omitempty"`
	ImageURL   string     `json:"image_url,omitempty"`
	Published  *time.Time `json:"published,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	Geo        *Point     `json:"geo,omitempty"`
	// Hrefs are the anchors found in the description, in document order.
	// Aggregators put the publisher link there.
	Hrefs []string `json:"hrefs,omitempty"`
}

// Feed is a parsed document.
type Feed struct {
	Title   string  `json:"title"`
	Link    string  `json:"link"`
	Format  string  `json:"format"`
	Entries []Entry `json:"entries"`
}

// Source formats.
const (
	FormatRSS  = "rss"  // RSS 0.9x, 2.0 and RDF
	FormatAtom = "atom" // Atom 1.0
	FormatJSON = "json" // JSON Feed 1.x
	FormatAuto = "auto" // detected from the content
)

// ErrUnknownFormat is returned for a format outside the supported set.
var ErrUnknownFormat = errors.New("feed: unknown format")

// ValidFormat reports whether format names a supported source format. The
// empty string stands for rss.
func ValidFormat(format string) bool {
	switch normalizeFormat(format) {
	case FormatRSS, FormatAtom, FormatJSON, FormatAuto:
		return true
	}
	return false
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		return FormatRSS
	}
	return f
}

// Parse detects the format of data and parses it.
func Parse(data []byte) (*Feed, error) {
	return ParseAs(data, FormatAuto)
}

// ParseAs parses data as the declared format. A document of any other
// format is an error. Entries without a link are dropped since they cannot
// be identified.
func ParseAs(data []byte, format string) (*Feed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("feed: empty document")
	}
	parsed, err := parseFormat(data, normalizeFormat(format))
	if err != nil {
		return nil, err
	}

	f := &Feed{
		Title:  strings.TrimSpace(parsed.Title),
		Link:   parsed.Link,
		Format: parsed.FeedType,
	}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		e := convert(item)
		if e.Link == "" {
			continue
		}
		f.Entries = append(f.Entries, e)
	}
	return f, nil
}

func parseFormat(data []byte, format string) (*gofeed.Feed, error) {
	var (
		doc   any
		trans gofeed.Translator
		err   error
	)
	switch format {
	case FormatRSS:
		doc, err = (&rss.Parser{}).Parse(bytes.NewReader(data))
		trans = &gofeed.DefaultRSSTranslator{}
	case FormatAtom:
		doc, err = (&atom.Parser{}).Parse(bytes.NewReader(data))
		trans = &gofeed.DefaultAtomTranslator{}
	case FormatJSON:
		var jf *jsonfeed.Feed
		jf, err = (&jsonfeed.Parser{}).Parse(bytes.NewReader(data))
		if err == nil && !strings.Contains(jf.Version, "jsonfeed.org") {
			err = errors.New("missing JSON Feed version")
		}
		doc, trans = jf, &gofeed.DefaultJSONTranslator{}
	case FormatAuto:
		parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("feed: parse: %w", err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("feed: parse %s: %w", format, err)
	}
	parsed, err := trans.Translate(doc)
	if err != nil {
		return nil, fmt.Errorf("feed: translate %s: %w", format, err)
	}
	return parsed, nil
}

func convert(item *gofeed.Item) Entry {
	e := Entry{
		GUID:       strings.TrimSpace(item.GUID),
		Title:      plainText(item.Title),
		Link:       strings.TrimSpace(item.Link),
		Categories: item.Categories,
		Geo:        pointFromExtensions(item.Extensions),
	}
	if e.Link == "" && len(item.Links) > 0 {
		e.Link = strings.TrimSpace(item.Links[0])
	}
	if e.Link == "" && strings.HasPrefix(e.GUID, "http") {
		e.Link = e.GUID
	}

	body := item.Description
	if strings.TrimSpace(body) == "" {
		body = item.Content
	}
	e.Summary = plainText(body)
	e.Hrefs = hrefs(item.Description)
	if e.Title == "" {
		e.Title = fallbackTitle(e.Summary, e.Link)
	}

	switch {
	case item.Author != nil && item.Author.Name != "":
		e.Author = strings.TrimSpace(item.Author.Name)
	case len(item.Authors) > 0 && item.Authors[0] != nil:
		e.Author = strings.TrimSpace(item.Authors[0].Name)
	}

	e.ImageURL = imageURL(item)

	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		e.Published = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		e.Published = &t
	}
	return e
}

func imageURL(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	if media, ok := item.Extensions["media"]; ok {
		for _, name := range []string{"thumbnail", "content"} {
			for _, m := range media[name] {
				if u := m.Attrs["url"]; u != "" && (name == "thumbnail" || m.Attrs["medium"] == "image") {
					return u
				}
			}
		}
	}
	if src := firstImage(item.Description); src != "" {
		return src
	}
	return firstImage(item.Content)
}

func fallbackTitle(summary, link string) string {
	if summary != "" {
		if r := []rune(summary); len(r) > 120 {
			return string(r[:120]) + "…"
		}
		return summary
	}
	return link
}
