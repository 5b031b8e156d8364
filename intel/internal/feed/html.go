package feed

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var stripAll = bluemonday.StrictPolicy()

// plainText strips markup from a feed field and collapses whitespace.
func plainText(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = html.UnescapeString(stripAll.Sanitize(s))
	}
	return strings.Join(strings.Fields(s), " ")
}

// hrefs returns the absolute anchor targets in an HTML fragment.
func hrefs(fragment string) []string {
	doc := parseFragment(fragment)
	if doc == nil {
		return nil
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href := strings.TrimSpace(a.AttrOr("href", "")); strings.HasPrefix(href, "http") {
			out = append(out, href)
		}
	})
	return out
}

// firstImage returns the src of the first <img> in an HTML fragment.
func firstImage(fragment string) string {
	doc := parseFragment(fragment)
	if doc == nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	if !strings.HasPrefix(src, "http") {
		return ""
	}
	return src
}

func parseFragment(fragment string) *goquery.Document {
	if !strings.Contains(fragment, "<") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	return doc
}
