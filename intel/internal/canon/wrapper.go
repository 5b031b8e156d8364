package canon

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// wrapperParams lists, per wrapper host, the query keys that carry the
// destination URL.
var wrapperParams = map[string][]string{
	"news.google.com":      {"url", "u", "link", "q"},
	"news.url.google.com":  {"url"},
	"www.google.com":       {"url", "q"},
	"google.com":           {"url", "q"},
	"l.facebook.com":       {"u"},
	"lm.facebook.com":      {"u"},
	"out.reddit.com":       {"url"},
	"click.redditmail.com": {"url"},
	"slack-redir.net":      {"url"},
	"t.umblr.com":          {"z"},
	"away.vk.com":          {"to"},
	"feedproxy.google.com": {},
	"feeds.feedburner.com": {},
	"t.co":                 {},
	"ow.ly":                {},
	"bit.ly":               {},
	"dlvr.it":              {},
	"trib.al":              {},
	"buff.ly":              {},
	"lnkd.in":              {},
}

// IsWrapper reports whether raw points at a known redirect wrapper.
func IsWrapper(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "news.google.com" {
		return strings.HasPrefix(u.Path, "/rss/articles/") ||
			strings.HasPrefix(u.Path, "/articles/") ||
			strings.HasPrefix(u.Path, "/read/") ||
			u.Query().Get("url") != ""
	}
	if host == "www.google.com" || host == "google.com" {
		return u.Path == "/url"
	}
	_, ok := wrapperParams[host]
	return ok
}

// Unwrap peels wrapper layers whose destination is carried in the query
// string. Wrappers that need an HTTP round trip are returned unchanged.
func Unwrap(raw string) string {
	raw = strings.TrimSpace(raw)
	for range 3 {
		next, ok := unwrapOnce(raw)
		if !ok {
			break
		}
		raw = next
	}
	return raw
}

func unwrapOnce(raw string) (string, bool) {
	if !IsWrapper(raw) {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	q := u.Query()
	for _, key := range wrapperParams[strings.ToLower(u.Hostname())] {
		if dest := strings.TrimSpace(q.Get(key)); IsPublisherURL(dest) {
			return dest, true
		}
	}
	return "", false
}

// aggregatorLabels are domain labels that never host publisher content.
var aggregatorLabels = map[string]bool{
	"google": true, "gstatic": true, "googleusercontent": true, "googleapis": true,
	"doubleclick": true, "googlesyndication": true,
}

// IsPublisherURL reports whether s is an absolute http(s) URL outside the
// aggregator domains (google, gstatic, and the like).
func IsPublisherURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return false
	}
	for _, label := range strings.Split(strings.ToLower(u.Hostname()), ".") {
		if aggregatorLabels[label] {
			return false
		}
	}
	return true
}

// Site returns the registrable domain of raw ("bbc.co.uk" for
// "https://www.bbc.co.uk/news"), or "" when it has none.
func Site(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil {
		return ""
	}
	return site
}

// PublisherFromHrefs returns the first publisher link among hrefs, which
// aggregators place in the item description.
func PublisherFromHrefs(hrefs []string) string {
	for _, h := range hrefs {
		h = Unwrap(h)
		if IsPublisherURL(h) && !IsWrapper(h) {
			return h
		}
	}
	return ""
}
