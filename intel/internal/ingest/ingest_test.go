package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/intelfeed/dbopen"
	"github.com/hazyhaar/intelfeed/intel/internal/canon"
	"github.com/hazyhaar/intelfeed/intel/internal/feed"
	"github.com/hazyhaar/intelfeed/intel/internal/fetch"
	"github.com/hazyhaar/intelfeed/intel/internal/geo"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

const feedA = `<?xml version="1.0"?>
<rss version="2.0" xmlns:georss="http://www.georss.org/georss">
<channel><title>A</title><link>https://a.test/</link>
  <item>
    <title>Shelling reported in Kharkiv</title>
    <link>https://a.test/news/1?utm_source=rss&amp;utm_medium=feed</link>
    <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
  </item>
  <item>
    <title>Shelling reported in Kharkiv (updated)</title>
    <link>https://A.test/news/1/</link>
  </item>
  <item>
    <title>Earthquake strikes</title>
    <link>https://a.test/news/2</link>
    <georss:point>38.42 27.14</georss:point>
  </item>
</channel></rss>`

const feedC = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>C</title>
  <entry>
    <title>Parliament passes budget</title>
    <link href="https://c.test/story"/>
    <id>urn:c:1</id>
    <updated>2024-05-01T10:00:00Z</updated>
  </entry>
</feed>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			w.Write([]byte(feedA))
		case "/b":
			http.Error(w, "down", http.StatusInternalServerError)
		case "/c":
			w.Write([]byte(feedC))
		case "/garbage":
			w.Write([]byte("<html>not a feed"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Config{Timeout: 2 * time.Second, URLValidator: func(string) error { return nil }})
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
}

func addSource(t *testing.T, st *store.Store, id, url, format string) {
	t.Helper()
	src := &store.Source{ID: id, Name: id, URL: url, SourceType: format, Enabled: true}
	if err := st.UpsertSource(context.Background(), src); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
}

func TestRun_SourceIsolation(t *testing.T) {
	// WHAT: With sources A, B, C where B fails, A and C still insert items and stats report 2 processed, 1 failed.
	// WHY: One outage must not block the rest of the run.
	srv := feedServer(t)
	st := openStore(t)
	addSource(t, st, "A", srv.URL+"/a", "rss")
	addSource(t, st, "B", srv.URL+"/b", "rss")
	addSource(t, st, "C", srv.URL+"/c", "atom")

	stats, err := New(st, testFetcher(), nil, Config{}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.SourcesProcessed != 2 || stats.SourcesFailed != 1 {
		t.Fatalf("sources processed=%d failed=%d", stats.SourcesProcessed, stats.SourcesFailed)
	}
	if stats.Processed != 4 || stats.Inserted != 3 || stats.Updated != 1 || stats.Geotagged != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Errors) != 1 || !strings.Contains(stats.Errors[0], "source B") {
		t.Errorf("errors = %v", stats.Errors)
	}

	b, _ := st.GetSource(context.Background(), "B")
	if b.FailCount != 1 || b.LastStatus != "error" || b.LastPolledAt == nil {
		t.Errorf("source B bookkeeping = %+v", b)
	}
	a, _ := st.GetSource(context.Background(), "A")
	if a.FailCount != 0 || a.LastStatus != "ok" {
		t.Errorf("source A bookkeeping = %+v", a)
	}
	hist, err := st.FetchHistory(context.Background(), "B", 10)
	if err != nil || len(hist) != 1 || hist[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("fetch log B = %+v, %v", hist, err)
	}
}

func TestRun_DedupAndGeoRSS(t *testing.T) {
	// WHAT: Links differing only by tracking params, host case or trailing slash collapse into one item; georss entries are stored at confidence 100.
	// WHY: Overlapping feeds must not duplicate content, and explicit coordinates bypass enrichment.
	srv := feedServer(t)
	st := openStore(t)
	addSource(t, st, "A", srv.URL+"/a", "rss")

	in := New(st, testFetcher(), nil, Config{}, nil)
	if _, err := in.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	c, err := st.Counts(context.Background())
	if err != nil || c.Total != 2 {
		t.Fatalf("counts = %+v, %v", c, err)
	}

	_, id, _ := canon.Identify("https://a.test/news/2")
	it, err := st.GetItem(context.Background(), id)
	if err != nil || it == nil {
		t.Fatalf("georss item: %v, %v", it, err)
	}
	if it.GeoMethod != geo.MethodGeoRSS || it.GeoConfidence != 100 || *it.Lat != 38.42 || *it.Lng != 27.14 {
		t.Errorf("georss item = %+v", it)
	}
	if it.Category != geo.CategoryDisaster {
		t.Errorf("category = %q", it.Category)
	}

	// Idempotent: a second run inserts nothing.
	again, err := in.Run(context.Background())
	if err != nil || again.Inserted != 0 || again.Updated != 3 {
		t.Fatalf("second run = %+v, %v", again, err)
	}
	if c, _ := st.Counts(context.Background()); c.Total != 2 {
		t.Errorf("total after rerun = %d", c.Total)
	}
}

func TestRun_ParseErrorIsSourceFailure(t *testing.T) {
	// WHAT: A document that is not a feed fails the source with a parse status.
	// WHY: Malformed feeds are a per-source transient failure.
	srv := feedServer(t)
	st := openStore(t)
	addSource(t, st, "G", srv.URL+"/garbage", "rss")

	stats, err := New(st, testFetcher(), nil, Config{}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.SourcesFailed != 1 || stats.Sources[0].Status != StatusParseError {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRun_ParsesByDeclaredType(t *testing.T) {
	// WHAT: An Atom document served for a source declared rss fails with a parse status; the same document under atom or auto is ingested.
	// WHY: A source's declared format decides how its body is read.
	srv := feedServer(t)
	st := openStore(t)
	addSource(t, st, "as-rss", srv.URL+"/c", "rss")
	addSource(t, st, "as-atom", srv.URL+"/c", "atom")
	addSource(t, st, "as-auto", srv.URL+"/c", "auto")

	stats, err := New(st, testFetcher(), nil, Config{}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := map[string]SourceReport{}
	for _, r := range stats.Sources {
		got[r.SourceID] = r
	}
	if r := got["as-rss"]; r.Status != StatusParseError || !strings.Contains(r.Error, "parse rss") {
		t.Errorf("as-rss = %+v", r)
	}
	if r := got["as-atom"]; r.Status != StatusOK || r.Entries != 1 {
		t.Errorf("as-atom = %+v", r)
	}
	if r := got["as-auto"]; r.Status != StatusOK || r.Entries != 1 {
		t.Errorf("as-auto = %+v", r)
	}
}

func TestRun_BackoffHoldsFailingSource(t *testing.T) {
	// WHAT: A source at the failure limit is checked instead of fetched, reported as skipped, and fully polled again once its window elapses.
	// WHY: Dead feeds should stop costing a full fetch every run without dropping out of rotation.
	srv := feedServer(t)
	st := openStore(t)
	addSource(t, st, "B", srv.URL+"/b", "rss")

	now := time.Now()
	in := New(st, testFetcher(), nil, Config{
		MaxFailCount: 2,
		BackoffBase:  time.Minute,
		Now:          func() time.Time { return now },
	}, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := in.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	stats, err := in.Run(ctx)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if stats.SourcesSkipped != 1 || stats.SourcesFailed != 0 || len(stats.Sources) != 1 {
		t.Fatalf("third run = %+v", stats)
	}
	if r := stats.Sources[0]; r.Status != StatusSkipped || r.StatusCode != http.StatusInternalServerError || r.RetryAt == 0 {
		t.Fatalf("skipped report = %+v", r)
	}
	if hist, _ := st.FetchHistory(ctx, "B", 10); len(hist) != 2 {
		t.Fatalf("fetch log = %d entries, want 2", len(hist))
	}

	now = time.Now().Add(90 * time.Second)
	stats, err = in.Run(ctx)
	if err != nil || stats.SourcesFailed != 1 || stats.SourcesSkipped != 0 {
		t.Fatalf("run after window = %+v, %v", stats, err)
	}
	if b, _ := st.GetSource(ctx, "B"); b.FailCount != 3 {
		t.Fatalf("fail count = %d, want 3", b.FailCount)
	}

	// The window doubled to 2m, so 90s later is still inside it.
	stats, err = in.Run(ctx)
	if err != nil || stats.SourcesSkipped != 1 {
		t.Fatalf("run inside doubled window = %+v, %v", stats, err)
	}
}

func TestRun_SourceRecoversAfterLongOutage(t *testing.T) {
	// WHAT: A source that answers 503 for ten runs and then serves a valid feed is ingested on every following run.
	// WHY: Source failures are transient; an outage must never exclude a source for good.
	var down atomic.Bool
	down.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(feedC))
	}))
	defer srv.Close()
	st := openStore(t)
	addSource(t, st, "C", srv.URL+"/c", "atom")
	ctx := context.Background()

	in := New(st, testFetcher(), nil, Config{}, nil)
	for i := 0; i < 10; i++ {
		stats, err := in.Run(ctx)
		if err != nil || stats.SourcesFailed != 1 {
			t.Fatalf("outage run %d = %+v, %v", i, stats, err)
		}
	}
	if c, _ := st.GetSource(ctx, "C"); c.FailCount != 10 {
		t.Fatalf("fail count = %d, want 10", c.FailCount)
	}

	down.Store(false)
	for i := 0; i < 5; i++ {
		stats, err := in.Run(ctx)
		if err != nil {
			t.Fatalf("run %d after recovery: %v", i, err)
		}
		if stats.SourcesProcessed != 1 || stats.Processed != 1 || stats.SourcesSkipped != 0 {
			t.Fatalf("run %d after recovery = %+v", i, stats)
		}
	}
	if c, _ := st.Counts(ctx); c.Total != 1 {
		t.Fatalf("items stored after recovery = %d, want 1", c.Total)
	}
	if c, _ := st.GetSource(ctx, "C"); c.FailCount != 0 || c.LastStatus != "ok" {
		t.Fatalf("source after recovery = %+v", c)
	}
}

func TestSweep(t *testing.T) {
	// WHAT: A sweep resets a backed-off source whose feed answers again.
	// WHY: The serve-mode sweep job brings sources back between ingest runs.
	srv := feedServer(t)
	st := openStore(t)
	addSource(t, st, "A", srv.URL+"/a", "rss")
	for i := 0; i < 3; i++ {
		st.RecordPollError(context.Background(), "A", "fetch: http 503")
	}

	in := New(st, testFetcher(), nil, Config{MaxFailCount: 3}, nil)
	results, err := in.Sweep(context.Background())
	if err != nil || len(results) != 1 || !results[0].Recovered {
		t.Fatalf("sweep = %+v, %v", results, err)
	}
	if a, _ := st.GetSource(context.Background(), "A"); a.FailCount != 0 {
		t.Fatalf("fail count = %d", a.FailCount)
	}
}

type stubResolver struct {
	dest string
	err  error
}

func (r stubResolver) Resolve(context.Context, string) (string, error) { return r.dest, r.err }

func TestBuildItem_Wrappers(t *testing.T) {
	// WHAT: Aggregator links resolve through description anchors, then the resolver, and degrade to the wrapped link.
	// WHY: Identity must follow the publisher URL, but a resolution failure must not lose the item.
	st := openStore(t)
	src := &store.Source{ID: "gn", Tags: []string{"World", "world"}}
	wrapped := "https://news.google.com/rss/articles/CBMiXYZ?oc=5"

	cases := []struct {
		name     string
		entry    feed.Entry
		resolver Resolver
		want     string
	}{
		{"anchor", feed.Entry{Title: "x", Link: wrapped, Hrefs: []string{"https://news.google.com/x", "https://pub.test/story?utm_source=gn"}}, nil, "https://pub.test/story?utm_source=gn"},
		{"resolver", feed.Entry{Title: "x", Link: wrapped}, stubResolver{dest: "https://pub.test/other"}, "https://pub.test/other"},
		{"degrade", feed.Entry{Title: "x", Link: wrapped}, stubResolver{err: errors.New("timeout")}, wrapped},
		{"plain", feed.Entry{Title: "x", Link: "https://pub.test/plain"}, stubResolver{err: errors.New("unused")}, "https://pub.test/plain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := New(st, testFetcher(), tc.resolver, Config{}, nil)
			it, err := in.BuildItem(context.Background(), src, &tc.entry)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if it.URL != tc.want {
				t.Errorf("url = %q, want %q", it.URL, tc.want)
			}
			_, wantID, _ := canon.Identify(tc.want)
			if it.ID != wantID {
				t.Errorf("id = %q, want hash of %q", it.ID, tc.want)
			}
			if len(it.Tags) != 1 || it.Tags[0] != "world" {
				t.Errorf("tags = %v", it.Tags)
			}
		})
	}
}

func TestBuildItem_Bounds(t *testing.T) {
	// WHAT: Oversized fields are truncated rune-safely and an oversized image URL is dropped.
	// WHY: Feeds occasionally ship megabyte descriptions.
	in := New(openStore(t), testFetcher(), nil, Config{}, nil)
	e := &feed.Entry{
		Title:    strings.Repeat("é", MaxTitle+10),
		Summary:  strings.Repeat("s", MaxSummary+10),
		Link:     "https://pub.test/long",
		ImageURL: "https://img.test/" + strings.Repeat("a", MaxImageURL),
	}
	it, err := in.BuildItem(context.Background(), &store.Source{ID: "s"}, e)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if n := len([]rune(it.Title)); n != MaxTitle {
		t.Errorf("title runes = %d", n)
	}
	if len(it.Summary) != MaxSummary {
		t.Errorf("summary len = %d", len(it.Summary))
	}
	if it.ImageURL != "" {
		t.Error("oversized image URL kept")
	}
}

func TestBuildItem_RawPayloadRebuildsEntry(t *testing.T) {
	// WHAT: The stored raw payload decodes back into the full parsed entry, untruncated, with the publisher and source type.
	// WHY: Items must be replayable from what the feed actually said.
	st := openStore(t)
	in := New(st, testFetcher(), nil, Config{}, nil)
	published := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := &feed.Entry{
		GUID:       "urn:x:1",
		Title:      "Floods in Porto Alegre",
		Link:       "https://pub.test/floods?utm_source=rss",
		Summary:    strings.Repeat("w", MaxSummary+50),
		Author:     "Desk",
		Published:  &published,
		Categories: []string{"Weather"},
		Geo:        &feed.Point{Lat: -30.03, Lng: -51.23},
		Hrefs:      []string{"https://pub.test/related"},
	}
	addSource(t, st, "s", "https://pub.test/feed", "atom")
	src, _ := st.GetSource(context.Background(), "s")
	it, err := in.BuildItem(context.Background(), src, e)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := st.UpsertItem(context.Background(), it); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stored, err := st.GetItem(context.Background(), it.ID)
	if err != nil || stored == nil {
		t.Fatalf("get: %v, %v", stored, err)
	}

	var replay feed.Entry
	if err := json.Unmarshal([]byte(stored.Raw), &replay); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if replay.GUID != e.GUID || replay.Title != e.Title || replay.Link != e.Link || replay.Author != e.Author {
		t.Errorf("replayed entry = %+v", replay)
	}
	if replay.Summary != e.Summary {
		t.Errorf("summary len = %d, want %d", len(replay.Summary), len(e.Summary))
	}
	if replay.Published == nil || !replay.Published.Equal(published) {
		t.Errorf("published = %v", replay.Published)
	}
	if replay.Geo == nil || *replay.Geo != *e.Geo || len(replay.Categories) != 1 || len(replay.Hrefs) != 1 {
		t.Errorf("replayed entry = %+v", replay)
	}

	var meta struct {
		SourceType string `json:"source_type"`
		Publisher  string `json:"publisher"`
	}
	if err := json.Unmarshal([]byte(stored.Raw), &meta); err != nil || meta.SourceType != "atom" || meta.Publisher == "" {
		t.Errorf("raw meta = %+v, %v", meta, err)
	}
}

func TestBuildItem_InvalidLink(t *testing.T) {
	// WHAT: An entry whose link cannot be canonicalized is an item failure.
	// WHY: Items without identity cannot be deduplicated.
	in := New(openStore(t), testFetcher(), nil, Config{}, nil)
	if _, err := in.BuildItem(context.Background(), &store.Source{ID: "s"}, &feed.Entry{Link: "mailto:x@y"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCategorize(t *testing.T) {
	// WHAT: Text keywords decide first, then the feed's own labels, then Other.
	// WHY: Every item carries a category.
	if got := Categorize("Missile strike on depot", []string{"Business"}); got != geo.CategoryConflict {
		t.Errorf("got %q", got)
	}
	if got := Categorize("Company results", []string{"Business"}); got != geo.CategoryEconomy {
		t.Errorf("got %q", got)
	}
	if got := Categorize("Company results", nil); got != geo.CategoryOther {
		t.Errorf("got %q", got)
	}
}
