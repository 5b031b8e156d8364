package store

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/intelfeed/dbopen"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func ptr[T any](v T) *T { return &v }

func TestUpsertItem_Idempotent(t *testing.T) {
	// WHAT: Upserting the same id twice yields one row carrying the second write's fields.
	// WHY: Feeds are re-polled constantly and must not duplicate items.
	s := openTestStore(t)
	ctx := context.Background()

	first := &Item{ID: "h1", SourceID: "src", Title: "Old title", URL: "https://a.test/x",
		CanonicalURL: "https://a.test/x", PublishedAt: ptr(int64(1000)), Tags: []string{"a"}}
	out, err := s.UpsertItem(ctx, first)
	if err != nil || out != Inserted {
		t.Fatalf("first upsert: %v, %v", out, err)
	}

	second := &Item{ID: "h1", SourceID: "src", Title: "New title", Summary: "fresh",
		URL: "https://a.test/x?utm_source=x", CanonicalURL: "https://a.test/x", Tags: []string{"b"}}
	out, err = s.UpsertItem(ctx, second)
	if err != nil || out != Updated {
		t.Fatalf("second upsert: %v, %v", out, err)
	}

	n, _ := s.CountItems(ctx)
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	got, _ := s.GetItem(ctx, "h1")
	if got.Title != "New title" || got.Summary != "fresh" {
		t.Errorf("fields not refreshed: %+v", got)
	}
	if got.PublishedAt == nil || *got.PublishedAt != 1000 {
		t.Errorf("published_at lost on re-sight without date: %v", got.PublishedAt)
	}
	if got.CreatedAt != first.CreatedAt {
		t.Errorf("created_at changed: %d -> %d", first.CreatedAt, got.CreatedAt)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "b" {
		t.Errorf("tags = %v, want [b]", got.Tags)
	}
}

func TestUpsertItem_PreservesLocation(t *testing.T) {
	// WHAT: Re-sighting a located item without geo keeps its location.
	// WHY: A resolved location must never regress on reprocessing.
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertItem(ctx, &Item{ID: "h1", SourceID: "src", Title: "t", URL: "u", CanonicalURL: "u"})
	if ok, err := s.SetLocation(ctx, "h1", Location{Lat: 50.45, Lng: 30.52, CountryCode: "UA",
		PlaceName: "Kyiv", Confidence: 80, Method: "city_match"}); !ok || err != nil {
		t.Fatalf("set location: %v %v", ok, err)
	}

	s.UpsertItem(ctx, &Item{ID: "h1", SourceID: "src", Title: "t2", URL: "u", CanonicalURL: "u"})
	got, _ := s.GetItem(ctx, "h1")
	if got.GeoMethod != "city_match" || got.GeoConfidence != 80 || got.Lat == nil || *got.Lat != 50.45 {
		t.Fatalf("location regressed: %+v", got)
	}
}

func TestUpsertItem_UpgradesToGeoRSS(t *testing.T) {
	// WHAT: A re-sight carrying an explicit geo tag replaces a weaker location.
	// WHY: Explicit feed coordinates are the most trusted source.
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertItem(ctx, &Item{ID: "h1", SourceID: "src", Title: "t", URL: "u", CanonicalURL: "u"})
	s.SetLocation(ctx, "h1", Location{Confidence: 0, Method: "no_location"})

	s.UpsertItem(ctx, &Item{ID: "h1", SourceID: "src", Title: "t", URL: "u", CanonicalURL: "u",
		Lat: ptr(1.5), Lng: ptr(2.5), GeoConfidence: 100, GeoMethod: "georss"})
	got, _ := s.GetItem(ctx, "h1")
	if got.GeoMethod != "georss" || got.GeoConfidence != 100 || *got.Lng != 2.5 {
		t.Fatalf("not upgraded: %+v", got)
	}
}

func TestSetLocation_NoDowngrade(t *testing.T) {
	// WHAT: SetLocation refuses an equal or weaker result over a located item.
	// WHY: Enrichment must never downgrade georss or city matches.
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertItem(ctx, &Item{ID: "g", SourceID: "src", Title: "t", URL: "u", CanonicalURL: "u",
		Lat: ptr(1.0), Lng: ptr(1.0), GeoConfidence: 100, GeoMethod: "georss"})

	for _, loc := range []Location{
		{Lat: 2, Lng: 2, Confidence: 80, Method: "city_match"},
		{Confidence: 0, Method: "no_location"},
	} {
		ok, err := s.SetLocation(ctx, "g", loc)
		if err != nil || ok {
			t.Errorf("SetLocation(%s) = %v, %v; want no change", loc.Method, ok, err)
		}
	}
	got, _ := s.GetItem(ctx, "g")
	if got.GeoMethod != "georss" {
		t.Fatalf("method = %s, want georss", got.GeoMethod)
	}
}

func TestSetLocation_NoLocationIsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertItem(ctx, &Item{ID: "n", SourceID: "src", Title: "t", URL: "u", CanonicalURL: "u"})

	if ok, _ := s.SetLocation(ctx, "n", Location{Method: "no_location"}); !ok {
		t.Fatal("pending item should accept no_location")
	}
	pending, _ := s.UnlocatedItems(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("no_location item still pending: %d", len(pending))
	}
	got, _ := s.GetItem(ctx, "n")
	if got.Lat != nil || got.GeoConfidence != 0 {
		t.Fatalf("no_location item has coordinates: %+v", got)
	}
}

func TestUnlocatedItems_NewestFirstCapped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		s.UpsertItem(ctx, &Item{ID: id, SourceID: "src", Title: id, URL: id, CanonicalURL: id,
			PublishedAt: ptr(int64(1000 * (i + 1)))})
	}
	s.SetLocation(ctx, "d", Location{Lat: 1, Lng: 1, Confidence: 50, Method: "country_centroid"})

	got, err := s.UnlocatedItems(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		ids := []string{}
		for _, it := range got {
			ids = append(ids, it.ID)
		}
		t.Fatalf("got %v, want [c b]", ids)
	}
}

func TestRetentionQueries(t *testing.T) {
	// WHAT: Oldest ordering puts undated items first, then published, then created.
	// WHY: Retention deletes from the head of this order.
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	items := []*Item{
		{ID: "p3", PublishedAt: ptr(int64(3000)), CreatedAt: now - 1},
		{ID: "nil2", CreatedAt: now - 2},
		{ID: "p1", PublishedAt: ptr(int64(1000)), CreatedAt: now - 3},
		{ID: "nil1", CreatedAt: now - 5},
		{ID: "p1b", PublishedAt: ptr(int64(1000)), CreatedAt: now - 4},
	}
	for _, it := range items {
		it.SourceID, it.Title, it.URL, it.CanonicalURL = "src", it.ID, it.ID, it.ID
		if _, err := s.UpsertItem(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.OldestItemIDs(ctx, "", 5)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"nil1", "nil2", "p1b", "p1", "p3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}

	n, err := s.DeleteItems(ctx, ids[:2])
	if err != nil || n != 2 {
		t.Fatalf("delete: %d, %v", n, err)
	}
	if c, _ := s.CountItems(ctx); c != 3 {
		t.Fatalf("count = %d, want 3", c)
	}
}

func TestDeleteCreatedBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.UpsertItem(ctx, &Item{ID: "old", SourceID: "s", Title: "t", URL: "u", CanonicalURL: "u",
		CreatedAt: now.Add(-10 * 24 * time.Hour).UnixMilli()})
	s.UpsertItem(ctx, &Item{ID: "new", SourceID: "s", Title: "t", URL: "v", CanonicalURL: "v",
		CreatedAt: now.Add(-5 * 24 * time.Hour).UnixMilli()})

	n, err := s.DeleteCreatedBefore(ctx, now.Add(-7*24*time.Hour).UnixMilli())
	if err != nil || n != 1 {
		t.Fatalf("deleted %d, %v", n, err)
	}
	if it, _ := s.GetItem(ctx, "new"); it == nil {
		t.Fatal("recent item deleted")
	}
}

func TestSourceCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, &Source{ID: "x", Name: "X", URL: "https://x.test/rss", Enabled: true, MaxItems: 2})
	for _, id := range []string{"x1", "x2", "x3"} {
		s.UpsertItem(ctx, &Item{ID: id, SourceID: "x", Title: id, URL: id, CanonicalURL: id})
	}
	s.UpsertItem(ctx, &Item{ID: "o1", SourceID: "orphan", Title: "o", URL: "o", CanonicalURL: "o"})

	counts, err := s.SourceCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]SourceCount{}
	for _, c := range counts {
		got[c.SourceID] = c
	}
	if got["x"].Count != 3 || got["x"].MaxItems != 2 {
		t.Errorf("x = %+v", got["x"])
	}
	if got["orphan"].Count != 1 || got["orphan"].MaxItems != 0 {
		t.Errorf("orphan = %+v", got["orphan"])
	}
}

func TestSources_PollBookkeeping(t *testing.T) {
	// WHAT: Poll errors accumulate, failing sources stay enabled, and a reset clears the streak.
	// WHY: Failures are transient; the streak only drives backoff.
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertSource(ctx, &Source{ID: "a", Name: "A", URL: "https://a.test", Enabled: true, Tags: []string{"osint"}})
	s.UpsertSource(ctx, &Source{ID: "b", Name: "B", URL: "https://b.test", Enabled: false})

	for i := 0; i < 3; i++ {
		s.RecordPollError(ctx, "a", "timeout")
	}
	src, _ := s.GetSource(ctx, "a")
	if src.FailCount != 3 || src.LastStatus != "error" || src.LastPolledAt == nil {
		t.Fatalf("bookkeeping: %+v", src)
	}
	if len(src.Tags) != 1 || src.Tags[0] != "osint" {
		t.Fatalf("tags = %v", src.Tags)
	}

	enabled, _ := s.EnabledSources(ctx)
	if len(enabled) != 1 || enabled[0].ID != "a" {
		t.Fatalf("enabled = %+v, want only a (b disabled)", enabled)
	}
	failing, _ := s.FailingSources(ctx, 3)
	if len(failing) != 1 || failing[0].ID != "a" {
		t.Fatalf("failing = %+v", failing)
	}
	if ok, _ := s.ResetFailures(ctx, "a"); !ok {
		t.Fatal("reset: source not found")
	}
	failing, _ = s.FailingSources(ctx, 3)
	if len(failing) != 0 {
		t.Fatalf("failing after reset = %d, want 0", len(failing))
	}

	s.UpsertSource(ctx, &Source{ID: "a", Name: "A renamed", URL: "https://a.test", Enabled: true})
	src, _ = s.GetSource(ctx, "a")
	if src.Name != "A renamed" || src.LastPolledAt == nil {
		t.Fatalf("config upsert clobbered poll state: %+v", src)
	}

	if missing, _ := s.GetSource(ctx, "nope"); missing != nil {
		t.Fatal("expected nil for unknown source")
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertItem(ctx, &Item{ID: "a", SourceID: "s1", Title: "t", URL: "a", CanonicalURL: "a", Category: "Conflict"})
	s.UpsertItem(ctx, &Item{ID: "b", SourceID: "s1", Title: "t", URL: "b", CanonicalURL: "b"})
	s.UpsertItem(ctx, &Item{ID: "c", SourceID: "s2", Title: "t", URL: "c", CanonicalURL: "c"})
	s.SetLocation(ctx, "a", Location{Lat: 1, Lng: 1, Confidence: 80, Method: "city_match"})
	s.SetLocation(ctx, "b", Location{Method: "no_location"})

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 3 || c.Located != 1 || c.Pending != 1 || c.NoLocation != 1 {
		t.Fatalf("counts = %+v", c)
	}
	if c.ByMethod["city_match"] != 1 || c.ByMethod["pending"] != 1 || c.BySource["s1"] != 2 {
		t.Fatalf("groups = %+v", c)
	}
	if c.ByCategory["Other"] != 2 || c.ByCategory["Conflict"] != 1 {
		t.Fatalf("categories = %+v", c.ByCategory)
	}
}
