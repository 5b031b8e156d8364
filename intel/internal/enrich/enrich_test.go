package enrich

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/intelfeed/dbopen"
	"github.com/hazyhaar/intelfeed/intel/internal/geo"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

type fakeCompleter struct {
	reply string
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeCompleter) Complete(ctx context.Context, _, _ string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, nil
}

func setup(t *testing.T, fc *fakeCompleter, aiTimeout time.Duration) (*store.Store, *geo.Chain) {
	t.Helper()
	st := store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	ex := geo.NewExtractor(fc, geo.ExtractorConfig{Rate: 1000, Burst: 10, Timeout: aiTimeout}, nil)
	chain := geo.NewChain(nil, append(geo.DefaultStrategies(), geo.AIStrategy(ex, geo.OriginArticle))...)
	return st, chain
}

func put(t *testing.T, st *store.Store, it *store.Item) {
	t.Helper()
	if it.SourceID == "" {
		it.SourceID = "src"
	}
	it.URL = "https://news.test/" + it.ID
	it.CanonicalURL = it.URL
	if _, err := st.UpsertItem(context.Background(), it); err != nil {
		t.Fatalf("upsert %s: %v", it.ID, err)
	}
}

func ptr[T any](v T) *T { return &v }

func get(t *testing.T, st *store.Store, id string) *store.Item {
	t.Helper()
	it, err := st.GetItem(context.Background(), id)
	if err != nil || it == nil {
		t.Fatalf("get %s: %v, %v", id, it, err)
	}
	return it
}

func TestRun_ChainOutcomes(t *testing.T) {
	// WHAT: Pending items are resolved by city, country or marked no_location.
	// WHY: Every pending item leaves the pending state exactly once per run.
	st, chain := setup(t, &fakeCompleter{}, time.Second)
	put(t, st, &store.Item{ID: "city", Title: "Blackout hits Kyiv"})
	put(t, st, &store.Item{ID: "country", Title: "Ukrainian grain exports rise"})
	put(t, st, &store.Item{ID: "none", Title: "Quarterly results beat estimates"})

	stats, err := New(st, chain, Config{}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Processed != 3 || stats.Geotagged != 2 || stats.NoLocation != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByMethod[geo.MethodCityMatch] != 1 || stats.ByMethod[geo.MethodCountryCentroid] != 1 {
		t.Errorf("by method = %v", stats.ByMethod)
	}

	if it := get(t, st, "city"); it.GeoMethod != geo.MethodCityMatch || it.GeoConfidence != 80 || it.PlaceName != "Kyiv" || it.CountryCode != "UA" {
		t.Errorf("city item = %+v", it)
	}
	if it := get(t, st, "country"); it.GeoMethod != geo.MethodCountryCentroid || it.GeoConfidence != 50 {
		t.Errorf("country item = %+v", it)
	}
	if it := get(t, st, "none"); it.GeoMethod != geo.MethodNoLocation || it.GeoConfidence != 0 || it.Lat != nil {
		t.Errorf("unlocated item = %+v", it)
	}

	// no_location is terminal: a second run has nothing to do.
	again, err := New(st, chain, Config{}, nil).Run(context.Background())
	if err != nil || again.Processed != 0 {
		t.Fatalf("second run = %+v, %v", again, err)
	}
}

func TestRun_BatchNewestFirst(t *testing.T) {
	// WHAT: One run takes at most BatchSize items, the most recently published first.
	// WHY: Bounds run time and serves fresh news before the backlog.
	st, chain := setup(t, &fakeCompleter{}, time.Second)
	for i, id := range []string{"old", "mid", "new"} {
		put(t, st, &store.Item{ID: id, Title: "Rally in Paris", PublishedAt: ptr(int64(1000 * (i + 1)))})
	}

	stats, err := New(st, chain, Config{BatchSize: 2}, nil).Run(context.Background())
	if err != nil || stats.Processed != 2 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
	if get(t, st, "old").GeoMethod != "" {
		t.Error("oldest item processed before newer ones")
	}
	if get(t, st, "new").GeoMethod == "" || get(t, st, "mid").GeoMethod == "" {
		t.Error("newest items not processed")
	}
}

func TestRun_GeoRSSNotTouched(t *testing.T) {
	// WHAT: An item ingested with explicit coordinates is never re-resolved.
	// WHY: Confidence 100 must not be downgraded to a gazetteer guess.
	st, chain := setup(t, &fakeCompleter{}, time.Second)
	put(t, st, &store.Item{ID: "g", Title: "Protest in Berlin", Lat: ptr(48.1), Lng: ptr(11.6),
		GeoConfidence: 100, GeoMethod: geo.MethodGeoRSS})

	stats, err := New(st, chain, Config{}, nil).Run(context.Background())
	if err != nil || stats.Processed != 0 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
	if it := get(t, st, "g"); it.GeoMethod != geo.MethodGeoRSS || *it.Lat != 48.1 {
		t.Errorf("item = %+v", it)
	}
}

func TestRun_ArticleAIWithCategory(t *testing.T) {
	// WHAT: A freeform article is located by the model and takes its category.
	// WHY: Articles rarely name a gazetteer place in the title.
	fc := &fakeCompleter{reply: `{"location_name":"Ushuaia","lat":-54.8,"lng":-68.3,"confidence_score":77,"category":"natural disaster"}`}
	st, chain := setup(t, fc, time.Second)
	put(t, st, &store.Item{ID: "a", Origin: store.OriginArticle, Title: "Storm batters southern port",
		Raw: `{"content":"The harbour at Ushuaia closed on Monday."}`})

	stats, err := New(st, chain, Config{}, nil).Run(context.Background())
	if err != nil || stats.Geotagged != 1 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
	it := get(t, st, "a")
	if it.GeoMethod != geo.MethodAIExtraction || it.GeoConfidence != 77 || it.Category != geo.CategoryDisaster {
		t.Errorf("item = %+v", it)
	}
}

func TestRun_AITimeoutIsNoLocation(t *testing.T) {
	// WHAT: A model call that times out leaves the article at no_location and records the failure.
	// WHY: External failures are a no-match, never a run failure.
	fc := &fakeCompleter{delay: time.Second}
	st, chain := setup(t, fc, 20*time.Millisecond)
	put(t, st, &store.Item{ID: "a", Origin: store.OriginArticle, Title: "Statement released"})

	stats, err := New(st, chain, Config{}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.NoLocation != 1 || len(stats.Errors) != 1 || !strings.Contains(stats.Errors[0], "item a") {
		t.Fatalf("stats = %+v", stats)
	}
	if it := get(t, st, "a"); it.GeoMethod != geo.MethodNoLocation || it.GeoConfidence != 0 {
		t.Errorf("item = %+v", it)
	}
}

func TestRun_CancelledDefers(t *testing.T) {
	// WHAT: Items seen after cancellation stay pending.
	// WHY: A shutdown must not permanently mark items no_location.
	st, chain := setup(t, &fakeCompleter{}, time.Second)
	put(t, st, &store.Item{ID: "x", Title: "Nothing to see"})

	e := New(st, chain, Config{}, nil)
	items, err := st.UnlocatedItems(context.Background(), 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("pending = %v, %v", items, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if o := e.locate(ctx, items[0]); o.result != "deferred" {
		t.Fatalf("outcome = %+v", o)
	}
	if get(t, st, "x").GeoMethod != "" {
		t.Error("item left pending state")
	}
}

func TestSubject_ReadsContent(t *testing.T) {
	// WHAT: The article body stored in raw feeds the chain subject.
	// WHY: The model needs more than the title.
	s := Subject(&store.Item{ID: "1", Title: "T", Origin: store.OriginArticle, Raw: `{"content":"body"}`})
	if s.Content != "body" || s.Origin != store.OriginArticle {
		t.Fatalf("subject = %+v", s)
	}
}
