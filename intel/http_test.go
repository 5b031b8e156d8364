package intel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func testRouter(t *testing.T, opts ...Option) (*Service, http.Handler) {
	t.Helper()
	svc := newTestService(t, opts...)
	r := chi.NewRouter()
	svc.RegisterHTTP(r)
	return svc, r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHTTP_HealthAndStats(t *testing.T) {
	// WHAT: /health and /api/stats answer on an empty store.
	// WHY: Health checks and the dashboard read these before any run.
	_, h := testRouter(t)

	if w := do(h, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	w := do(h, http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d %s", w.Code, w.Body)
	}
	var c Counts
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil || c.Total != 0 {
		t.Errorf("counts = %+v err=%v", c, err)
	}
}

func TestHTTP_RunCleanup(t *testing.T) {
	// WHAT: POST /api/run/cleanup returns the run report.
	// WHY: Runs can be triggered on demand as well as on schedule.
	_, h := testRouter(t)
	w := do(h, http.MethodPost, "/api/run/cleanup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d %s", w.Code, w.Body)
	}
	var rep RunReport
	if err := json.NewDecoder(w.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Kind != KindCleanup || !rep.OK || rep.RunID == "" {
		t.Errorf("report = %+v", rep)
	}
}

func TestHTTP_RunFatal(t *testing.T) {
	// WHAT: A run on a closed store answers 500 with the fatal report.
	// WHY: Callers distinguish a degraded run from an aborted one by status.
	svc, h := testRouter(t)
	svc.db.Close()
	w := do(h, http.MethodPost, "/api/run/ingest", "")
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "store unavailable") {
		t.Errorf("code=%d body=%s", w.Code, w.Body)
	}
	if w := do(h, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health = %d", w.Code)
	}
}

func TestHTTP_Articles(t *testing.T) {
	// WHAT: POST /api/articles creates on first submission, updates on the second, and rejects bad input.
	// WHY: Submission is idempotent on the canonical URL.
	_, h := testRouter(t)
	body := `{"url":"https://blog.test/a","title":"Aid convoy reaches Gaza","content":"Trucks crossed at dawn."}`

	if w := do(h, http.MethodPost, "/api/articles", body); w.Code != http.StatusCreated {
		t.Fatalf("first = %d %s", w.Code, w.Body)
	}
	if w := do(h, http.MethodPost, "/api/articles", body); w.Code != http.StatusOK {
		t.Errorf("second = %d %s", w.Code, w.Body)
	}
	if w := do(h, http.MethodPost, "/api/articles", `{"title":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing url = %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/articles", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", w.Code)
	}

	w := do(h, http.MethodGet, "/api/items?limit=10", "")
	var items []Item
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil || len(items) != 1 {
		t.Fatalf("items = %+v err=%v", items, err)
	}
	if items[0].Origin != "article" || items[0].SourceID != ArticleSourceID {
		t.Errorf("item = %+v", items[0])
	}
}

func TestHTTP_Sources(t *testing.T) {
	// WHAT: Unknown source ids answer 404 for reset and history.
	// WHY: Sentinel errors map to HTTP status codes.
	_, h := testRouter(t)
	if w := do(h, http.MethodPost, "/api/sources/nope/reset", ""); w.Code != http.StatusNotFound {
		t.Errorf("reset = %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/sources/nope/history", ""); w.Code != http.StatusNotFound {
		t.Errorf("history = %d", w.Code)
	}
	w := do(h, http.MethodGet, "/api/sources", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("sources = %d %s", w.Code, w.Body)
	}
}

func TestHTTP_Runs(t *testing.T) {
	// WHAT: Completed runs are listed by /api/runs, filterable by kind.
	// WHY: The run history replaces reading logs to see what the scheduler did.
	_, h := testRouter(t)
	do(h, http.MethodPost, "/api/run/enrich", "")
	do(h, http.MethodPost, "/api/run/cleanup", "")

	w := do(h, http.MethodGet, "/api/runs", "")
	var runs []struct {
		RunID  string `json:"run_id"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil || len(runs) != 2 {
		t.Fatalf("runs = %+v err=%v", runs, err)
	}
	for _, r := range runs {
		if r.Status != "ok" || r.RunID == "" {
			t.Errorf("run = %+v", r)
		}
	}
	w = do(h, http.MethodGet, "/api/runs?kind=cleanup", "")
	runs = nil
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 || runs[0].Kind != "cleanup" {
		t.Errorf("cleanup runs = %+v", runs)
	}
}
