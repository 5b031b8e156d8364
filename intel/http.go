package intel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/intelfeed/horosafe"
)

// maxArticleBody bounds a submitted article request.
const maxArticleBody = 1 << 20

// RegisterHTTP mounts the read and trigger endpoints on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/run/ingest", s.handleRun(s.RunIngest))
		r.Post("/run/enrich", s.handleRun(s.RunEnrich))
		r.Post("/run/cleanup", s.handleRun(s.RunCleanup))
		r.Post("/run/sweep", s.handleRun(s.RunSweep))
		r.Get("/stats", s.handleStats)
		r.Get("/runs", s.handleRuns)
		r.Get("/items", s.handleItems)
		r.Get("/sources", s.handleSources)
		r.Get("/sources/{id}/history", s.handleHistory)
		r.Post("/sources/{id}/reset", s.handleReset)
		r.Post("/articles", s.handleArticle)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleRun(run func(context.Context) *RunReport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := run(r.Context())
		code := http.StatusOK
		if !rep.OK {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, rep)
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	c, err := s.Stats(r.Context())
	if err != nil {
		s.logger.Error("intel: stats", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := RunFilter{Kind: q.Get("kind"), Status: q.Get("status")}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	runs, err := s.Runs(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) handleItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ItemFilter{
		SourceID:    q.Get("source"),
		Category:    q.Get("category"),
		LocatedOnly: q.Get("located") == "true" || q.Get("located") == "1",
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	items, err := s.ListItems(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []*Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleSources(w http.ResponseWriter, r *http.Request) {
	srcs, err := s.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if srcs == nil {
		srcs = []*Source{}
	}
	writeJSON(w, http.StatusOK, srcs)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	h, err := s.FetchHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if h == nil {
		h = []*FetchLogEntry{}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ResetSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Service) handleArticle(w http.ResponseWriter, r *http.Request) {
	body, err := horosafe.LimitedReadAll(r.Body, maxArticleBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	var a Article
	if err := json.Unmarshal(body, &a); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	res, err := s.IngestArticle(r.Context(), a)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	code := http.StatusOK
	if res.Inserted {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArticle), errors.Is(err, ErrInvalidSource):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
