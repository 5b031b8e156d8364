package intel

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/hazyhaar/intelfeed/dbopen"
	"github.com/hazyhaar/intelfeed/intel/catalog"
	"github.com/hazyhaar/intelfeed/intel/internal/feed"
	"github.com/hazyhaar/intelfeed/intel/internal/scheduler"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
	"github.com/hazyhaar/intelfeed/observability"
)

// Public views of stored rows.
type (
	Source        = store.Source
	Item          = store.Item
	ItemFilter    = store.ItemFilter
	Counts        = store.Counts
	FetchLogEntry = store.FetchLogEntry
)

// OpenDB opens the SQLite database at path with the intel schema applied.
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithSchema(store.Schema), dbopen.WithSchema(observability.Schema), dbopen.WithMkdirAll())
}

// SyncCatalog upserts every catalog entry as a source. Polling state of
// existing sources is preserved; sources absent from the catalog are left
// alone.
func (s *Service) SyncCatalog(ctx context.Context, c *catalog.Catalog) (int, error) {
	n := 0
	for _, e := range c.Sources {
		if e.ID == "" || e.URL == "" {
			return n, fmt.Errorf("%w: %q", ErrInvalidSource, e.Name)
		}
		if u, err := url.Parse(e.URL); err != nil || u.Host == "" {
			return n, fmt.Errorf("%w: %s: bad url", ErrInvalidSource, e.ID)
		}
		if !feed.ValidFormat(e.Type) {
			return n, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidSource, e.ID, e.Type)
		}
		src := &store.Source{
			ID:         e.ID,
			Name:       e.Name,
			URL:        e.URL,
			SourceType: e.Type,
			Tags:       e.Tags,
			Enabled:    e.IsEnabled(),
			MaxItems:   e.MaxItems,
		}
		if src.Name == "" {
			src.Name = e.ID
		}
		if err := s.store.UpsertSource(ctx, src); err != nil {
			return n, err
		}
		n++
	}
	s.logger.InfoContext(ctx, "intel: catalog synced", "sources", n)
	return n, nil
}

// ListSources returns every configured source with its polling state.
func (s *Service) ListSources(ctx context.Context) ([]*Source, error) {
	return s.store.ListSources(ctx)
}

// ResetSource clears the failure counter of a source, ending its backoff.
func (s *Service) ResetSource(ctx context.Context, id string) error {
	ok, err := s.store.ResetFailures(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	s.logger.InfoContext(ctx, "intel: source reset", "source_id", id)
	return nil
}

// FetchHistory returns the latest fetch attempts of a source.
func (s *Service) FetchHistory(ctx context.Context, id string, limit int) ([]*FetchLogEntry, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return s.store.FetchHistory(ctx, id, limit)
}

// Stats returns aggregate item counts.
func (s *Service) Stats(ctx context.Context) (*Counts, error) {
	return s.store.Counts(ctx)
}

// ListItems returns stored items newest first.
func (s *Service) ListItems(ctx context.Context, f ItemFilter) ([]*Item, error) {
	return s.store.ListItems(ctx, f)
}

// Scheduler returns the serve-mode scheduler: one job per run kind on its
// configured interval.
func (s *Service) Scheduler() *scheduler.Scheduler {
	job := func(kind string, every time.Duration, run func(context.Context) *RunReport) scheduler.Job {
		return scheduler.Job{Name: kind, Interval: every, Run: func(ctx context.Context) { run(ctx) }}
	}
	return scheduler.New([]scheduler.Job{
		job(KindIngest, s.config.IngestInterval, s.RunIngest),
		job(KindEnrich, s.config.EnrichInterval, s.RunEnrich),
		job(KindCleanup, s.config.CleanupInterval, s.RunCleanup),
		job(KindSweep, s.config.SweepInterval, s.RunSweep),
	}, scheduler.Config{}, s.logger)
}

// Start runs the scheduler until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.InfoContext(ctx, "intel: scheduler started",
		"ingest_every", s.config.IngestInterval.String(),
		"enrich_every", s.config.EnrichInterval.String(),
		"cleanup_every", s.config.CleanupInterval.String(),
		"sweep_every", s.config.SweepInterval.String())
	s.Scheduler().Run(ctx)
}
