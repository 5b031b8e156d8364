// Package ingest polls feed sources and upserts their entries as items.
//
// Sources are processed by a bounded pool, and the entries of one source by
// a second bounded pool. A failing source or entry is recorded and skipped;
// nothing below Run aborts the run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/intelfeed/idgen"
	"github.com/hazyhaar/intelfeed/intel/internal/feed"
	"github.com/hazyhaar/intelfeed/intel/internal/fetch"
	"github.com/hazyhaar/intelfeed/intel/internal/repair"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// Fetcher retrieves one feed document and checks backed-off sources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
	Check(ctx context.Context, url string) (int, error)
}

// Resolver finds the publisher URL behind an aggregator link.
type Resolver interface {
	Resolve(ctx context.Context, wrapped string) (string, error)
}

// Config configures an Ingester.
type Config struct {
	// SourceConcurrency bounds sources polled in parallel. Default: 4.
	SourceConcurrency int
	// ItemConcurrency bounds entries of one source upserted in parallel. Default: 8.
	ItemConcurrency int
	// MaxFailCount is the failure streak at which a source backs off. Default: 10.
	MaxFailCount int
	// BackoffBase is the first backoff window. Default: 10m.
	BackoffBase time.Duration
	// BackoffMax caps the backoff window. Default: 6h.
	BackoffMax time.Duration
	// MaxEntries caps entries taken from one document, newest as listed. Default: 200.
	MaxEntries int
	// Now overrides the clock used for backoff decisions.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.SourceConcurrency <= 0 {
		c.SourceConcurrency = 4
	}
	if c.ItemConcurrency <= 0 {
		c.ItemConcurrency = 8
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = 10
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Source statuses in reports and fetch_log.
const (
	StatusOK         = "ok"
	StatusFetchError = "error"
	StatusParseError = "parse_error"
	StatusSkipped    = "skipped"
)

// SourceReport is the outcome of polling one source.
type SourceReport struct {
	SourceID   string `json:"source_id"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Entries    int    `json:"entries"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Geotagged  int    `json:"geotagged"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
	RetryAt    int64  `json:"retry_at,omitempty"` // unix ms, skipped sources only
	Error      string `json:"error,omitempty"`
	itemErrors []string
}

// Stats reports one ingestion run.
type Stats struct {
	SourcesProcessed int            `json:"sources_processed"`
	SourcesFailed    int            `json:"sources_failed"`
	SourcesSkipped   int            `json:"sources_skipped"`
	Processed        int            `json:"processed"`
	Inserted         int            `json:"inserted"`
	Updated          int            `json:"updated"`
	Geotagged        int            `json:"geotagged"`
	Failed           int            `json:"failed"`
	Errors           []string       `json:"errors"`
	Sources          []SourceReport `json:"sources"`
}

func (s *Stats) add(r SourceReport) {
	s.Sources = append(s.Sources, r)
	if r.Status == StatusSkipped {
		s.SourcesSkipped++
		return
	}
	if r.Status != StatusOK {
		s.SourcesFailed++
		s.Errors = append(s.Errors, fmt.Sprintf("source %s: %s", r.SourceID, r.Error))
		return
	}
	s.SourcesProcessed++
	s.Processed += r.Entries
	s.Inserted += r.Inserted
	s.Updated += r.Updated
	s.Geotagged += r.Geotagged
	s.Failed += r.Failed
	s.Errors = append(s.Errors, r.itemErrors...)
}

// Ingester polls sources into the store.
type Ingester struct {
	store    *store.Store
	fetcher  Fetcher
	resolver Resolver
	sweeper  *repair.Sweeper
	cfg      Config
	logger   *slog.Logger
	newID    idgen.Generator
}

// New creates an Ingester. resolver may be nil, in which case wrapped links
// are only unwrapped from their query string.
func New(st *store.Store, f Fetcher, r Resolver, cfg Config, logger *slog.Logger) *Ingester {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    st,
		fetcher:  f,
		resolver: r,
		sweeper: repair.NewSweeper(st, f, repair.Config{
			Policy:      repair.Policy{Threshold: cfg.MaxFailCount, Base: cfg.BackoffBase, Max: cfg.BackoffMax},
			Concurrency: cfg.SourceConcurrency,
			Now:         cfg.Now,
		}, logger),
		cfg:    cfg,
		logger: logger,
		newID:  idgen.FetchLogID,
	}
}

// Run polls every enabled source once. Sources in backoff are checked
// instead and reported as skipped unless they answer. The returned error is
// non-nil only when the source list could not be read.
func (in *Ingester) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{Errors: []string{}, Sources: []SourceReport{}}
	enabled, err := in.store.EnabledSources(ctx)
	if err != nil {
		return stats, fmt.Errorf("ingest: list sources: %w", err)
	}
	sources, held := in.sweeper.Gate(ctx, enabled)
	for _, h := range held {
		in.logger.DebugContext(ctx, "ingest: source backed off",
			"source_id", h.SourceID, "fail_count", h.FailCount, "class", h.Class, "retry_at", h.RetryAt)
		stats.add(SourceReport{
			SourceID:   h.SourceID,
			Status:     StatusSkipped,
			StatusCode: h.StatusCode,
			RetryAt:    h.RetryAt,
			Error:      h.Error,
		})
	}

	reports := make([]SourceReport, len(sources))
	g := new(errgroup.Group)
	g.SetLimit(in.cfg.SourceConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			reports[i] = in.safePoll(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range reports {
		stats.add(r)
	}
	return stats, nil
}

// Sweep checks every backed-off source and clears the streak of those that
// recover.
func (in *Ingester) Sweep(ctx context.Context) ([]repair.SweepResult, error) {
	return in.sweeper.SweepOnce(ctx)
}

// PollSource polls one source regardless of its failure streak.
func (in *Ingester) PollSource(ctx context.Context, src *store.Source) SourceReport {
	return in.safePoll(ctx, src)
}

func (in *Ingester) safePoll(ctx context.Context, src *store.Source) (r SourceReport) {
	defer func() {
		if p := recover(); p != nil {
			in.logger.ErrorContext(ctx, "ingest: source panicked",
				"source_id", src.ID, "panic", p, "stack", string(debug.Stack()))
			r = SourceReport{SourceID: src.ID, Status: StatusFetchError, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return in.poll(ctx, src)
}

func (in *Ingester) poll(ctx context.Context, src *store.Source) SourceReport {
	log := in.logger.With("source_id", src.ID, "url", src.URL)
	start := time.Now()
	report := SourceReport{SourceID: src.ID}

	result, err := in.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		report.Status = StatusFetchError
		var se *fetch.StatusError
		if errors.As(err, &se) {
			report.StatusCode = se.Code
		}
		return in.fail(ctx, log, report, start, "fetch", err)
	}
	report.StatusCode = result.StatusCode

	doc, err := feed.ParseAs(result.Body, src.SourceType)
	if err != nil {
		report.Status = StatusParseError
		return in.fail(ctx, log, report, start, "parse", err)
	}

	entries := doc.Entries
	if len(entries) > in.cfg.MaxEntries {
		entries = entries[:in.cfg.MaxEntries]
	}
	in.upsertEntries(ctx, src, entries, &report)

	report.Status = StatusOK
	report.DurationMs = time.Since(start).Milliseconds()
	in.bookkeep(ctx, log, src.ID, report, "")
	log.InfoContext(ctx, "ingest: source polled",
		"entries", report.Entries, "inserted", report.Inserted, "updated", report.Updated,
		"failed", report.Failed, "duration_ms", report.DurationMs)
	return report
}

func (in *Ingester) fail(ctx context.Context, log *slog.Logger, r SourceReport, start time.Time, stage string, err error) SourceReport {
	r.Error = fmt.Sprintf("%s: %v", stage, err)
	r.DurationMs = time.Since(start).Milliseconds()
	log.WarnContext(ctx, "ingest: source failed", "stage", stage, "error", err, "duration_ms", r.DurationMs)
	in.bookkeep(ctx, log, r.SourceID, r, r.Error)
	return r
}

// bookkeep writes the poll outcome on the source and in fetch_log. Its own
// failures are logged only.
func (in *Ingester) bookkeep(ctx context.Context, log *slog.Logger, sourceID string, r SourceReport, errMsg string) {
	var err error
	if errMsg == "" {
		err = in.store.RecordPollSuccess(ctx, sourceID)
	} else {
		err = in.store.RecordPollError(ctx, sourceID, errMsg)
	}
	if err != nil {
		log.WarnContext(ctx, "ingest: record poll", "error", err)
	}
	entry := &store.FetchLogEntry{
		ID:           in.newID(),
		SourceID:     sourceID,
		Status:       r.Status,
		StatusCode:   r.StatusCode,
		ItemCount:    r.Entries,
		ErrorMessage: errMsg,
		DurationMs:   r.DurationMs,
		FetchedAt:    time.Now().UnixMilli(),
	}
	if err := in.store.InsertFetchLog(ctx, entry); err != nil {
		log.WarnContext(ctx, "ingest: insert fetch log", "error", err)
	}
}

type itemOutcome struct {
	upsert    store.UpsertOutcome
	geotagged bool
	err       error
}

func (in *Ingester) upsertEntries(ctx context.Context, src *store.Source, entries []feed.Entry, r *SourceReport) {
	outcomes := make([]itemOutcome, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(in.cfg.ItemConcurrency)
	for i := range entries {
		g.Go(func() error {
			outcomes[i] = in.safeUpsert(ctx, src, &entries[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		r.Entries++
		if o.err != nil {
			r.Failed++
			r.itemErrors = append(r.itemErrors,
				fmt.Sprintf("source %s item %s: %v", src.ID, entries[i].Link, o.err))
			continue
		}
		switch o.upsert {
		case store.Inserted:
			r.Inserted++
		case store.Updated:
			r.Updated++
		}
		if o.geotagged {
			r.Geotagged++
		}
	}
}

func (in *Ingester) safeUpsert(ctx context.Context, src *store.Source, e *feed.Entry) (o itemOutcome) {
	defer func() {
		if p := recover(); p != nil {
			in.logger.ErrorContext(ctx, "ingest: item panicked",
				"source_id", src.ID, "link", e.Link, "panic", p, "stack", string(debug.Stack()))
			o = itemOutcome{err: fmt.Errorf("panic: %v", p)}
		}
	}()
	it, err := in.BuildItem(ctx, src, e)
	if err != nil {
		return itemOutcome{err: err}
	}
	out, err := in.store.UpsertItem(ctx, it)
	if err != nil {
		in.logger.WarnContext(ctx, "ingest: upsert failed", "source_id", src.ID, "item_id", it.ID, "error", err)
		return itemOutcome{err: err}
	}
	return itemOutcome{upsert: out, geotagged: it.GeoMethod != ""}
}
