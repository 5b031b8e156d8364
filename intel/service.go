// Package intel is the intelligence ingestion pipeline: it polls news and
// OSINT feeds into a SQLite store, locates items on the map and keeps the
// store bounded.
//
// The three runs (ingest, enrich, cleanup) are independent batch jobs. Each
// returns a RunReport and never panics or fails past its boundary; only an
// unreachable store makes a run fatal.
package intel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/intelfeed/horosafe"
	"github.com/hazyhaar/intelfeed/idgen"
	"github.com/hazyhaar/intelfeed/intel/internal/canon"
	"github.com/hazyhaar/intelfeed/intel/internal/enrich"
	"github.com/hazyhaar/intelfeed/intel/internal/fetch"
	"github.com/hazyhaar/intelfeed/intel/internal/geo"
	"github.com/hazyhaar/intelfeed/intel/internal/ingest"
	"github.com/hazyhaar/intelfeed/intel/internal/retention"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
	"github.com/hazyhaar/intelfeed/observability"
)

// Service wires the store and the pipeline stages. Its lifetime is the
// process.
type Service struct {
	db        *sql.DB
	store     *store.Store
	ingester  *ingest.Ingester
	enricher  *enrich.Engine
	cleaner   *retention.Cleaner
	extractor *geo.Extractor // nil without a completer
	runs      *observability.RunLog
	config    *Config
	logger    *slog.Logger
	newRunID  idgen.Generator

	// injected
	fetcher      ingest.Fetcher
	resolver     ingest.Resolver
	completer    geo.Completer
	urlValidator func(string) error
}

// Option configures a Service during creation.
type Option func(*Service)

// WithFetcher replaces the HTTP feed fetcher.
func WithFetcher(f ingest.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithResolver replaces the aggregator link resolver.
func WithResolver(r ingest.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithCompleter sets the chat model used for location extraction. It takes
// precedence over an OpenAI key in the config.
func WithCompleter(c geo.Completer) Option {
	return func(s *Service) { s.completer = c }
}

// WithURLValidator overrides the outbound URL check (default:
// horosafe.ValidateURL). Tests use it to reach loopback servers.
func WithURLValidator(fn func(string) error) Option {
	return func(s *Service) { s.urlValidator = fn }
}

// New builds a Service over db, which must carry the store schema (see
// OpenDB).
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("intel: nil db")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:           db,
		store:        store.NewStore(db),
		config:       cfg,
		logger:       logger,
		newRunID:     idgen.RunID,
		urlValidator: horosafe.ValidateURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := observability.Init(db); err != nil {
		return nil, fmt.Errorf("intel: init run log: %w", err)
	}
	s.runs = observability.NewRunLog(db, logger)

	if s.fetcher == nil {
		s.fetcher = fetch.New(fetch.Config{
			Timeout:      cfg.FetchTimeout,
			UserAgent:    cfg.UserAgent,
			URLValidator: s.urlValidator,
		})
	}
	if s.resolver == nil {
		s.resolver = canon.NewResolver(canon.ResolverConfig{
			Timeout:      cfg.ResolveTimeout,
			UserAgent:    cfg.UserAgent,
			URLValidator: s.urlValidator,
		}, logger)
	}
	if s.completer == nil && cfg.OpenAIAPIKey != "" {
		c, err := geo.NewOpenAICompleter(geo.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.AIModel,
		})
		if err != nil {
			return nil, fmt.Errorf("intel: %w", err)
		}
		s.completer = c
	}

	strategies := geo.DefaultStrategies()
	if s.completer != nil {
		s.extractor = geo.NewExtractor(s.completer, geo.ExtractorConfig{
			Timeout: cfg.AITimeout,
			Rate:    cfg.AIRate,
		}, logger)
		var origins []string
		if !cfg.AIForFeeds {
			origins = []string{geo.OriginArticle}
		}
		strategies = append(strategies, geo.AIStrategy(s.extractor, origins...))
	}
	chain := geo.NewChain(logger, strategies...)

	s.ingester = ingest.New(s.store, s.fetcher, s.resolver, ingest.Config{
		SourceConcurrency: cfg.SourceConcurrency,
		ItemConcurrency:   cfg.ItemConcurrency,
		MaxFailCount:      cfg.MaxFailCount,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
	}, logger)
	s.enricher = enrich.New(s.store, chain, enrich.Config{
		BatchSize:   cfg.EnrichBatchSize,
		Concurrency: cfg.EnrichConcurrency,
	}, logger)
	s.cleaner = retention.New(s.store, retention.Config{
		TTL:               cfg.TTL(),
		MaxItems:          cfg.MaxItems,
		MaxItemsPerSource: cfg.MaxItemsPerSource,
	}, logger)

	logger.Info("intel: service ready", "strategies", chain.Strategies(), "db", cfg.DBPath)
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.config }

// RunIngest polls every eligible source once.
func (s *Service) RunIngest(ctx context.Context) *RunReport {
	return s.run(ctx, KindIngest, func(ctx context.Context, r *RunReport) error {
		st, err := s.ingester.Run(ctx)
		r.Detail = st
		if err != nil {
			return err
		}
		r.Processed, r.Inserted, r.Updated = st.Processed, st.Inserted, st.Updated
		r.Geotagged, r.Failed = st.Geotagged, st.Failed+st.SourcesFailed
		r.Errors = append(r.Errors, st.Errors...)
		return nil
	})
}

// RunEnrich locates one batch of pending items.
func (s *Service) RunEnrich(ctx context.Context) *RunReport {
	return s.run(ctx, KindEnrich, func(ctx context.Context, r *RunReport) error {
		st, err := s.enricher.Run(ctx)
		r.Detail = st
		if err != nil {
			return err
		}
		r.Processed, r.Updated, r.Geotagged, r.Failed = st.Processed, st.Geotagged+st.NoLocation, st.Geotagged, st.Failed
		r.Errors = append(r.Errors, st.Errors...)
		return nil
	})
}

// RunCleanup applies the retention policy once.
func (s *Service) RunCleanup(ctx context.Context) *RunReport {
	return s.run(ctx, KindCleanup, func(ctx context.Context, r *RunReport) error {
		st := s.cleaner.Run(ctx)
		r.Detail = st
		r.Deleted = st.Deleted
		r.Errors = append(r.Errors, st.Errors...)
		if _, err := s.runs.Cleanup(ctx, time.Now().Add(-s.config.TTL())); err != nil {
			r.Errors = append(r.Errors, "run_log: "+err.Error())
		}
		r.Failed = len(r.Errors)
		return nil
	})
}

// RunSweep checks every backed-off source and clears the failure streak of
// those that answer again.
func (s *Service) RunSweep(ctx context.Context) *RunReport {
	return s.run(ctx, KindSweep, func(ctx context.Context, r *RunReport) error {
		results, err := s.ingester.Sweep(ctx)
		r.Detail = results
		if err != nil {
			return err
		}
		r.Processed = len(results)
		for _, res := range results {
			if res.Recovered {
				r.Updated++
			}
		}
		return nil
	})
}

// RunAll runs ingest, enrich and cleanup in that order. A fatal run does not
// prevent the next one from trying.
func (s *Service) RunAll(ctx context.Context) []*RunReport {
	return []*RunReport{s.RunIngest(ctx), s.RunEnrich(ctx), s.RunCleanup(ctx)}
}

// run is the orchestrator boundary: it checks the store, recovers panics
// and logs the final report.
func (s *Service) run(ctx context.Context, kind string, body func(context.Context, *RunReport) error) (r *RunReport) {
	r = newReport(kind, s.newRunID())
	log := s.logger.With("run_id", r.RunID, "kind", kind)

	defer func() {
		if p := recover(); p != nil {
			log.ErrorContext(ctx, "intel: run panicked", "panic", p, "stack", string(debug.Stack()))
			r.fatal(fmt.Errorf("panic: %v", p))
		}
		r.finish()
		entry := observability.NewEntry(r.RunID, kind, r.StartedAt, time.Duration(r.DurationMs)*time.Millisecond, r.Fatal, r)
		if err := s.runs.Record(context.WithoutCancel(ctx), entry); err != nil {
			log.WarnContext(ctx, "intel: run not recorded", "error", err)
		}
		if r.OK {
			log.InfoContext(ctx, "intel: run done", "report", r)
		} else {
			log.ErrorContext(ctx, "intel: run failed", "report", r)
		}
	}()

	if err := s.db.PingContext(ctx); err != nil {
		r.fatal(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		return r
	}
	if err := body(ctx, r); err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		r.fatal(err)
	}
	return r
}

// RunFilter narrows Runs.
type RunFilter = observability.RunFilter

// Runs returns recorded run reports, most recent first.
func (s *Service) Runs(ctx context.Context, f RunFilter) ([]*observability.RunEntry, error) {
	return s.runs.Query(ctx, f)
}
