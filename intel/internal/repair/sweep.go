// Package repair keeps failing sources in rotation. A source whose failure
// streak reaches the backoff threshold is fully polled only once its window
// has elapsed; in between, a cheap HEAD check decides whether it has recovered.
package repair

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// Checker checks a URL without downloading it.
type Checker interface {
	Check(ctx context.Context, url string) (int, error)
}

// SweepResult reports the outcome of checking one source.
type SweepResult struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	URL        string `json:"url"`
	FailCount  int    `json:"fail_count"`
	Class      string `json:"class"`
	StatusCode int    `json:"status_code,omitempty"`
	Recovered  bool   `json:"recovered"`
	RetryAt    int64  `json:"retry_at,omitempty"` // unix ms of the next full poll
	Error      string `json:"error,omitempty"`
}

// Config configures a Sweeper.
type Config struct {
	Policy
	// Concurrency bounds checks in flight. Default: 4.
	Concurrency int
	// Now overrides the clock.
	Now func() time.Time
}

func (c *Config) defaults() {
	c.Policy.defaults()
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Sweeper checks backed-off sources and clears the streak of those that
// answer again.
type Sweeper struct {
	store   *store.Store
	checker Checker
	cfg     Config
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper. A nil checker disables checking: backed-off
// sources then wait out their window.
func NewSweeper(st *store.Store, p Checker, cfg Config, logger *slog.Logger) *Sweeper {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, checker: p, cfg: cfg, logger: logger}
}

// Policy returns the effective backoff policy.
func (sw *Sweeper) Policy() Policy { return sw.cfg.Policy }

// Gate splits sources into those to poll now and those held back this run,
// keeping the input order. A backed-off source whose window has elapsed is
// due; otherwise it is checked and becomes due when the check answers 2xx
// or 3xx.
func (sw *Sweeper) Gate(ctx context.Context, sources []*store.Source) (due []*store.Source, held []SweepResult) {
	now := sw.cfg.Now()
	checked := make([]*SweepResult, len(sources))
	g := new(errgroup.Group)
	g.SetLimit(sw.cfg.Concurrency)
	for i, src := range sources {
		retry := sw.cfg.RetryAt(src)
		if retry.IsZero() || !now.Before(retry) {
			continue
		}
		g.Go(func() error {
			r := sw.checkSource(ctx, src)
			r.RetryAt = retry.UnixMilli()
			checked[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	for i, src := range sources {
		r := checked[i]
		switch {
		case r == nil:
			due = append(due, src)
		case r.Recovered:
			src.FailCount = 0
			due = append(due, src)
		default:
			held = append(held, *r)
		}
	}
	return due, held
}

// SweepOnce checks every source at or past the backoff threshold,
// regardless of its window, and clears the streak of those that recover.
func (sw *Sweeper) SweepOnce(ctx context.Context) ([]SweepResult, error) {
	failing, err := sw.store.FailingSources(ctx, sw.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	results := make([]SweepResult, len(failing))
	g := new(errgroup.Group)
	g.SetLimit(sw.cfg.Concurrency)
	for i, src := range failing {
		g.Go(func() error {
			results[i] = sw.checkSource(ctx, src)
			if !results[i].Recovered {
				if retry := sw.cfg.RetryAt(src); !retry.IsZero() {
					results[i].RetryAt = retry.UnixMilli()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	recovered := 0
	for _, r := range results {
		if r.Recovered {
			recovered++
		}
	}
	if len(results) > 0 {
		sw.logger.InfoContext(ctx, "sweeper: cycle done", "checked", len(results), "recovered", recovered)
	}
	return results, nil
}

func (sw *Sweeper) checkSource(ctx context.Context, src *store.Source) SweepResult {
	result := SweepResult{
		SourceID:   src.ID,
		SourceName: src.Name,
		URL:        src.URL,
		FailCount:  src.FailCount,
		Class:      string(Classify(ExtractStatusCode(src.LastError), src.LastError)),
	}
	if sw.checker == nil {
		result.Error = "backoff"
		return result
	}

	code, err := sw.checker.Check(ctx, src.URL)
	result.StatusCode = code
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if code < 200 || code >= 400 {
		result.Class = string(Classify(code, ""))
		result.Error = "still failing"
		return result
	}

	if _, err := sw.store.ResetFailures(ctx, src.ID); err != nil {
		sw.logger.WarnContext(ctx, "sweeper: reset source", "source_id", src.ID, "error", err)
		result.Error = "reset failed: " + err.Error()
		return result
	}
	result.Recovered = true
	sw.logger.InfoContext(ctx, "sweeper: source recovered", "source_id", src.ID, "name", src.Name, "fail_count", src.FailCount)
	return result
}
