// Package enrich locates pending items in batches with a geo.Chain.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/intelfeed/intel/internal/geo"
	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// Config configures an Engine.
type Config struct {
	// BatchSize caps how many pending items one run looks at. Default: 50.
	BatchSize int
	// Concurrency bounds items resolved in parallel. Default: 4.
	Concurrency int
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Stats reports one enrichment run.
type Stats struct {
	Processed  int            `json:"processed"`
	Geotagged  int            `json:"geotagged"`
	NoLocation int            `json:"no_location"`
	Deferred   int            `json:"deferred"`
	Skipped    int            `json:"skipped"` // already located by a concurrent write
	Failed     int            `json:"failed"`
	ByMethod   map[string]int `json:"by_method"`
	Errors     []string       `json:"errors"`
}

// Engine runs the location chain over pending items.
type Engine struct {
	store  *store.Store
	chain  *geo.Chain
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine.
func New(st *store.Store, chain *geo.Chain, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, chain: chain, cfg: cfg, logger: logger}
}

type outcome struct {
	result string // geotagged | no_location | deferred | skipped | failed
	method string
	err    error
}

// Run resolves one batch of pending items, newest first. The returned error
// is non-nil only when the batch itself could not be loaded; per-item
// failures are recorded in Stats.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByMethod: map[string]int{}, Errors: []string{}}

	items, err := e.store.UnlocatedItems(ctx, e.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("enrich: load batch: %w", err)
	}

	outcomes := make([]outcome, len(items))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			outcomes[i] = e.safeLocate(ctx, it)
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		stats.Processed++
		switch o.result {
		case "geotagged":
			stats.Geotagged++
			stats.ByMethod[o.method]++
		case "no_location":
			stats.NoLocation++
			stats.ByMethod[geo.MethodNoLocation]++
		case "deferred":
			stats.Deferred++
		case "skipped":
			stats.Skipped++
		default:
			stats.Failed++
		}
		if o.err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("item %s: %v", items[i].ID, o.err))
		}
	}
	return stats, nil
}

// safeLocate converts a panic in one item into a failed outcome.
func (e *Engine) safeLocate(ctx context.Context, it *store.Item) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "enrich: item panicked",
				"item_id", it.ID, "panic", r, "stack", string(debug.Stack()))
			o = outcome{result: "failed", err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return e.locate(ctx, it)
}

func (e *Engine) locate(ctx context.Context, it *store.Item) outcome {
	start := time.Now()
	res := e.chain.Resolve(ctx, Subject(it))
	if res.Deferred {
		return outcome{result: "deferred"}
	}

	c := res.Candidate
	loc := store.Location{
		Lat:         c.Lat,
		Lng:         c.Lng,
		CountryCode: c.CountryCode,
		PlaceName:   c.PlaceName,
		Confidence:  c.Confidence,
		Method:      c.Method,
	}
	if c.Category != "" {
		loc.Category = geo.NormalizeCategory(c.Category)
	}
	changed, err := e.store.SetLocation(ctx, it.ID, loc)
	if err != nil {
		e.logger.WarnContext(ctx, "enrich: store location failed", "item_id", it.ID, "error", err)
		return outcome{result: "failed", err: err}
	}
	if !changed {
		return outcome{result: "skipped"}
	}

	e.logger.DebugContext(ctx, "enrich: item resolved",
		"item_id", it.ID, "method", c.Method, "confidence", c.Confidence,
		"declined", len(res.Errors), "duration_ms", time.Since(start).Milliseconds())
	o := outcome{result: "geotagged", method: c.Method, err: callFailure(res.Errors)}
	if !c.Located() {
		o.result, o.method = "no_location", ""
	}
	return o
}

// callFailure joins strategy errors worth reporting. A model that answered
// "no place" or a low confidence is a normal outcome, not a failure.
func callFailure(errs []error) error {
	var failed []error
	for _, err := range errs {
		if errors.Is(err, geo.ErrLowConfidence) || errors.Is(err, geo.ErrNoLocation) {
			continue
		}
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

// Subject builds the chain input for a stored item. Freeform articles keep
// their body excerpt in the raw payload under "content".
func Subject(it *store.Item) geo.Subject {
	s := geo.Subject{ID: it.ID, Title: it.Title, Summary: it.Summary, Origin: it.Origin}
	if it.Raw != "" {
		var raw struct {
			Content string `json:"content"`
		}
		if json.Unmarshal([]byte(it.Raw), &raw) == nil {
			s.Content = raw.Content
		}
	}
	return s
}
