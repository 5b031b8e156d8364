// Package retention keeps the item store bounded: an age limit, then a
// global count cap, then a per-source count cap. Each stage runs even when
// an earlier one failed.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// Config configures a Cleaner.
type Config struct {
	// TTL deletes items ingested longer ago than this. Default: 7 days.
	TTL time.Duration
	// MaxItems caps the whole store. Default: 10000.
	MaxItems int
	// MaxItemsPerSource caps each source without its own max_items. Default: 1000.
	MaxItemsPerSource int
	// FetchLogTTL prunes fetch_log rows older than this. Default: TTL.
	FetchLogTTL time.Duration
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 10000
	}
	if c.MaxItemsPerSource <= 0 {
		c.MaxItemsPerSource = 1000
	}
	if c.FetchLogTTL <= 0 {
		c.FetchLogTTL = c.TTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stage names, in execution order.
const (
	StageTTL       = "ttl"
	StageGlobal    = "global_cap"
	StagePerSource = "per_source_cap"
	StageFetchLog  = "fetch_log"
)

// Stats reports one retention run.
type Stats struct {
	Deleted          int64            `json:"deleted"`
	ExpiredDeleted   int64            `json:"expired_deleted"`
	GlobalDeleted    int64            `json:"global_cap_deleted"`
	PerSourceDeleted map[string]int64 `json:"per_source_deleted"`
	FetchLogPruned   int64            `json:"fetch_log_pruned"`
	Errors           []string         `json:"errors"`
}

func (s *Stats) fail(stage string, err error) {
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// Cleaner applies the retention policy.
type Cleaner struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Cleaner.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Cleaner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: st, cfg: cfg, logger: logger}
}

// Run executes every stage once. Stage failures are recorded in Stats.
func (c *Cleaner) Run(ctx context.Context) *Stats {
	stats := &Stats{PerSourceDeleted: map[string]int64{}, Errors: []string{}}

	if n, err := c.expire(ctx); err != nil {
		c.stageFailed(ctx, stats, StageTTL, err)
	} else {
		stats.ExpiredDeleted = n
	}
	stats.Deleted += stats.ExpiredDeleted

	if n, err := c.capGlobal(ctx); err != nil {
		c.stageFailed(ctx, stats, StageGlobal, err)
	} else {
		stats.GlobalDeleted = n
	}
	stats.Deleted += stats.GlobalDeleted

	c.capSources(ctx, stats)

	cutoff := c.cfg.Now().Add(-c.cfg.FetchLogTTL).UnixMilli()
	if n, err := c.store.PruneFetchLog(ctx, cutoff); err != nil {
		c.stageFailed(ctx, stats, StageFetchLog, err)
	} else {
		stats.FetchLogPruned = n
	}
	return stats
}

func (c *Cleaner) stageFailed(ctx context.Context, stats *Stats, stage string, err error) {
	c.logger.WarnContext(ctx, "retention: stage failed", "stage", stage, "error", err)
	stats.fail(stage, err)
}

func (c *Cleaner) expire(ctx context.Context) (int64, error) {
	cutoff := c.cfg.Now().Add(-c.cfg.TTL).UnixMilli()
	return c.store.DeleteCreatedBefore(ctx, cutoff)
}

func (c *Cleaner) capGlobal(ctx context.Context) (int64, error) {
	total, err := c.store.CountItems(ctx)
	if err != nil {
		return 0, err
	}
	excess := total - c.cfg.MaxItems
	if excess <= 0 {
		return 0, nil
	}
	ids, err := c.store.OldestItemIDs(ctx, "", excess)
	if err != nil {
		return 0, err
	}
	return c.store.DeleteItems(ctx, ids)
}

// capSources trims every source over its cap. One source failing does not
// stop the others.
func (c *Cleaner) capSources(ctx context.Context, stats *Stats) {
	counts, err := c.store.SourceCounts(ctx)
	if err != nil {
		c.stageFailed(ctx, stats, StagePerSource, err)
		return
	}
	for _, sc := range counts {
		limit := sc.MaxItems
		if limit <= 0 {
			limit = c.cfg.MaxItemsPerSource
		}
		excess := sc.Count - limit
		if excess <= 0 {
			continue
		}
		n, err := c.trimSource(ctx, sc.SourceID, excess)
		if n > 0 {
			stats.PerSourceDeleted[sc.SourceID] = n
			stats.Deleted += n
		}
		if err != nil {
			c.logger.WarnContext(ctx, "retention: source cap failed",
				"stage", StagePerSource, "source_id", sc.SourceID, "error", err)
			stats.fail(StagePerSource+" "+sc.SourceID, err)
		}
	}
}

func (c *Cleaner) trimSource(ctx context.Context, sourceID string, excess int) (int64, error) {
	ids, err := c.store.OldestItemIDs(ctx, sourceID, excess)
	if err != nil {
		return 0, err
	}
	return c.store.DeleteItems(ctx, ids)
}
