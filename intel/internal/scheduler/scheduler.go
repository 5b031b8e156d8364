// Package scheduler runs the pipeline jobs on their own intervals in serve
// mode.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Config configures the scheduler.
type Config struct {
	// SkipInitialRun waits for the first tick instead of running every job
	// once at start.
	SkipInitialRun bool
}

// Scheduler runs jobs on independent tickers. A job never overlaps itself:
// a tick arriving while the previous run is still going is dropped.
type Scheduler struct {
	jobs   []Job
	config Config
	logger *slog.Logger
}

// New creates a Scheduler. Jobs with a non-positive interval are ignored.
func New(jobs []Job, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	var kept []Job
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			logger.Warn("scheduler: job disabled", "job", j.Name)
			continue
		}
		kept = append(kept, j)
	}
	return &Scheduler{jobs: kept, config: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and every job has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	if !s.config.SkipInitialRun {
		s.runOnce(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

// runOnce runs j synchronously, so ticks that fire meanwhile coalesce in the
// ticker instead of stacking up.
func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: job panicked", "job", j.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	start := time.Now()
	j.Run(ctx)
	s.logger.Debug("scheduler: job done", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
}
