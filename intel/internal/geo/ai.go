package geo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/intelfeed/connectivity"
	"github.com/hazyhaar/intelfeed/horosafe"
)

const extractionSystemPrompt = `You locate news events on a map.
Reply with exactly one JSON object and nothing else, using this shape:
{"location_name": string, "lat": number, "lng": number, "confidence_score": integer 0-100, "category": string}
location_name is the most specific place where the event happens.
category is one of: Conflict, Terrorism, Cyber, Disaster, Health, Politics, Economy, Crime, Environment, Science, Other.
If no place can be determined, reply {"location_name": null, "lat": null, "lng": null, "confidence_score": 0, "category": "Other"}.`

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	Timeout    time.Duration // per call, default 20s
	Rate       float64       // calls per second, default 2
	Burst      int           // default 1
	Threshold  int           // accepted confidence is strictly above, default 50
	MaxExcerpt int           // runes of content sent, default 2000
	Breaker    connectivity.BreakerConfig
}

func (c *ExtractorConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Rate <= 0 {
		c.Rate = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Threshold <= 0 {
		c.Threshold = AIThreshold
	}
	if c.MaxExcerpt <= 0 {
		c.MaxExcerpt = 2000
	}
}

// Extractor asks a chat model where an item happens. Calls are rate limited,
// bounded in time and guarded by a circuit breaker; they are never retried.
type Extractor struct {
	cfg     ExtractorConfig
	limiter *rate.Limiter
	call    connectivity.Call[[2]string, string]
}

// NewExtractor creates an Extractor over c.
func NewExtractor(c Completer, cfg ExtractorConfig, logger *slog.Logger) *Extractor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	complete := func(ctx context.Context, prompt [2]string) (string, error) {
		return c.Complete(ctx, prompt[0], prompt[1])
	}
	return &Extractor{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		call: connectivity.Chain(
			connectivity.Recovery[[2]string, string](logger),
			connectivity.Logging[[2]string, string](logger, "ai_extraction"),
			connectivity.WithBreaker[[2]string, string](connectivity.NewBreaker(cfg.Breaker), "ai_extraction"),
			connectivity.Timeout[[2]string, string]("ai_extraction", cfg.Timeout),
		)(complete),
	}
}

// Extract returns a validated extraction, or an error wrapping one of the
// package sentinels or a connectivity error.
func (e *Extractor) Extract(ctx context.Context, s Subject) (Extraction, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Extraction{}, fmt.Errorf("ai extraction: rate limit: %w", err)
	}
	reply, err := e.call(ctx, [2]string{extractionSystemPrompt, e.userPrompt(s)})
	if err != nil {
		return Extraction{}, fmt.Errorf("ai extraction: %w", err)
	}
	return ParseExtraction(reply, e.cfg.Threshold)
}

func (e *Extractor) userPrompt(s Subject) string {
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(strings.TrimSpace(s.Title))
	body := s.Content
	if body == "" {
		body = s.Summary
	}
	if body = horosafe.Truncate(body, e.cfg.MaxExcerpt); body != "" {
		b.WriteString("\n\nContent:\n")
		b.WriteString(body)
	}
	return b.String()
}

// AIStrategy wraps ex as a chain link. It only looks at subjects whose
// origin is listed; with no origins it applies to every subject.
func AIStrategy(ex *Extractor, origins ...string) Strategy {
	return Strategy{
		Name: MethodAIExtraction,
		Locate: func(ctx context.Context, s Subject) (Candidate, bool, error) {
			if len(origins) > 0 && !slices.Contains(origins, s.Origin) {
				return Candidate{}, false, nil
			}
			x, err := ex.Extract(ctx, s)
			if err != nil {
				return Candidate{}, false, err
			}
			return x.Candidate(), true, nil
		},
	}
}
