package geo

import (
	"context"
	"errors"
	"log/slog"
)

// Strategy proposes a location for a subject. ok is false when the strategy
// has nothing to say; err reports why it could not decide (a failed call, a
// rejected answer) and is never fatal to the chain.
type Strategy struct {
	Name   string
	Locate func(ctx context.Context, s Subject) (c Candidate, ok bool, err error)
}

// Resolution is the outcome of one chain pass.
type Resolution struct {
	Candidate Candidate
	// Strategy that produced Candidate; empty for no_location.
	Strategy string
	// Errors collected from strategies that failed before the winner.
	Errors []error
	// Deferred is set when the pass was interrupted by context cancellation;
	// Candidate is then meaningless and the subject must stay unlocated.
	Deferred bool
}

// Chain runs strategies in order and stops at the first hit.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain creates a chain. Order is significant.
func NewChain(logger *slog.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: strategies, logger: logger}
}

// Strategies returns the strategy names in evaluation order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Resolve walks the chain. It always returns a usable Resolution: when no
// strategy matches, the candidate is NoLocation.
func (c *Chain) Resolve(ctx context.Context, s Subject) Resolution {
	var res Resolution
	for _, st := range c.strategies {
		if err := ctx.Err(); err != nil {
			res.Deferred = true
			res.Errors = append(res.Errors, err)
			return res
		}
		cand, ok, err := st.Locate(ctx, s)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				res.Deferred = true
				res.Errors = append(res.Errors, err)
				return res
			}
			c.logger.DebugContext(ctx, "geo: strategy declined",
				"item_id", s.ID, "strategy", st.Name, "error", err)
			res.Errors = append(res.Errors, err)
			continue
		}
		if ok && cand.Located() {
			res.Candidate = cand
			res.Strategy = st.Name
			return res
		}
	}
	res.Candidate = NoLocation()
	return res
}

// CityStrategy matches city names and aliases in the subject text.
func CityStrategy(g *Gazetteer) Strategy {
	m := NewMatcher(g.Cities)
	return Strategy{
		Name: MethodCityMatch,
		Locate: func(_ context.Context, s Subject) (Candidate, bool, error) {
			p := m.Find(s.Title + "\n" + s.Summary)
			if p == nil {
				return Candidate{}, false, nil
			}
			return Candidate{
				Lat:         p.Lat,
				Lng:         p.Lng,
				CountryCode: p.ISO2(),
				PlaceName:   p.Name,
				Confidence:  ConfidenceCity,
				Method:      MethodCityMatch,
			}, true, nil
		},
	}
}

// CountryStrategy matches country names and demonyms and answers with the
// country centroid.
func CountryStrategy(g *Gazetteer) Strategy {
	m := NewMatcher(g.Countries)
	return Strategy{
		Name: MethodCountryCentroid,
		Locate: func(_ context.Context, s Subject) (Candidate, bool, error) {
			p := m.Find(s.Title + "\n" + s.Summary)
			if p == nil {
				return Candidate{}, false, nil
			}
			return Candidate{
				Lat:         p.Lat,
				Lng:         p.Lng,
				CountryCode: p.ISO2(),
				PlaceName:   p.Name,
				Confidence:  ConfidenceCountry,
				Method:      MethodCountryCentroid,
			}, true, nil
		},
	}
}

// DefaultStrategies is the gazetteer part of the chain: city, then country.
func DefaultStrategies() []Strategy {
	g := DefaultGazetteer()
	return []Strategy{CityStrategy(g), CountryStrategy(g)}
}
