// Package strategy defines the Strategy interface the analysis engine
// drives and provides a Registry for managing implementations. Strategies
// read session state through the View and return signals; they never write
// to the store.
package strategy

import (
	"context"
	"sort"

	"ganymede/internal/domain"
)

// View is the read-only window a strategy gets into the session store.
// *sessiondata.Store satisfies it.
type View interface {
	LatestBar(symbol string, iv domain.Interval) (domain.Bar, bool)
	LastNBars(symbol string, iv domain.Interval, n int) []domain.Bar
	Indicator(symbol, name string, iv domain.Interval) (float64, bool)
	LatestQuote(symbol string) (domain.Quote, int)
}

// Strategy is the interface all trading strategies implement. OnBar runs
// on the analysis goroutine after the bar and everything derived from it
// are already in the view.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Intervals returns the bar intervals the strategy wants to be
	// called for. Empty means every interval.
	Intervals() []domain.Interval

	// Init performs one-time setup before the session starts streaming.
	Init(ctx context.Context, view View) error

	// OnBar is called for each completed bar of a subscribed interval.
	// It returns zero or more trading signals.
	OnBar(ctx context.Context, view View, bar domain.Bar, iv domain.Interval) ([]domain.Signal, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wants reports whether the strategy subscribes to the interval.
func Wants(s Strategy, iv domain.Interval) bool {
	ivs := s.Intervals()
	if len(ivs) == 0 {
		return true
	}
	for _, want := range ivs {
		if want == iv {
			return true
		}
	}
	return false
}
