// Package plan resolves the session configuration into a provisioning
// plan: which base interval to stream per symbol, which intervals to
// derive, which historical loads and indicators each symbol needs. The
// analysis is pure; provisioning executes it.
package plan

import (
	"fmt"

	"ganymede/internal/config"
	"ganymede/internal/domain"
)

// HistoricalLoad is one resolved historical requirement.
type HistoricalLoad struct {
	Interval     domain.Interval
	TrailingDays int
}

// IndicatorPlan carries one historical indicator through provisioning.
type IndicatorPlan struct {
	Name        string
	Kind        string // trailing_average | trailing_max | trailing_min
	Field       string
	PeriodDays  int
	Granularity string // daily | minute
}

// SessionIndicatorPlan carries one real-time indicator through
// provisioning. Its interval joins the symbol's required set.
type SessionIndicatorPlan struct {
	Name     string
	Kind     string // sma | ema | rsi | vwap
	Field    string
	Interval domain.Interval
	Period   int
}

// SymbolPlan is the provisioning recipe for one symbol.
type SymbolPlan struct {
	Symbol     string
	Base       domain.Interval
	Derived    []domain.Interval // ascending, Base excluded
	Streams    []domain.Interval // the configured bar streams
	Quotes     bool
	Historical []HistoricalLoad // deduplicated, maximal trailing days
	Indicators []IndicatorPlan
	Session    []SessionIndicatorPlan
}

// Plan is the full provisioning plan for a session.
type Plan struct {
	Base    domain.Interval // session-wide shared base
	Symbols map[string]*SymbolPlan
}

// BaseFor picks the base interval a set of streams needs: one-second bars
// as soon as anything sub-minute is requested, one-minute bars otherwise.
// Day bars are always derived, never a base.
func BaseFor(streams []domain.Interval) domain.Interval {
	for _, iv := range streams {
		if iv.IsSubMinute() {
			return domain.Interval1s
		}
	}
	return domain.Interval1m
}

// Analyze resolves the configuration into a provisioning plan. The
// configuration must already be validated. All symbols share one base
// interval, the finest any of them needs.
func Analyze(cfg *config.Config) (*Plan, error) {
	streams, quotes := cfg.StreamIntervals()
	if len(streams) == 0 && !quotes {
		return nil, domain.NewConfigError("data.streams", "nothing to stream")
	}

	// Session indicators imply their intervals; a sub-minute indicator
	// forces a one-second base exactly like a sub-minute stream.
	required := append([]domain.Interval(nil), streams...)
	for name, spec := range cfg.Data.SessionIndicators {
		iv, err := domain.ParseInterval(spec.Interval)
		if err != nil {
			return nil, fmt.Errorf("session indicator %s: %w", name, err)
		}
		required = append(required, iv)
	}

	base := BaseFor(required)
	p := &Plan{Base: base, Symbols: make(map[string]*SymbolPlan, len(cfg.Data.Symbols))}

	for _, sym := range cfg.Data.Symbols {
		sp, err := analyzeOne(cfg, sym, base, streams, quotes, true)
		if err != nil {
			return nil, err
		}
		p.Symbols[sym] = sp
	}
	return p, nil
}

// AnalyzeSymbol plans one symbol added mid-session. The session's base is
// already fixed; the new symbol adopts it even when its own streams would
// have allowed a coarser one.
func AnalyzeSymbol(cfg *config.Config, symbol string, sessionBase domain.Interval, addedBy string) (*SymbolPlan, error) {
	streams, quotes := cfg.StreamIntervals()
	return analyzeOne(cfg, symbol, sessionBase, streams, quotes, false)
}

func analyzeOne(cfg *config.Config, symbol string, base domain.Interval, streams []domain.Interval, quotes, fromConfig bool) (*SymbolPlan, error) {
	sp := &SymbolPlan{
		Symbol:  symbol,
		Base:    base,
		Streams: append([]domain.Interval(nil), streams...),
		Quotes:  quotes,
	}
	domain.SortIntervals(sp.Streams)

	seen := map[domain.Interval]bool{base: true}
	for _, iv := range sp.Streams {
		if !seen[iv] {
			seen[iv] = true
			sp.Derived = append(sp.Derived, iv)
		}
	}
	for name, spec := range cfg.Data.SessionIndicators {
		iv, err := domain.ParseInterval(spec.Interval)
		if err != nil {
			return nil, fmt.Errorf("session indicator %s: %w", name, err)
		}
		sp.Session = append(sp.Session, SessionIndicatorPlan{
			Name: name, Kind: spec.Kind, Field: spec.Field,
			Interval: iv, Period: spec.Period,
		})
		if !seen[iv] {
			seen[iv] = true
			sp.Derived = append(sp.Derived, iv)
		}
	}
	sortSessionIndicators(sp.Session)
	domain.SortIntervals(sp.Derived)

	// Merge configured historical loads, keeping the longest window per
	// interval.
	days := make(map[domain.Interval]int)
	for _, load := range cfg.Data.Historical.Data {
		if fromConfig && !load.ApplyTo.Matches(symbol) {
			continue
		}
		for _, s := range load.Intervals {
			iv, err := domain.ParseInterval(s)
			if err != nil {
				return nil, fmt.Errorf("historical interval: %w", err)
			}
			if load.TrailingDays > days[iv] {
				days[iv] = load.TrailingDays
			}
		}
	}

	// Indicators pull in the historical data they are computed from:
	// daily granularity needs day bars, minute granularity minute bars.
	for name, spec := range cfg.Data.Historical.Indicators {
		period, err := spec.PeriodDays()
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", name, err)
		}
		sp.Indicators = append(sp.Indicators, IndicatorPlan{
			Name: name, Kind: spec.Kind, Field: spec.Field,
			PeriodDays: period, Granularity: spec.Granularity,
		})
		need := domain.Interval1d
		if spec.Granularity == "minute" {
			need = domain.Interval1m
		}
		if period > days[need] {
			days[need] = period
		}
	}
	sortIndicators(sp.Indicators)

	// Derived historical intervals are aggregated from minute bars, so
	// every non-native interval implies a matching 1m load.
	for iv, d := range days {
		if iv == domain.Interval1s || iv == domain.Interval1m || iv == domain.Interval1d {
			continue
		}
		if d > days[domain.Interval1m] {
			days[domain.Interval1m] = d
		}
	}

	for iv, d := range days {
		sp.Historical = append(sp.Historical, HistoricalLoad{Interval: iv, TrailingDays: d})
	}
	sortLoads(sp.Historical)

	return sp, nil
}

func sortLoads(loads []HistoricalLoad) {
	for i := 1; i < len(loads); i++ {
		for j := i; j > 0 && loads[j].Interval.Duration() < loads[j-1].Interval.Duration(); j-- {
			loads[j], loads[j-1] = loads[j-1], loads[j]
		}
	}
}

func sortIndicators(ind []IndicatorPlan) {
	for i := 1; i < len(ind); i++ {
		for j := i; j > 0 && ind[j].Name < ind[j-1].Name; j-- {
			ind[j], ind[j-1] = ind[j-1], ind[j]
		}
	}
}

func sortSessionIndicators(ind []SessionIndicatorPlan) {
	for i := 1; i < len(ind); i++ {
		for j := i; j > 0 && ind[j].Name < ind[j-1].Name; j-- {
			ind[j], ind[j-1] = ind[j-1], ind[j]
		}
	}
}
