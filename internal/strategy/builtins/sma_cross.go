// Package builtins provides the strategy implementations that ship with
// the engine.
package builtins

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"ganymede/internal/domain"
	"ganymede/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross is a simple moving-average crossover strategy: a buy signal
// when the short SMA crosses above the long SMA, a sell signal when it
// crosses below. It evaluates on minute bars and tracks the previous
// relation per symbol to detect the cross itself, not the state.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	interval    domain.Interval

	// last short-above-long state per symbol; absent until warm.
	above map[string]bool
}

// NewSMACross creates an SMACross with the given periods, evaluated on
// one-minute bars.
func NewSMACross(short, long int) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		interval:    domain.Interval1m,
		above:       make(map[string]bool),
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Intervals returns the intervals the strategy evaluates on.
func (s *SMACross) Intervals() []domain.Interval {
	return []domain.Interval{s.interval}
}

// Init validates the configured periods.
func (s *SMACross) Init(_ context.Context, _ strategy.View) error {
	if s.shortPeriod < 1 || s.longPeriod <= s.shortPeriod {
		return fmt.Errorf("sma-cross: need 1 <= short < long, got %d/%d",
			s.shortPeriod, s.longPeriod)
	}
	return nil
}

// OnBar recomputes both averages over the trailing window and emits a
// signal when the relation flips. Nothing is emitted until the long
// window is warm.
func (s *SMACross) OnBar(_ context.Context, view strategy.View, bar domain.Bar, iv domain.Interval) ([]domain.Signal, error) {
	bars := view.LastNBars(bar.Symbol, iv, s.longPeriod)
	if len(bars) < s.longPeriod {
		return nil, nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	shortSMA := talib.Sma(closes, s.shortPeriod)
	longSMA := talib.Sma(closes, s.longPeriod)
	last := len(closes) - 1
	above := shortSMA[last] > longSMA[last]

	prev, warm := s.above[bar.Symbol]
	s.above[bar.Symbol] = above
	if !warm || prev == above {
		return nil, nil
	}

	sigType := domain.SignalTypeSell
	if above {
		sigType = domain.SignalTypeBuy
	}
	return []domain.Signal{{
		StrategyID: s.Name(),
		Symbol:     bar.Symbol,
		Type:       sigType,
		Strength:   crossStrength(shortSMA[last], longSMA[last]),
		Metadata: map[string]string{
			"short_sma": fmt.Sprintf("%.4f", shortSMA[last]),
			"long_sma":  fmt.Sprintf("%.4f", longSMA[last]),
		},
	}}, nil
}

// crossStrength scales the relative SMA spread into [0, 1].
func crossStrength(short, long float64) float64 {
	if long == 0 {
		return 0
	}
	spread := short/long - 1
	if spread < 0 {
		spread = -spread
	}
	// A 1% spread or more counts as full strength.
	if spread >= 0.01 {
		return 1
	}
	return spread / 0.01
}
