package builtins

import (
	"context"
	"testing"
	"time"

	"ganymede/internal/domain"
)

// sliceView serves a fixed bar history per symbol.
type sliceView struct {
	bars map[string][]domain.Bar
}

func (v *sliceView) LatestBar(symbol string, _ domain.Interval) (domain.Bar, bool) {
	bars := v.bars[symbol]
	if len(bars) == 0 {
		return domain.Bar{}, false
	}
	return bars[len(bars)-1], true
}

func (v *sliceView) LastNBars(symbol string, _ domain.Interval, n int) []domain.Bar {
	bars := v.bars[symbol]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars
}

func (v *sliceView) Indicator(string, string, domain.Interval) (float64, bool) { return 0, false }
func (v *sliceView) LatestQuote(string) (domain.Quote, int)                    { return domain.Quote{}, 0 }

func barsFromCloses(symbol string, closes []float64) []domain.Bar {
	start := time.Date(2025, 12, 1, 9, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol: symbol, Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open: c, High: c, Low: c, Close: c, Volume: 100, TradeCount: 1,
		}
	}
	return bars
}

// feed drives the strategy bar by bar over the history, collecting signals.
func feed(t *testing.T, s *SMACross, symbol string, closes []float64) []domain.Signal {
	t.Helper()
	all := barsFromCloses(symbol, closes)
	view := &sliceView{bars: map[string][]domain.Bar{}}
	var signals []domain.Signal
	for i := range all {
		view.bars[symbol] = all[:i+1]
		got, err := s.OnBar(context.Background(), view, all[i], domain.Interval1m)
		if err != nil {
			t.Fatalf("OnBar: %v", err)
		}
		signals = append(signals, got...)
	}
	return signals
}

func TestSMACrossBuyThenSell(t *testing.T) {
	s := NewSMACross(2, 4)
	if err := s.Init(context.Background(), nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Flat warm-up, then a rally (short SMA crosses above), then a slide
	// (crosses back below).
	closes := []float64{10, 10, 10, 10, 10, 12, 14, 16, 12, 8, 6}
	signals := feed(t, s, "AAPL", closes)

	if len(signals) != 2 {
		t.Fatalf("got %d signals (%v), want buy then sell", len(signals), signals)
	}
	if signals[0].Type != domain.SignalTypeBuy {
		t.Errorf("first signal %s, want buy", signals[0].Type)
	}
	if signals[1].Type != domain.SignalTypeSell {
		t.Errorf("second signal %s, want sell", signals[1].Type)
	}
	for _, sig := range signals {
		if sig.Symbol != "AAPL" || sig.StrategyID != "sma-cross" {
			t.Errorf("signal attribution wrong: %+v", sig)
		}
		if sig.Strength < 0 || sig.Strength > 1 {
			t.Errorf("strength %v out of [0,1]", sig.Strength)
		}
	}
}

func TestSMACrossNoSignalWhileWarmingUp(t *testing.T) {
	s := NewSMACross(2, 4)
	signals := feed(t, s, "AAPL", []float64{10, 11, 12})
	if len(signals) != 0 {
		t.Errorf("got %d signals before the long window is warm, want 0", len(signals))
	}
}

func TestSMACrossNoRepeatWithoutCross(t *testing.T) {
	s := NewSMACross(2, 4)
	// Monotone rise: one cross at most, never repeated.
	signals := feed(t, s, "AAPL", []float64{10, 10, 10, 10, 11, 12, 13, 14, 15, 16})
	if len(signals) > 1 {
		t.Errorf("got %d signals on a monotone rise, want at most 1", len(signals))
	}
}

func TestSMACrossInitRejectsBadPeriods(t *testing.T) {
	if err := NewSMACross(5, 3).Init(context.Background(), nil); err == nil {
		t.Error("Init accepted short >= long")
	}
	if err := NewSMACross(0, 3).Init(context.Background(), nil); err == nil {
		t.Error("Init accepted zero short period")
	}
}
