package indicator

import (
	"github.com/markcheno/go-talib"

	"ganymede/internal/domain"
)

// Session indicator kinds, recomputed by the data processor as bars land.
const (
	KindSMA  = "sma"
	KindEMA  = "ema"
	KindRSI  = "rsi"
	KindVWAP = "vwap"
)

// ValidSessionKind reports whether kind is a supported session indicator.
func ValidSessionKind(kind string) bool {
	switch kind {
	case KindSMA, KindEMA, KindRSI, KindVWAP:
		return true
	}
	return false
}

// Evaluate computes the latest value of a session indicator over the bar
// stream. It reports false while the stream is shorter than the indicator
// warm-up (period bars for sma/ema/vwap, period+1 for rsi).
func Evaluate(kind, field string, period int, bars []domain.Bar) (float64, bool) {
	if kind == KindVWAP {
		return vwap(bars, period)
	}
	if period < 1 || len(bars) < period {
		return 0, false
	}

	series := make([]float64, len(bars))
	for i, b := range bars {
		series[i] = FieldValue(b, field)
	}

	var out []float64
	switch kind {
	case KindSMA:
		out = talib.Sma(series, period)
	case KindEMA:
		out = talib.Ema(series, period)
	case KindRSI:
		if len(series) < period+1 {
			return 0, false
		}
		out = talib.Rsi(series, period)
	default:
		return 0, false
	}
	if len(out) == 0 {
		return 0, false
	}
	return out[len(out)-1], true
}

// vwap is the volume-weighted close over the trailing period bars, or the
// whole stream when period is zero.
func vwap(bars []domain.Bar, period int) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	if period > 0 {
		if len(bars) < period {
			return 0, false
		}
		bars = bars[len(bars)-period:]
	}
	var pv float64
	var vol int64
	for _, b := range bars {
		pv += b.Close * float64(b.Volume)
		vol += b.Volume
	}
	if vol == 0 {
		return bars[len(bars)-1].Close, true
	}
	return pv / float64(vol), true
}
