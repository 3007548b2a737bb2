// Package indicator evaluates the engine's indicators: historical trailing
// aggregates computed once per session from the trailing-window bars, and
// real-time session indicators recomputed as bars arrive.
package indicator

import (
	"fmt"
	"time"

	"ganymede/internal/domain"
)

// Historical indicator kinds.
const (
	KindTrailingAverage = "trailing_average"
	KindTrailingMax     = "trailing_max"
	KindTrailingMin     = "trailing_min"
)

// FieldValue extracts one bar field by name.
func FieldValue(b domain.Bar, field string) float64 {
	switch field {
	case "open":
		return b.Open
	case "high":
		return b.High
	case "low":
		return b.Low
	case "close":
		return b.Close
	case "volume":
		return float64(b.Volume)
	case "vwap":
		return b.VWAP
	}
	return 0
}

// Daily evaluates a trailing indicator at daily granularity: one value per
// trailing date folded to a single scalar. bars holds one day bar per
// trailing date.
func Daily(kind, field string, bars []domain.Bar) (float64, error) {
	if len(bars) == 0 {
		return 0, fmt.Errorf("%s(%s): no trailing bars", kind, field)
	}
	acc := FieldValue(bars[0], field)
	for _, b := range bars[1:] {
		v := FieldValue(b, field)
		switch kind {
		case KindTrailingAverage:
			acc += v
		case KindTrailingMax:
			if v > acc {
				acc = v
			}
		case KindTrailingMin:
			if v < acc {
				acc = v
			}
		default:
			return 0, fmt.Errorf("unknown indicator kind %q", kind)
		}
	}
	if kind == KindTrailingAverage {
		acc /= float64(len(bars))
	}
	return acc, nil
}

// DayBars is one trailing day's minute bars with that day's session open.
// Minute offsets are measured from the open, so early-close days line up
// with full days for the minutes they share.
type DayBars struct {
	Open time.Time
	Bars []domain.Bar
}

// MinuteProfile evaluates a trailing indicator at minute granularity: one
// value per regular-session minute of a standard day, aggregated across
// the trailing days. minutes is the standard-day span from market_hours
// (390 for US equities). Minutes no trailing day traded (early-close
// afternoons) stay zero.
func MinuteProfile(kind, field string, minutes int, days []DayBars) ([]float64, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%s(%s): non-positive session minutes %d", kind, field, minutes)
	}
	switch kind {
	case KindTrailingAverage, KindTrailingMax, KindTrailingMin:
	default:
		return nil, fmt.Errorf("unknown indicator kind %q", kind)
	}

	out := make([]float64, minutes)
	counts := make([]int, minutes)
	for _, day := range days {
		for _, b := range day.Bars {
			off := int(b.Timestamp.Sub(day.Open) / time.Minute)
			if off < 0 || off >= minutes {
				continue
			}
			v := FieldValue(b, field)
			switch {
			case counts[off] == 0:
				out[off] = v
			case kind == KindTrailingAverage:
				out[off] += v
			case kind == KindTrailingMax && v > out[off]:
				out[off] = v
			case kind == KindTrailingMin && v < out[off]:
				out[off] = v
			}
			counts[off]++
		}
	}
	if kind == KindTrailingAverage {
		for i := range out {
			if counts[i] > 1 {
				out[i] /= float64(counts[i])
			}
		}
	}
	return out, nil
}
