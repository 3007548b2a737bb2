// Package quality scores the completeness of bar streams and locates the
// gaps. Scores weigh completeness at 90% and a duplicate penalty at 10%;
// expected bar counts come from the trading calendar, never from a
// hardcoded session length.
package quality

import (
	"time"

	"ganymede/internal/domain"
)

// Score computes the quality percentage for a stream window.
//
//	completeness = min(1, observed/expected)
//	score        = 100 * (0.9*completeness + 0.1*(1 - dup_penalty))
//
// dup_penalty is 0.1 when any duplicate timestamp was observed. A window
// that expects no bars (holiday, before open) scores 100.
func Score(observed, expected, duplicates int) float64 {
	if expected <= 0 {
		return 100
	}
	completeness := float64(observed) / float64(expected)
	if completeness > 1 {
		completeness = 1
	}
	dupPenalty := 0.0
	if duplicates > 0 {
		dupPenalty = 0.1
	}
	return 100 * (0.9*completeness + 0.1*(1-dupPenalty))
}

// ExpectedIntraday returns how many bars of an intraday interval fit in
// the given span of trading minutes. Day intervals are counted in trading
// days by the caller, not here.
func ExpectedIntraday(tradingMinutes int, iv domain.Interval) int {
	bpm := iv.BarsPerMinute()
	if bpm <= 0 || tradingMinutes <= 0 {
		return 0
	}
	return int(float64(tradingMinutes) * bpm)
}

// FindGaps diffs the expected bar labels against the observed bars and
// returns the missing spans as a GapInfo. Consecutive missing labels merge
// into one half-open range [first, last+interval). Retries carries over
// from prev so the gap filler's budget survives recomputation.
func FindGaps(iv domain.Interval, expected []time.Time, observed []domain.Bar, prev *domain.GapInfo) domain.GapInfo {
	have := make(map[int64]bool, len(observed))
	for _, b := range observed {
		have[b.Timestamp.Unix()] = true
	}

	gap := domain.GapInfo{Interval: iv}
	if prev != nil {
		gap.Retries = prev.Retries
	}

	var open *domain.TimeRange
	for _, ts := range expected {
		if have[ts.Unix()] {
			open = nil
			continue
		}
		gap.MissingCount++
		end := ts.Add(iv.Duration())
		if open != nil && open.End.Equal(ts) {
			open.End = end
			continue
		}
		gap.Ranges = append(gap.Ranges, domain.TimeRange{Start: ts, End: end})
		open = &gap.Ranges[len(gap.Ranges)-1]
	}
	return gap
}
