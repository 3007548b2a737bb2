package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Interval identifies a bar duration: a positive count followed by a unit,
// one of s (seconds), m (minutes), h (hours), d (days). Examples: "1s",
// "5m", "1h", "1d".
type Interval string

const (
	Interval1s Interval = "1s"
	Interval1m Interval = "1m"
	Interval1d Interval = "1d"
)

// ParseInterval validates s and returns it as an Interval.
func ParseInterval(s string) (Interval, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("invalid interval %q", s)
	}
	unit := s[len(s)-1]
	switch unit {
	case 's', 'm', 'h', 'd':
	default:
		return "", fmt.Errorf("invalid interval %q: unknown unit %q", s, string(unit))
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 1 {
		return "", fmt.Errorf("invalid interval %q: count must be a positive integer", s)
	}
	return Interval(s), nil
}

// MustInterval is ParseInterval that panics on invalid input. For constants
// and tests only.
func MustInterval(s string) Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// Count returns the numeric multiplier, e.g. 5 for "5m". Zero for malformed
// values that bypassed ParseInterval.
func (iv Interval) Count() int {
	if len(iv) < 2 {
		return 0
	}
	n, err := strconv.Atoi(string(iv[:len(iv)-1]))
	if err != nil {
		return 0
	}
	return n
}

// Unit returns the unit byte: 's', 'm', 'h' or 'd'.
func (iv Interval) Unit() byte {
	if len(iv) == 0 {
		return 0
	}
	return iv[len(iv)-1]
}

// Duration returns the nominal length of one bar. Day intervals map to
// 24h multiples; that value is used for ordering and interval arithmetic,
// day buckets themselves are bounded by session hours.
func (iv Interval) Duration() time.Duration {
	n := time.Duration(iv.Count())
	switch iv.Unit() {
	case 's':
		return n * time.Second
	case 'm':
		return n * time.Minute
	case 'h':
		return n * time.Hour
	case 'd':
		return n * 24 * time.Hour
	}
	return 0
}

// BarsPerMinute returns how many bars of this interval cover one minute.
// Fractional for intervals above a minute ("5m" -> 0.2); day intervals
// have no fixed minute length and return 0, callers count trading days
// instead.
func (iv Interval) BarsPerMinute() float64 {
	if iv.Unit() == 'd' {
		return 0
	}
	d := iv.Duration()
	if d <= 0 {
		return 0
	}
	return float64(time.Minute) / float64(d)
}

// IsSubMinute reports whether one bar is shorter than a minute.
func (iv Interval) IsSubMinute() bool {
	return iv.Unit() == 's' && iv.Duration() < time.Minute
}

// IsIntraday reports whether the interval is below one day.
func (iv Interval) IsIntraday() bool {
	return iv.Unit() != 'd'
}

func (iv Interval) String() string { return string(iv) }

// SortIntervals orders intervals ascending by duration, shortest first.
// Derived intervals must be produced in this order so that a coarser
// interval never completes before a finer one at the same timestamp.
func SortIntervals(ivs []Interval) {
	sort.Slice(ivs, func(i, j int) bool {
		return ivs[i].Duration() < ivs[j].Duration()
	})
}
