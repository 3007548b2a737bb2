// Package ohlc holds the pure bar math: interval bucketing, expected bar
// counts under session hours, and OHLCV aggregation. Everything here is
// side-effect free; the processor and the historical loader drive it.
package ohlc

import (
	"time"

	"ganymede/internal/domain"
)

// Floor returns the start of the interval bucket containing ts. Sub-day
// intervals align to wall-clock boundaries from midnight in the market
// timezone (10:07 -> 10:05 for 5m); day intervals return midnight of the
// session date.
func Floor(ts time.Time, iv domain.Interval, tz *time.Location) time.Time {
	local := ts.In(tz)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, tz)
	if iv.Unit() == 'd' {
		return midnight
	}
	off := local.Sub(midnight)
	return midnight.Add(off - off%iv.Duration())
}

// BucketEnd returns the exclusive end of the bucket starting at start.
func BucketEnd(start time.Time, iv domain.Interval, tz *time.Location) time.Time {
	if iv.Unit() == 'd' {
		return Floor(start, iv, tz).AddDate(0, 0, iv.Count())
	}
	return start.Add(iv.Duration())
}

// ExpectedBaseBars returns how many base-interval bars fall inside the
// derived bucket starting at bucketStart, clipped to the session's regular
// hours. Bars are labeled by open time, so the session span is half-open:
// [open, close). Early closes shorten it; non-trading days expect zero.
func ExpectedBaseBars(sess *domain.TradingSession, derived domain.Interval, bucketStart time.Time, base domain.Interval) int {
	if sess == nil || !sess.IsTradingDay {
		return 0
	}
	lo := bucketStart
	hi := BucketEnd(bucketStart, derived, sess.Timezone)
	if sess.Open.After(lo) {
		lo = sess.Open
	}
	if sess.Close.Before(hi) {
		hi = sess.Close
	}
	if !hi.After(lo) {
		return 0
	}
	return int(hi.Sub(lo) / base.Duration())
}

// ExpectedTimestamps lists the base-interval bar labels for the session:
// open, open+iv, ... up to but excluding close. Day intervals yield the
// single session-date label. Gap detection diffs observed bars against
// this.
func ExpectedTimestamps(sess *domain.TradingSession, iv domain.Interval) []time.Time {
	if sess == nil || !sess.IsTradingDay {
		return nil
	}
	if iv.Unit() == 'd' {
		return []time.Time{Floor(sess.Open, iv, sess.Timezone)}
	}
	step := iv.Duration()
	n := int(sess.Close.Sub(sess.Open) / step)
	out := make([]time.Time, 0, n)
	for t := sess.Open; t.Before(sess.Close); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// Aggregate folds source bars (sorted, all inside one bucket) into a single
// bar labeled bucketStart: open of the first, close of the last, extreme
// high/low, summed volume and trade count, volume-weighted close as VWAP.
// Zero total volume falls back to the last close.
func Aggregate(src []domain.Bar, bucketStart time.Time) domain.Bar {
	if len(src) == 0 {
		return domain.Bar{Timestamp: bucketStart}
	}
	out := domain.Bar{
		Symbol:    src[0].Symbol,
		Timestamp: bucketStart,
		Open:      src[0].Open,
		High:      src[0].High,
		Low:       src[0].Low,
		Close:     src[len(src)-1].Close,
	}
	var pv float64
	for _, b := range src {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
		out.TradeCount += b.TradeCount
		pv += b.Close * float64(b.Volume)
	}
	if out.Volume > 0 {
		out.VWAP = pv / float64(out.Volume)
	} else {
		out.VWAP = out.Close
	}
	return out
}

// AggregateSeries groups sorted base bars into derived buckets and
// aggregates every bucket that has all of its expected source bars.
// Buckets missing any source bar are skipped and their starts returned;
// a bucket built from partial data would lie about its high/low/volume.
func AggregateSeries(base []domain.Bar, baseIv, derived domain.Interval, sess *domain.TradingSession) (out []domain.Bar, skipped []time.Time) {
	if len(base) == 0 || sess == nil {
		return nil, nil
	}
	tz := sess.Timezone

	i := 0
	for i < len(base) {
		start := Floor(base[i].Timestamp, derived, tz)
		end := BucketEnd(start, derived, tz)

		j := i
		for j < len(base) && base[j].Timestamp.Before(end) {
			j++
		}
		bucket := base[i:j]

		if len(bucket) == ExpectedBaseBars(sess, derived, start, baseIv) && len(bucket) > 0 {
			out = append(out, Aggregate(bucket, start))
		} else {
			skipped = append(skipped, start)
		}
		i = j
	}
	return out, skipped
}
