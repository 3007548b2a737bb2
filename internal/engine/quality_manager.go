package engine

import (
	"context"
	"log/slog"
	"time"

	"ganymede/internal/clock"
	"ganymede/internal/domain"
	"ganymede/internal/feed"
	"ganymede/internal/ohlc"
	"ganymede/internal/quality"
	"ganymede/internal/sessiondata"
)

// QualityManager is the data-quality worker. It wakes on the store's
// arrival event, rescores the base stream of every symbol against the
// trading calendar, records gaps, and propagates the base score to the
// derived intervals. It never gates the pipeline. In live mode a ticker
// drives gap refills through the adapter; recovered bars are injected
// into the coordinator. Quality and gap writes belong to this worker
// alone.
type QualityManager struct {
	store   *sessiondata.Store
	tm      *clock.TimeManager
	plans   *planTable
	live    feed.LiveAdapter // nil in backtest; gap filling disabled
	inject  chan<- domain.Bar
	metrics *RunMetrics
	log     *slog.Logger

	enabled       bool // session quality toggle
	maxRetries    int
	retryInterval time.Duration
}

// NewQualityManager wires the quality worker. live may be nil; gap
// refills then never run.
func NewQualityManager(store *sessiondata.Store, tm *clock.TimeManager, plans *planTable,
	live feed.LiveAdapter, inject chan<- domain.Bar, metrics *RunMetrics,
	enabled bool, maxRetries int, retryInterval time.Duration, log *slog.Logger) *QualityManager {
	return &QualityManager{
		store:         store,
		tm:            tm,
		plans:         plans,
		live:          live,
		inject:        inject,
		metrics:       metrics,
		enabled:       enabled,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		log:           log.With("worker", "quality"),
	}
}

// Run rescores on every arrival wakeup until ctx is done. The live-only
// ticker schedules gap refills; it never drives scoring.
func (q *QualityManager) Run(ctx context.Context) error {
	var retry <-chan time.Time
	if q.live != nil && q.tm.Mode() == domain.ModeLive {
		ticker := time.NewTicker(q.retryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.store.Arrival():
			q.rescore(ctx)
		case <-retry:
			q.refillGaps(ctx)
		}
	}
}

// rescore recomputes quality for every symbol's base stream and copies the
// score onto the derived intervals.
func (q *QualityManager) rescore(ctx context.Context) {
	date, _ := q.store.Session()
	if date.IsZero() {
		return
	}
	sess, err := q.tm.TradingSessionFor(ctx, date)
	if err != nil {
		q.log.Warn("session lookup failed", "err", err)
		return
	}
	now, err := q.tm.Now()
	if err != nil {
		return
	}

	for _, symbol := range q.store.Symbols() {
		sp, ok := q.plans.get(symbol)
		if !ok {
			continue
		}
		q.rescoreSymbol(symbol, sp.Base, sp.Derived, sess, now)
	}
}

func (q *QualityManager) rescoreSymbol(symbol string, base domain.Interval, derived []domain.Interval,
	sess *domain.TradingSession, now time.Time) {
	if !q.enabled {
		q.setAll(symbol, base, derived, 100, nil)
		return
	}

	// A bar labeled t is due once its bucket has closed; the window end is
	// capped at the session close.
	end := now
	if sess.Close.Before(end) {
		end = sess.Close
	}
	var expected []time.Time
	for _, ts := range ohlc.ExpectedTimestamps(sess, base) {
		if ts.Add(base.Duration()).After(end) {
			break
		}
		expected = append(expected, ts)
	}

	observed := q.store.Bars(symbol, base)
	dups := q.store.DuplicateCount(symbol, base)

	var prev *domain.GapInfo
	if gaps := q.store.Gaps(symbol, base); len(gaps) > 0 {
		prev = &gaps[0]
	}
	gap := quality.FindGaps(base, expected, observed, prev)
	score := quality.Score(len(observed), len(expected), dups)

	var gaps []domain.GapInfo
	if gap.MissingCount > 0 {
		gaps = []domain.GapInfo{gap}
	}
	q.setAll(symbol, base, derived, score, gaps)
}

// setAll writes the base score and gaps, then propagates the score to the
// derived intervals.
func (q *QualityManager) setAll(symbol string, base domain.Interval, derived []domain.Interval,
	score float64, gaps []domain.GapInfo) {
	if err := q.store.SetQuality(symbol, base, score, gaps); err != nil {
		return
	}
	for _, iv := range derived {
		if err := q.store.SetQuality(symbol, iv, score, nil); err != nil {
			q.log.Warn("quality propagation failed", "symbol", symbol, "interval", iv.String(), "err", err)
		}
	}
}

// refillGaps asks the adapter for every recorded missing range that still
// has retry budget. Recovered bars enter the coordinator's inject path and
// flow through the normal pipeline; the next rescore clears the gap.
func (q *QualityManager) refillGaps(ctx context.Context) {
	_, active := q.store.Session()
	if !active || q.live == nil {
		return
	}

	for _, symbol := range q.store.Symbols() {
		sp, ok := q.plans.get(symbol)
		if !ok {
			continue
		}
		gaps := q.store.Gaps(symbol, sp.Base)
		if len(gaps) == 0 {
			continue
		}
		gap := gaps[0]
		if gap.Retries >= q.maxRetries {
			continue
		}

		recovered := 0
		failed := false
		for _, r := range gap.Ranges {
			bars, err := q.live.Refetch(ctx, symbol, sp.Base, r)
			if err != nil {
				q.log.Warn("gap refetch failed",
					"symbol", symbol, "range_start", r.Start, "err", err)
				failed = true
				continue
			}
			for _, b := range bars {
				select {
				case q.inject <- b:
					recovered++
				case <-ctx.Done():
					return
				}
			}
		}
		if recovered > 0 {
			q.metrics.AddRefilled(int64(recovered))
			q.log.Info("gap bars recovered", "symbol", symbol, "count", recovered)
		}
		if failed {
			gap.Retries++
			score, _ := q.store.Quality(symbol, sp.Base)
			if err := q.store.SetQuality(symbol, sp.Base, score, []domain.GapInfo{gap}); err != nil {
				q.log.Warn("retry bookkeeping failed", "symbol", symbol, "err", err)
			}
		}
	}
}
