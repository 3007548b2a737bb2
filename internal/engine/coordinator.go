package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ganymede/internal/clock"
	"ganymede/internal/config"
	"ganymede/internal/domain"
	"ganymede/internal/feed"
	"ganymede/internal/indicator"
	"ganymede/internal/ohlc"
	"ganymede/internal/plan"
	"ganymede/internal/quality"
	"ganymede/internal/sessiondata"
	"ganymede/internal/stream"
)

const dateLayout = "2006-01-02"

// Coordinator is the session-coordinator worker: it owns the daily
// lifecycle (teardown, provisioning, activation, streaming, end), the
// virtual clock in backtests, and every base-bar write into the store.
type Coordinator struct {
	cfg      *config.Config
	tm       *clock.TimeManager
	store    *sessiondata.Store
	adapter  feed.Adapter
	plans    *planTable
	registry *stream.Registry
	procCh   chan<- stream.Notice
	inject   <-chan domain.Bar // live gap refills re-enter here
	addCh    chan adhocRequest
	exporter *feed.Exporter // nil unless the parquet store is writable
	metrics  *RunMetrics
	log      *slog.Logger

	blocking bool
	speed    float64

	// prefetch caches per-symbol day queues keyed symbol -> date string.
	prefetch map[string]map[string][]domain.Bar
}

// adhocRequest carries a mid-session symbol addition onto the streaming
// goroutine, which owns the day queues.
type adhocRequest struct {
	symbol string
	queue  []domain.Bar
}

// NewCoordinator wires the coordinator.
func NewCoordinator(cfg *config.Config, tm *clock.TimeManager, store *sessiondata.Store,
	adapter feed.Adapter, plans *planTable, registry *stream.Registry,
	procCh chan<- stream.Notice, inject <-chan domain.Bar, exporter *feed.Exporter,
	metrics *RunMetrics, log *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		tm:       tm,
		store:    store,
		adapter:  adapter,
		plans:    plans,
		registry: registry,
		procCh:   procCh,
		inject:   inject,
		addCh:    make(chan adhocRequest, 8),
		exporter: exporter,
		metrics:  metrics,
		log:      log.With("worker", "coordinator"),
		blocking: cfg.RunMode() == domain.ModeBacktest && cfg.Speed() == 0,
		speed:    cfg.Speed(),
		prefetch: make(map[string]map[string][]domain.Bar),
	}
}

// Run validates availability once, then drives the day loop for the
// configured window (backtest) or indefinitely (live).
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.validateAvailability(ctx); err != nil {
		return err
	}

	if c.cfg.RunMode() == domain.ModeLive {
		return c.runLive(ctx)
	}
	return c.runBacktest(ctx)
}

// validateAvailability drops symbols whose base interval the adapter
// cannot serve. All symbols dropped terminates the run.
func (c *Coordinator) validateAvailability(ctx context.Context) error {
	symbols := c.plans.symbols()
	dropped := 0
	for _, symbol := range symbols {
		sp, _ := c.plans.get(symbol)
		av, err := c.adapter.CheckAvailability(ctx, symbol)
		if err != nil {
			return fmt.Errorf("availability check for %s: %w", symbol, err)
		}
		if !av.Has(sp.Base) {
			c.log.Warn("base interval unavailable, dropping symbol",
				"symbol", symbol, "interval", sp.Base.String())
			c.plans.remove(symbol)
			dropped++
		}
	}
	if dropped == len(symbols) {
		return &domain.AvailabilityError{Reason: "no symbol has its base interval available"}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Backtest day loop
// ---------------------------------------------------------------------------

func (c *Coordinator) runBacktest(ctx context.Context) error {
	startRef, endRef, err := c.cfg.Backtest.Window()
	if err != nil {
		return err
	}
	day, last, err := c.tm.InitBacktest(ctx, startRef, endRef)
	if err != nil {
		return err
	}
	c.log.Info("backtest window",
		"start", day.Format(dateLayout), "end", last.Format(dateLayout),
		"speed", c.speed, "data_driven", c.blocking)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runDay(ctx, day); err != nil {
			return err
		}
		if !day.Before(last) {
			return nil
		}
		day, err = c.tm.NextTradingDate(ctx, day)
		if err != nil {
			return err
		}
		if day.After(last) {
			return nil
		}
	}
}

// runDay is one pass of the phase loop: teardown, provision, activate,
// stream, end.
func (c *Coordinator) runDay(ctx context.Context, day time.Time) error {
	c.teardown()
	if err := c.tm.AdvanceToMarketOpen(ctx, day, false); err != nil {
		return err
	}
	sess, err := c.tm.TradingSessionFor(ctx, day)
	if err != nil {
		return err
	}

	loadStart := time.Now()
	provisioned := 0
	for _, symbol := range c.plans.symbols() {
		sp, _ := c.plans.get(symbol)
		if err := c.provisionSymbol(ctx, sp, day, sessiondata.Metadata{
			AddedBy: "config", MeetsConfig: true,
		}); err != nil {
			var avail *domain.AvailabilityError
			if errors.As(err, &avail) {
				c.log.Warn("provisioning failed, dropping symbol for the day",
					"symbol", symbol, "date", day.Format(dateLayout), "err", err)
				c.store.RemoveSymbol(symbol)
				continue
			}
			return err
		}
		provisioned++
	}
	if provisioned == 0 {
		return &domain.AvailabilityError{Reason: "no symbol could be provisioned"}
	}
	loadDur := time.Since(loadStart)

	c.store.SetSession(day, true)
	c.log.Info("session active",
		"date", day.Format(dateLayout),
		"open", sess.Open.Format("15:04"), "close", sess.Close.Format("15:04"),
		"early_close", sess.IsEarlyClose, "symbols", provisioned)

	streamStart := time.Now()
	if err := c.streamDay(ctx, sess); err != nil {
		return err
	}
	c.drainConsumers(ctx)

	c.store.SetSession(day, false)
	c.metrics.AddDay(loadDur, time.Since(streamStart))
	if c.exporter != nil {
		if err := c.exporter.Flush(); err != nil {
			c.log.Warn("session export failed", "date", day.Format(dateLayout), "err", err)
		}
	}
	c.log.Info("session ended", "date", day.Format(dateLayout))
	return nil
}

// teardown clears per-session state between days. The clock and its
// caches persist; overrun counters are folded into the run metrics first.
func (c *Coordinator) teardown() {
	c.metrics.MergeOverruns(c.registry.Snapshot())
	c.registry.Reset()
	c.store.ClearAll()
}

// ---------------------------------------------------------------------------
// Provisioning
// ---------------------------------------------------------------------------

// provisionSymbol registers the symbol and loads its trailing historical
// context: bars, indicators, historical quality.
func (c *Coordinator) provisionSymbol(ctx context.Context, sp *plan.SymbolPlan, day time.Time, meta sessiondata.Metadata) error {
	c.store.RegisterSymbol(sp.Symbol, sp.Base, sp.Derived, meta)

	for _, load := range sp.Historical {
		if err := c.loadHistorical(ctx, sp.Symbol, load, day); err != nil {
			return err
		}
	}
	if err := c.computeHistoricalIndicators(ctx, sp, day); err != nil {
		return err
	}
	c.assignHistoricalQuality(ctx, sp, day)
	return nil
}

// loadHistorical fills the store with trailing bars for one load. Native
// intervals come from the adapter; everything else is aggregated from the
// trailing minute bars under the 100% completeness rule.
func (c *Coordinator) loadHistorical(ctx context.Context, symbol string, load plan.HistoricalLoad, day time.Time) error {
	dates, err := c.tm.TradingDatesBack(ctx, day, load.TrailingDays)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return nil
	}

	switch load.Interval {
	case domain.Interval1s, domain.Interval1m, domain.Interval1d:
		return c.loadNativeHistorical(ctx, symbol, load.Interval, dates)
	}
	return c.aggregateHistorical(ctx, symbol, load.Interval, dates)
}

func (c *Coordinator) loadNativeHistorical(ctx context.Context, symbol string, iv domain.Interval, dates []time.Time) error {
	if iv == domain.Interval1d {
		// One ranged call covers the whole trailing window.
		bars, err := c.adapter.GetBars(ctx, symbol, iv, dates[0], dates[len(dates)-1])
		if err != nil {
			return &domain.AvailabilityError{Symbol: symbol, Interval: iv, Err: err}
		}
		byDate := make(map[string][]domain.Bar)
		for _, b := range bars {
			key := b.Timestamp.In(c.tm.Timezone()).Format(dateLayout)
			byDate[key] = append(byDate[key], b)
		}
		for _, d := range dates {
			key := d.Format(dateLayout)
			if err := c.store.SetHistoricalBars(symbol, iv, key, byDate[key]); err != nil {
				return err
			}
		}
		return nil
	}

	for _, d := range dates {
		sess, err := c.tm.TradingSessionFor(ctx, d)
		if err != nil {
			return err
		}
		bars, err := c.adapter.GetBars(ctx, symbol, iv, sess.Open, sess.Close)
		if err != nil {
			return &domain.AvailabilityError{Symbol: symbol, Interval: iv, Err: err}
		}
		if err := c.store.SetHistoricalBars(symbol, iv, d.Format(dateLayout), bars); err != nil {
			return err
		}
	}
	return nil
}

// aggregateHistorical derives a non-native historical interval from the
// already-loaded trailing minute bars. Incomplete buckets are skipped with
// a warning; they never block session start.
func (c *Coordinator) aggregateHistorical(ctx context.Context, symbol string, iv domain.Interval, dates []time.Time) error {
	for _, d := range dates {
		key := d.Format(dateLayout)
		base := c.store.HistoricalBars(symbol, domain.Interval1m, key)
		if len(base) == 0 {
			continue
		}
		sess, err := c.tm.TradingSessionFor(ctx, d)
		if err != nil {
			return err
		}
		bars, skipped := ohlc.AggregateSeries(base, domain.Interval1m, iv, sess)
		for _, ts := range skipped {
			c.log.Warn("historical bucket incomplete, skipped",
				"symbol", symbol, "interval", iv.String(),
				"bucket", ts.Format(time.RFC3339))
		}
		if err := c.store.SetHistoricalBars(symbol, iv, key, bars); err != nil {
			return err
		}
	}
	return nil
}

// computeHistoricalIndicators evaluates the trailing indicators for the
// session date. Daily granularity yields a scalar; minute granularity an
// array sized to the standard-day session span.
func (c *Coordinator) computeHistoricalIndicators(ctx context.Context, sp *plan.SymbolPlan, day time.Time) error {
	if len(sp.Indicators) == 0 {
		return nil
	}
	dayKey := day.Format(dateLayout)

	for _, ip := range sp.Indicators {
		dates, err := c.tm.TradingDatesBack(ctx, day, ip.PeriodDays)
		if err != nil {
			return err
		}

		if ip.Granularity == "daily" {
			var bars []domain.Bar
			for _, d := range dates {
				dayBars := c.store.HistoricalBars(sp.Symbol, domain.Interval1d, d.Format(dateLayout))
				if len(dayBars) > 0 {
					bars = append(bars, dayBars[0])
				}
			}
			value, err := indicator.Daily(ip.Kind, ip.Field, bars)
			if err != nil {
				c.log.Warn("historical indicator skipped",
					"symbol", sp.Symbol, "name", ip.Name, "err", err)
				continue
			}
			if err := c.store.SetHistoricalIndicator(sp.Symbol, ip.Name, dayKey,
				sessiondata.IndicatorValue{Scalar: value}); err != nil {
				return err
			}
			continue
		}

		minutes, err := c.tm.StandardDayMinutes()
		if err != nil {
			return err
		}
		var days []indicator.DayBars
		for _, d := range dates {
			sess, err := c.tm.TradingSessionFor(ctx, d)
			if err != nil {
				return err
			}
			days = append(days, indicator.DayBars{
				Open: sess.Open,
				Bars: c.store.HistoricalBars(sp.Symbol, domain.Interval1m, d.Format(dateLayout)),
			})
		}
		profile, err := indicator.MinuteProfile(ip.Kind, ip.Field, minutes, days)
		if err != nil {
			c.log.Warn("historical indicator skipped",
				"symbol", sp.Symbol, "name", ip.Name, "err", err)
			continue
		}
		if err := c.store.SetHistoricalIndicator(sp.Symbol, ip.Name, dayKey,
			sessiondata.IndicatorValue{Minute: profile}); err != nil {
			return err
		}
	}
	return nil
}

// assignHistoricalQuality scores the trailing loads before activation.
// Scores for intervals the session also streams land in the store; other
// intervals are log-only.
func (c *Coordinator) assignHistoricalQuality(ctx context.Context, sp *plan.SymbolPlan, day time.Time) {
	registered := map[domain.Interval]bool{sp.Base: true}
	for _, iv := range sp.Derived {
		registered[iv] = true
	}

	for _, load := range sp.Historical {
		score := 100.0
		if c.cfg.HistoricalQualityEnabled() {
			score = c.historicalScore(ctx, sp.Symbol, load, day)
		}
		if registered[load.Interval] {
			if err := c.store.SetQuality(sp.Symbol, load.Interval, score, nil); err != nil {
				c.log.Warn("historical quality write failed",
					"symbol", sp.Symbol, "interval", load.Interval.String(), "err", err)
			}
		}
		c.log.Info("historical quality",
			"symbol", sp.Symbol, "interval", load.Interval.String(),
			"trailing_days", load.TrailingDays, "quality", score)
	}
}

func (c *Coordinator) historicalScore(ctx context.Context, symbol string, load plan.HistoricalLoad, day time.Time) float64 {
	dates, err := c.tm.TradingDatesBack(ctx, day, load.TrailingDays)
	if err != nil {
		return 100
	}
	observed, expected := 0, 0
	for _, d := range dates {
		key := d.Format(dateLayout)
		observed += len(c.store.HistoricalBars(symbol, load.Interval, key))
		if load.Interval == domain.Interval1d {
			expected++
			continue
		}
		sess, err := c.tm.TradingSessionFor(ctx, d)
		if err != nil {
			continue
		}
		expected += quality.ExpectedIntraday(sess.RegularMinutes(), load.Interval)
	}
	return quality.Score(observed, expected, 0)
}

// ---------------------------------------------------------------------------
// Day queues and prefetch
// ---------------------------------------------------------------------------

// loadQueue returns the symbol's base bars for the day, serving from the
// prefetch cache when possible. A cache miss fetches prefetch_days trading
// days in one ranged call and splits them per date.
func (c *Coordinator) loadQueue(ctx context.Context, symbol string, day time.Time, base domain.Interval) ([]domain.Bar, error) {
	key := day.Format(dateLayout)
	if byDate, ok := c.prefetch[symbol]; ok {
		if bars, ok := byDate[key]; ok {
			delete(byDate, key)
			return bars, nil
		}
	}

	dates := []time.Time{day}
	d := day
	for i := 1; i < c.cfg.Backtest.PrefetchDays; i++ {
		next, err := c.tm.NextTradingDate(ctx, d)
		if err != nil {
			break
		}
		dates = append(dates, next)
		d = next
	}

	first, err := c.tm.TradingSessionFor(ctx, dates[0])
	if err != nil {
		return nil, err
	}
	last, err := c.tm.TradingSessionFor(ctx, dates[len(dates)-1])
	if err != nil {
		return nil, err
	}

	bars, err := c.adapter.GetBars(ctx, symbol, base, first.Open, last.Close)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string][]domain.Bar, len(dates))
	for _, b := range bars {
		k := b.Timestamp.In(c.tm.Timezone()).Format(dateLayout)
		byDate[k] = append(byDate[k], b)
	}
	queue := byDate[key]
	delete(byDate, key)
	c.prefetch[symbol] = byDate
	return queue, nil
}

// ---------------------------------------------------------------------------
// Streaming (backtest)
// ---------------------------------------------------------------------------

// streamDay replays the day's bars in strict chronological order across
// symbols, advancing the virtual clock to each timestamp. The session ends
// when the clock reaches the close; exhausted data advances it there.
func (c *Coordinator) streamDay(ctx context.Context, sess *domain.TradingSession) error {
	queues := make(map[string][]domain.Bar)
	for _, symbol := range c.store.Symbols() {
		sp, ok := c.plans.get(symbol)
		if !ok {
			continue
		}
		queue, err := c.loadQueue(ctx, symbol, sess.Date, sp.Base)
		if err != nil {
			c.log.Warn("queue load failed, symbol drops for the day",
				"symbol", symbol, "date", sess.Date.Format(dateLayout), "err", err)
			continue
		}
		queues[symbol] = queue
	}

	var prev time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.absorbAdhoc(queues)

		t, ok := nextTimestamp(queues)
		if !ok {
			// Data exhausted: the day ends at the close by definition.
			return c.tm.SetBacktestTime(sess.Close)
		}
		if t.Before(sess.Open) || !t.Before(sess.Close) {
			return &domain.CriticalError{
				Op: "stream " + sess.Date.Format(dateLayout),
				Detail: fmt.Sprintf("bar timestamp %s outside session %s..%s",
					t.Format(time.RFC3339), sess.Open.Format("15:04"), sess.Close.Format("15:04")),
			}
		}

		if c.speed > 0 && !prev.IsZero() {
			pause := time.Duration(float64(t.Sub(prev)) / c.speed)
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.tm.SetBacktestTime(t); err != nil {
			return err
		}

		// Drain every bar labeled t in lexicographic symbol order.
		for _, symbol := range sortedKeys(queues) {
			queue := queues[symbol]
			if len(queue) == 0 || !queue[0].Timestamp.Equal(t) {
				if len(queue) == 0 {
					delete(queues, symbol)
				}
				continue
			}
			bar := queue[0]
			queues[symbol] = queue[1:]
			if err := c.deliver(ctx, bar); err != nil {
				return err
			}
		}
		prev = t
	}
}

// deliver appends one base bar to the store and notifies the processor,
// honoring the per-(symbol, base) subscription. Duplicates are dropped
// and counted by the store; quality picks up the penalty.
func (c *Coordinator) deliver(ctx context.Context, bar domain.Bar) error {
	sp, ok := c.plans.get(bar.Symbol)
	if !ok {
		return nil
	}
	sub := c.registry.Subscribe("coordinator", "processor", bar.Symbol, sp.Base)
	if err := sub.Acquire(ctx, c.blocking, acquireTimeout); err != nil {
		if errors.Is(err, domain.ErrOverrun) {
			c.registry.NoteOverrun(sub)
		} else {
			return fmt.Errorf("waiting on %s: %w", sub.Name(), err)
		}
	}

	if err := c.store.AppendBar(bar, sp.Base); err != nil {
		if errors.Is(err, sessiondata.ErrDuplicateBar) {
			c.log.Warn("duplicate bar dropped",
				"symbol", bar.Symbol, "timestamp", bar.Timestamp.Format(time.RFC3339))
			sub.Release()
			return nil
		}
		return err
	}
	c.metrics.AddBars(1)

	if sp.Quotes && c.cfg.RunMode() == domain.ModeBacktest {
		if err := c.store.AddQuote(feed.QuoteFromBar(bar)); err == nil {
			c.metrics.AddQuotes(1)
		}
	}

	select {
	case c.procCh <- stream.Notice{Symbol: bar.Symbol, Interval: sp.Base, Timestamp: bar.Timestamp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// The quality manager wakes on the store's arrival event; no separate
	// notification is needed and nothing here can block on it.
	return nil
}

// injectBar places a gap-recovered bar at its sorted position and wakes
// the processor so late buckets can complete.
func (c *Coordinator) injectBar(ctx context.Context, bar domain.Bar) error {
	sp, ok := c.plans.get(bar.Symbol)
	if !ok {
		return nil
	}
	if err := c.store.InsertBar(bar, sp.Base); err != nil {
		if errors.Is(err, sessiondata.ErrDuplicateBar) {
			return nil
		}
		return err
	}
	sub := c.registry.Subscribe("coordinator", "processor", bar.Symbol, sp.Base)
	if err := sub.Acquire(ctx, false, 0); err != nil {
		if errors.Is(err, domain.ErrOverrun) {
			c.registry.NoteOverrun(sub)
		} else {
			return err
		}
	}
	select {
	case c.procCh <- stream.Notice{Symbol: bar.Symbol, Interval: sp.Base, Timestamp: bar.Timestamp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// drainConsumers waits for the processor to finish its last item per
// symbol by taking and returning each token.
func (c *Coordinator) drainConsumers(ctx context.Context) {
	for _, symbol := range c.store.Symbols() {
		sp, ok := c.plans.get(symbol)
		if !ok {
			continue
		}
		sub := c.registry.Subscribe("coordinator", "processor", symbol, sp.Base)
		if err := sub.Acquire(ctx, true, drainTimeout); err != nil {
			c.log.Warn("consumer still busy at session end", "sync_point", sub.Name())
			continue
		}
		sub.Release()
	}
}

// ---------------------------------------------------------------------------
// Live session
// ---------------------------------------------------------------------------

// runLive streams one live day per iteration: wait for the open, attach
// the adapter streams, deliver bars as they arrive, end at the close.
func (c *Coordinator) runLive(ctx context.Context) error {
	la, ok := c.adapter.(feed.LiveAdapter)
	if !ok {
		return domain.NewConfigError("adapter.kind", "adapter cannot stream live data")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now, err := c.tm.Now()
		if err != nil {
			return err
		}
		day, err := c.tm.FirstTradingDate(ctx, now)
		if err != nil {
			return err
		}
		sess, err := c.tm.TradingSessionFor(ctx, day)
		if err != nil {
			return err
		}
		if !now.Before(sess.Close) {
			day, err = c.tm.NextTradingDate(ctx, day)
			if err != nil {
				return err
			}
		}
		if err := c.runLiveDay(ctx, la, day); err != nil {
			return err
		}
	}
}

func (c *Coordinator) runLiveDay(ctx context.Context, la feed.LiveAdapter, day time.Time) error {
	c.teardown()
	if err := c.tm.AdvanceToMarketOpen(ctx, day, false); err != nil {
		return err
	}
	sess, err := c.tm.TradingSessionFor(ctx, day)
	if err != nil {
		return err
	}

	loadStart := time.Now()
	provisioned := 0
	var symbols []string
	wantQuotes := false
	for _, symbol := range c.plans.symbols() {
		sp, _ := c.plans.get(symbol)
		if err := c.provisionSymbol(ctx, sp, day, sessiondata.Metadata{
			AddedBy: "config", MeetsConfig: true,
		}); err != nil {
			var avail *domain.AvailabilityError
			if errors.As(err, &avail) {
				c.log.Warn("provisioning failed, dropping symbol for the day",
					"symbol", symbol, "err", err)
				c.store.RemoveSymbol(symbol)
				continue
			}
			return err
		}
		symbols = append(symbols, symbol)
		wantQuotes = wantQuotes || sp.Quotes
		provisioned++
	}
	if provisioned == 0 {
		return &domain.AvailabilityError{Reason: "no symbol could be provisioned"}
	}
	loadDur := time.Since(loadStart)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	sp, _ := c.plans.get(symbols[0])
	barCh, err := la.OpenLiveStream(streamCtx, symbols, sp.Base)
	if err != nil {
		return err
	}
	var quoteCh <-chan domain.Quote
	if wantQuotes {
		quoteCh, err = la.OpenQuoteStream(streamCtx, symbols)
		if err != nil {
			c.log.Warn("quote stream unavailable", "err", err)
		}
	}

	c.store.SetSession(day, true)
	c.log.Info("live session active", "date", day.Format(dateLayout),
		"close", sess.Close.Format("15:04"), "symbols", provisioned)

	streamStart := time.Now()
	closeCheck := time.NewTicker(15 * time.Second)
	defer closeCheck.Stop()

stream:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, ok := <-barCh:
			if !ok {
				c.log.Warn("live bar stream closed before the session end")
				break stream
			}
			if err := c.deliver(ctx, bar); err != nil {
				return err
			}
		case bar := <-c.inject:
			if err := c.injectBar(ctx, bar); err != nil {
				return err
			}
		case q := <-quoteCh:
			if err := c.store.AddQuote(q); err == nil {
				c.metrics.AddQuotes(1)
			}
		case req := <-c.addCh:
			c.log.Info("symbol added mid-session; live bars start with the next stream attach",
				"symbol", req.symbol)
		case <-closeCheck.C:
			now, err := c.tm.Now()
			if err != nil {
				return err
			}
			if !now.Before(sess.Close) {
				break stream
			}
		}
	}
	cancelStream()
	c.drainConsumers(ctx)

	c.store.SetSession(day, false)
	c.metrics.AddDay(loadDur, time.Since(streamStart))
	if c.exporter != nil {
		if err := c.exporter.Flush(); err != nil {
			c.log.Warn("session export failed", "err", err)
		}
	}
	c.log.Info("live session ended", "date", day.Format(dateLayout))
	return nil
}

// ---------------------------------------------------------------------------
// Ad-hoc symbols
// ---------------------------------------------------------------------------

// AddSymbolAdHoc provisions a symbol mid-session with a lightweight
// analysis pass. The remaining bars of the active day are queued; in
// backtests they join the merge on the next loop iteration. Re-adding an
// existing symbol follows the store's idempotent upgrade path.
func (c *Coordinator) AddSymbolAdHoc(ctx context.Context, symbol, addedBy string) error {
	day, active := c.store.Session()
	if !active {
		return fmt.Errorf("no active session to add %s to", symbol)
	}

	sp, err := plan.AnalyzeSymbol(c.cfg, symbol, c.plans.base, addedBy)
	if err != nil {
		return err
	}
	av, err := c.adapter.CheckAvailability(ctx, symbol)
	if err != nil {
		return err
	}
	if !av.Has(sp.Base) {
		return &domain.AvailabilityError{Symbol: symbol, Interval: sp.Base,
			Reason: "base interval unavailable"}
	}

	if err := c.provisionSymbol(ctx, sp, day, sessiondata.Metadata{
		AddedBy: addedBy, AutoProvisioned: true,
	}); err != nil {
		return err
	}
	c.plans.put(sp)

	var queue []domain.Bar
	if c.cfg.RunMode() == domain.ModeBacktest {
		full, err := c.loadQueue(ctx, symbol, day, sp.Base)
		if err != nil {
			return err
		}
		now, err := c.tm.Now()
		if err != nil {
			return err
		}
		for _, b := range full {
			if b.Timestamp.After(now) {
				queue = append(queue, b)
			}
		}
	}

	select {
	case c.addCh <- adhocRequest{symbol: symbol, queue: queue}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Info("symbol added ad hoc", "symbol", symbol, "added_by", addedBy,
		"queued_bars", len(queue))
	return nil
}

// absorbAdhoc merges pending ad-hoc queues into the day's merge set.
func (c *Coordinator) absorbAdhoc(queues map[string][]domain.Bar) {
	for {
		select {
		case req := <-c.addCh:
			if len(req.queue) > 0 {
				queues[req.symbol] = req.queue
			}
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// nextTimestamp returns the minimum head timestamp across the queues.
func nextTimestamp(queues map[string][]domain.Bar) (time.Time, bool) {
	var min time.Time
	found := false
	for _, q := range queues {
		if len(q) == 0 {
			continue
		}
		if !found || q[0].Timestamp.Before(min) {
			min = q[0].Timestamp
			found = true
		}
	}
	return min, found
}

func sortedKeys(queues map[string][]domain.Bar) []string {
	out := make([]string, 0, len(queues))
	for k := range queues {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
