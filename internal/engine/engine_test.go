package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"ganymede/internal/config"
	"ganymede/internal/domain"
	"ganymede/internal/plan"
	"ganymede/internal/sessiondata"
	"ganymede/internal/strategy"
)

func TestBacktestFullDay(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", testDay))

	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Data.SessionIndicators = map[string]config.SessionIndicatorSpec{
		"sma5": {Kind: "sma", Field: "close", Interval: "1m", Period: 5},
	}
	rec := &recordingStrategy{name: "rec", ivs: []domain.Interval{domain.Interval1m}}
	sink := &captureSink{}
	sys := buildSystem(t, cfg, tm, ad, rec, sink)
	runSystem(t, sys)

	store := sys.Store()
	if got := store.BarCount("AAPL", domain.Interval1m); got != 390 {
		t.Errorf("base bars = %d, want 390", got)
	}
	if got := store.BarCount("AAPL", domain.Interval("5m")); got != 78 {
		t.Errorf("5m bars = %d, want 78", got)
	}

	lb, ok := store.LatestBar("AAPL", domain.Interval1m)
	if !ok || lb.Timestamp.Format("15:04") != "15:59" {
		t.Errorf("latest base bar at %v, want 15:59", lb.Timestamp)
	}
	now, err := tm.Now()
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if now.Format("15:04") != "16:00" {
		t.Errorf("final clock = %v, want the session close", now)
	}

	if q, ok := store.Quality("AAPL", domain.Interval1m); !ok || q != 100 {
		t.Errorf("base quality = %v, want 100", q)
	}
	if gaps := store.Gaps("AAPL", domain.Interval1m); len(gaps) != 0 {
		t.Errorf("gaps = %v, want none", gaps)
	}

	// Constant closes: any SMA window evaluates to the close itself.
	if v, ok := store.Indicator("AAPL", "sma5", domain.Interval1m); !ok || v != 100.5 {
		t.Errorf("sma5 = %v, want 100.5", v)
	}

	calls := rec.recorded()
	if len(calls) != 390 {
		t.Fatalf("strategy ran %d times, want 390", len(calls))
	}
	signals := sink.all()
	if len(signals) != 390 {
		t.Fatalf("captured %d signals, want 390", len(signals))
	}
	for _, sig := range signals[:3] {
		if sig.ID == "" || sig.CreatedAt.IsZero() {
			t.Errorf("signal missing stamp: %+v", sig)
		}
	}

	m := sys.Metrics()
	if m.BarsStreamed != 390 {
		t.Errorf("BarsStreamed = %d, want 390", m.BarsStreamed)
	}
	if m.TradingDays != 1 {
		t.Errorf("TradingDays = %d, want 1", m.TradingDays)
	}
}

func TestBacktestGapScoring(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", testDay, "10:15"))

	cfg := testConfig([]string{"AAPL"}, 0)
	sys := buildSystem(t, cfg, tm, ad, nil, &captureSink{})
	runSystem(t, sys)

	store := sys.Store()
	if got := store.BarCount("AAPL", domain.Interval1m); got != 389 {
		t.Errorf("base bars = %d, want 389", got)
	}
	// The 10:15 bucket never completes.
	if got := store.BarCount("AAPL", domain.Interval("5m")); got != 77 {
		t.Errorf("5m bars = %d, want 77", got)
	}

	q, ok := store.Quality("AAPL", domain.Interval1m)
	if !ok {
		t.Fatal("no base quality recorded")
	}
	if want := 99.769; math.Abs(q-want) > 0.01 {
		t.Errorf("base quality = %v, want ~%v", q, want)
	}
	if dq, _ := store.Quality("AAPL", domain.Interval("5m")); dq != q {
		t.Errorf("derived quality = %v, want the base score %v", dq, q)
	}

	gaps := store.Gaps("AAPL", domain.Interval1m)
	if len(gaps) != 1 {
		t.Fatalf("gaps = %v, want one entry", gaps)
	}
	gap := gaps[0]
	if gap.MissingCount != 1 {
		t.Errorf("MissingCount = %d, want 1", gap.MissingCount)
	}
	if len(gap.Ranges) != 1 {
		t.Fatalf("ranges = %v, want one", gap.Ranges)
	}
	r := gap.Ranges[0]
	if r.Start.Format("15:04") != "10:15" || r.End.Format("15:04") != "10:16" {
		t.Errorf("range = %v..%v, want 10:15..10:16", r.Start, r.End)
	}
}

func TestBacktestSymbolOrdering(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", testDay))
	ad.add("MSFT", domain.Interval1m, sessionBars(t, tm, "MSFT", testDay))

	cfg := testConfig([]string{"AAPL", "MSFT"}, 0)
	rec := &recordingStrategy{name: "rec", ivs: []domain.Interval{domain.Interval1m}}
	sys := buildSystem(t, cfg, tm, ad, rec, &captureSink{})
	runSystem(t, sys)

	calls := rec.recorded()
	if len(calls) != 780 {
		t.Fatalf("strategy ran %d times, want 780", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		prev, cur := calls[i-1], calls[i]
		if cur.ts.Equal(prev.ts) && !(prev.symbol == "AAPL" && cur.symbol == "MSFT") {
			t.Fatalf("equal-timestamp order at %v: %s before %s",
				cur.ts, prev.symbol, cur.symbol)
		}
		if cur.ts.Before(prev.ts) {
			t.Fatalf("timestamps regressed: %v after %v", cur.ts, prev.ts)
		}
	}
}

func TestPacedReplayOverruns(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", testDay))

	// Heavily accelerated pacing with a slow consumer: the producer must
	// not wait, it counts overruns and keeps going.
	cfg := testConfig([]string{"AAPL"}, 100000)
	rec := &recordingStrategy{name: "rec", ivs: []domain.Interval{domain.Interval1m}}
	sys := buildSystem(t, cfg, tm, ad, rec, &captureSink{})
	sys.analysis.slowdown = 2 * time.Millisecond
	runSystem(t, sys)

	if got := sys.Store().BarCount("AAPL", domain.Interval1m); got != 390 {
		t.Errorf("base bars = %d, want 390", got)
	}
	if sys.Metrics().TotalOverruns() == 0 {
		t.Error("expected overruns under paced replay with a slow consumer")
	}
}

func TestBacktestMultiDay(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", "2025-03-10"))
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", "2025-03-11"))

	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Backtest.EndDate = "2025-03-11"
	cfg.Backtest.PrefetchDays = 2
	sys := buildSystem(t, cfg, tm, ad, nil, &captureSink{})
	runSystem(t, sys)

	// Teardown wipes day one; only the last session remains.
	store := sys.Store()
	if got := store.BarCount("AAPL", domain.Interval1m); got != 390 {
		t.Errorf("base bars = %d, want 390", got)
	}
	lb, _ := store.LatestBar("AAPL", domain.Interval1m)
	if lb.Timestamp.Format("2006-01-02") != "2025-03-11" {
		t.Errorf("latest bar on %v, want 2025-03-11", lb.Timestamp)
	}

	m := sys.Metrics()
	if m.TradingDays != 2 {
		t.Errorf("TradingDays = %d, want 2", m.TradingDays)
	}
	if m.BarsStreamed != 780 {
		t.Errorf("BarsStreamed = %d, want 780", m.BarsStreamed)
	}
}

func TestHistoricalProvisioning(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", testDay))
	ad.add("AAPL", domain.Interval1d, []domain.Bar{
		dayBar(t, tm, "AAPL", "2025-03-06", 100),
		dayBar(t, tm, "AAPL", "2025-03-07", 110),
	})

	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Data.Historical = config.Historical{
		Indicators: map[string]config.IndicatorSpec{
			"avg_close": {Kind: "trailing_average", Field: "close", Period: "2d", Granularity: "daily"},
		},
	}
	sys := buildSystem(t, cfg, tm, ad, nil, &captureSink{})
	runSystem(t, sys)

	store := sys.Store()
	for _, date := range []string{"2025-03-06", "2025-03-07"} {
		if got := len(store.HistoricalBars("AAPL", domain.Interval1d, date)); got != 1 {
			t.Errorf("historical day bars for %s = %d, want 1", date, got)
		}
	}

	v, ok := store.HistoricalIndicator("AAPL", "avg_close", testDay)
	if !ok {
		t.Fatal("avg_close not computed")
	}
	if v.Scalar != 105 {
		t.Errorf("avg_close = %v, want 105", v.Scalar)
	}
}

func TestEarlyCloseDay(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	// Day after Thanksgiving: 13:00 close, 210 session minutes.
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", "2025-11-28"))

	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Backtest.StartDate = "2025-11-28"
	cfg.Backtest.EndDate = "2025-11-28"
	sys := buildSystem(t, cfg, tm, ad, nil, &captureSink{})
	runSystem(t, sys)

	store := sys.Store()
	if got := store.BarCount("AAPL", domain.Interval1m); got != 210 {
		t.Errorf("base bars = %d, want 210", got)
	}
	if got := store.BarCount("AAPL", domain.Interval("5m")); got != 42 {
		t.Errorf("5m bars = %d, want 42", got)
	}
	if q, _ := store.Quality("AAPL", domain.Interval1m); q != 100 {
		t.Errorf("quality = %v, want 100", q)
	}
	now, err := tm.Now()
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if now.Format("15:04") != "13:00" {
		t.Errorf("final clock = %v, want the early close", now)
	}
}

func TestHolidayWindowSkipped(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	// July 3rd closes early at 13:00; the 4th is a full closure; the 7th
	// is the next trading day.
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", "2025-07-03"))
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", "2025-07-07"))

	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Backtest.StartDate = "2025-07-03"
	cfg.Backtest.EndDate = "2025-07-07"
	sys := buildSystem(t, cfg, tm, ad, nil, &captureSink{})
	runSystem(t, sys)

	m := sys.Metrics()
	if m.TradingDays != 2 {
		t.Errorf("TradingDays = %d, want 2", m.TradingDays)
	}
	if m.BarsStreamed != 210+390 {
		t.Errorf("BarsStreamed = %d, want 600", m.BarsStreamed)
	}
}

func TestAddSymbolAdHoc(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	ad := newFakeAdapter()
	ad.add("AAPL", domain.Interval1m, sessionBars(t, tm, "AAPL", testDay))
	ad.add("MSFT", domain.Interval1m, sessionBars(t, tm, "MSFT", testDay))

	cfg := testConfig([]string{"AAPL"}, 0)
	sys := buildSystem(t, cfg, tm, ad, nil, &captureSink{})

	day, err := time.ParseInLocation("2006-01-02", testDay, tm.Timezone())
	if err != nil {
		t.Fatalf("parsing date: %v", err)
	}
	ctx := context.Background()
	sess, err := tm.TradingSessionFor(ctx, day)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := tm.SetBacktestTime(sess.Open.Add(60 * time.Minute)); err != nil {
		t.Fatalf("SetBacktestTime: %v", err)
	}
	sys.Store().SetSession(day, true)

	if err := sys.AddSymbol(ctx, "MSFT", "scanner"); err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}

	meta, ok := sys.Store().Metadata("MSFT")
	if !ok {
		t.Fatal("MSFT not registered")
	}
	if !meta.AutoProvisioned || meta.AddedBy != "scanner" {
		t.Errorf("metadata = %+v, want auto-provisioned by scanner", meta)
	}

	select {
	case req := <-sys.coordinator.addCh:
		if req.symbol != "MSFT" {
			t.Errorf("queued symbol = %s, want MSFT", req.symbol)
		}
		// Remaining bars strictly after 10:30.
		if len(req.queue) != 329 {
			t.Errorf("queued bars = %d, want 329", len(req.queue))
		}
	default:
		t.Fatal("no day queue handed to the streaming loop")
	}
}

func TestGapRefill(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	day, err := time.ParseInLocation("2006-01-02", testDay, tm.Timezone())
	if err != nil {
		t.Fatalf("parsing date: %v", err)
	}
	sess, err := tm.TradingSessionFor(context.Background(), day)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	missing := sess.Open.Add(45 * time.Minute)
	live := &fakeLiveAdapter{fakeAdapter: newFakeAdapter()}
	live.add("AAPL", domain.Interval1m, []domain.Bar{{
		Symbol: "AAPL", Timestamp: missing,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
	}})

	cfg := testConfig([]string{"AAPL"}, 0)
	p, err := plan.Analyze(cfg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	store := sessiondata.New()
	store.RegisterSymbol("AAPL", domain.Interval1m, nil, sessiondata.Metadata{AddedBy: "config"})
	store.SetSession(day, true)
	if err := store.SetQuality("AAPL", domain.Interval1m, 99.7, []domain.GapInfo{{
		Interval:     domain.Interval1m,
		Ranges:       []domain.TimeRange{{Start: missing, End: missing.Add(time.Minute)}},
		MissingCount: 1,
	}}); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}

	inject := make(chan domain.Bar, 4)
	metrics := NewRunMetrics(domain.ModeLive)
	q := NewQualityManager(store, tm, newPlanTable(p), live, inject, metrics,
		true, 5, time.Minute, testLogger())
	q.refillGaps(context.Background())

	select {
	case b := <-inject:
		if !b.Timestamp.Equal(missing) {
			t.Errorf("refilled bar at %v, want %v", b.Timestamp, missing)
		}
	default:
		t.Fatal("no bar injected for the gap")
	}
	if metrics.BarsRefilled != 1 {
		t.Errorf("BarsRefilled = %d, want 1", metrics.BarsRefilled)
	}
}

func TestUnknownStrategyRejected(t *testing.T) {
	tm := testClock(t, domain.ModeBacktest)
	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Strategies = []string{"missing"}

	_, err := New(cfg, tm, newFakeAdapter(), strategy.NewRegistry(), nil, testLogger())
	var cerr *domain.ConfigError
	if err == nil || !errors.As(err, &cerr) {
		t.Fatalf("New with unknown strategy: err = %v, want a config error", err)
	}
}

func TestExporterWiring(t *testing.T) {
	// Live with a data_dir: the session is written back to the Parquet
	// store even though the data comes from the live adapter.
	tm := testClock(t, domain.ModeLive)
	cfg := testConfig([]string{"AAPL"}, 0)
	cfg.Mode = string(domain.ModeLive)
	cfg.Adapter = config.Adapter{Kind: "alpaca", DataDir: t.TempDir()}
	sys := buildSystem(t, cfg, tm, &fakeLiveAdapter{newFakeAdapter()},
		&recordingStrategy{name: "rec"}, nil)
	if sys.coordinator.exporter == nil {
		t.Error("live run with a data_dir should carry an exporter")
	}

	// Backtest reads from that store already; nothing to write back.
	btTM := testClock(t, domain.ModeBacktest)
	btCfg := testConfig([]string{"AAPL"}, 0)
	btCfg.Adapter = config.Adapter{Kind: "parquet", DataDir: t.TempDir()}
	btSys := buildSystem(t, btCfg, btTM, newFakeAdapter(),
		&recordingStrategy{name: "rec"}, nil)
	if btSys.coordinator.exporter != nil {
		t.Error("backtest run should not carry an exporter")
	}
}
