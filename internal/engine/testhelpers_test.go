package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ganymede/internal/calendar"
	"ganymede/internal/clock"
	"ganymede/internal/config"
	"ganymede/internal/domain"
	"ganymede/internal/feed"
	"ganymede/internal/strategy"
)

// testDay is a plain Monday with regular hours.
const testDay = "2025-03-10"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock(t *testing.T, mode domain.Mode) *clock.TimeManager {
	t.Helper()
	ctx := context.Background()
	cal, err := calendar.Open(filepath.Join(t.TempDir(), "calendar.db"))
	if err != nil {
		t.Fatalf("opening calendar: %v", err)
	}
	t.Cleanup(func() { cal.Close() })
	if err := cal.SeedUSEquity(ctx); err != nil {
		t.Fatalf("seeding calendar: %v", err)
	}
	tm, err := clock.New(ctx, cal, mode, "US_EQUITY", "EQUITY", testLogger())
	if err != nil {
		t.Fatalf("building clock: %v", err)
	}
	return tm
}

func testConfig(symbols []string, speed float64) *config.Config {
	sp := speed
	return &config.Config{
		SessionName:   "engine-test",
		ExchangeGroup: "US_EQUITY",
		AssetClass:    "EQUITY",
		Mode:          string(domain.ModeBacktest),
		Backtest: config.Backtest{
			StartDate:       testDay,
			EndDate:         testDay,
			SpeedMultiplier: &sp,
			PrefetchDays:    1,
		},
		Data: config.Data{
			Symbols: symbols,
			Streams: []string{"1m", "5m"},
		},
	}
}

// ---------------------------------------------------------------------------
// Fake adapter
// ---------------------------------------------------------------------------

type fakeAdapter struct {
	bars  map[string]map[domain.Interval][]domain.Bar
	avail map[string]feed.Availability
}

var _ feed.Adapter = (*fakeAdapter)(nil)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		bars:  make(map[string]map[domain.Interval][]domain.Bar),
		avail: make(map[string]feed.Availability),
	}
}

func (f *fakeAdapter) add(symbol string, iv domain.Interval, bars []domain.Bar) {
	if f.bars[symbol] == nil {
		f.bars[symbol] = make(map[domain.Interval][]domain.Bar)
	}
	f.bars[symbol][iv] = append(f.bars[symbol][iv], bars...)
}

func (f *fakeAdapter) GetBars(_ context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range f.bars[symbol][iv] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeAdapter) GetQuotes(context.Context, string, time.Time, time.Time) ([]domain.Quote, error) {
	return nil, nil
}

func (f *fakeAdapter) GetTrades(context.Context, string, time.Time, time.Time) ([]domain.Trade, error) {
	return nil, nil
}

func (f *fakeAdapter) CheckAvailability(_ context.Context, symbol string) (feed.Availability, error) {
	if av, ok := f.avail[symbol]; ok {
		return av, nil
	}
	return feed.Availability{Has1m: true, Has1d: true}, nil
}

// fakeLiveAdapter adds the live surface on top of the fake: Refetch reads
// from the same in-memory bars, streams are inert.
type fakeLiveAdapter struct {
	*fakeAdapter
}

var _ feed.LiveAdapter = (*fakeLiveAdapter)(nil)

func (f *fakeLiveAdapter) OpenLiveStream(context.Context, []string, domain.Interval) (<-chan domain.Bar, error) {
	ch := make(chan domain.Bar)
	close(ch)
	return ch, nil
}

func (f *fakeLiveAdapter) OpenQuoteStream(context.Context, []string) (<-chan domain.Quote, error) {
	ch := make(chan domain.Quote)
	close(ch)
	return ch, nil
}

func (f *fakeLiveAdapter) Refetch(ctx context.Context, symbol string, iv domain.Interval, r domain.TimeRange) ([]domain.Bar, error) {
	return f.GetBars(ctx, symbol, iv, r.Start, r.End.Add(-time.Nanosecond))
}

// sessionBars generates one full regular session of minute bars for the
// date, minus any "HH:MM" labels in omit.
func sessionBars(t *testing.T, tm *clock.TimeManager, symbol, date string, omit ...string) []domain.Bar {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", date, tm.Timezone())
	if err != nil {
		t.Fatalf("parsing date: %v", err)
	}
	sess, err := tm.TradingSessionFor(context.Background(), d)
	if err != nil {
		t.Fatalf("session for %s: %v", date, err)
	}
	skip := make(map[string]bool, len(omit))
	for _, hm := range omit {
		skip[hm] = true
	}

	var bars []domain.Bar
	for ts := sess.Open; ts.Before(sess.Close); ts = ts.Add(time.Minute) {
		if skip[ts.Format("15:04")] {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ts,
			Open:       100,
			High:       101,
			Low:        99,
			Close:      100.5,
			Volume:     1000,
			TradeCount: 10,
			VWAP:       100.2,
		})
	}
	return bars
}

func dayBar(t *testing.T, tm *clock.TimeManager, symbol, date string, close float64) domain.Bar {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", date, tm.Timezone())
	if err != nil {
		t.Fatalf("parsing date: %v", err)
	}
	return domain.Bar{
		Symbol: symbol, Timestamp: d,
		Open: close, High: close + 1, Low: close - 1, Close: close,
		Volume: 1_000_000, TradeCount: 5000, VWAP: close,
	}
}

// ---------------------------------------------------------------------------
// Recording strategy and sink
// ---------------------------------------------------------------------------

type strategyCall struct {
	symbol   string
	interval domain.Interval
	ts       time.Time
}

type recordingStrategy struct {
	name string
	ivs  []domain.Interval

	mu    sync.Mutex
	calls []strategyCall
}

var _ strategy.Strategy = (*recordingStrategy)(nil)

func (r *recordingStrategy) Name() string                 { return r.name }
func (r *recordingStrategy) Intervals() []domain.Interval { return r.ivs }

func (r *recordingStrategy) Init(context.Context, strategy.View) error { return nil }

func (r *recordingStrategy) OnBar(_ context.Context, _ strategy.View, bar domain.Bar, iv domain.Interval) ([]domain.Signal, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strategyCall{symbol: bar.Symbol, interval: iv, ts: bar.Timestamp})
	r.mu.Unlock()
	return []domain.Signal{{
		StrategyID: r.name,
		Symbol:     bar.Symbol,
		Type:       domain.SignalTypeBuy,
		Strength:   0.5,
	}}, nil
}

func (r *recordingStrategy) recorded() []strategyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]strategyCall(nil), r.calls...)
}

type captureSink struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (c *captureSink) Publish(sig domain.Signal) {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
}

func (c *captureSink) all() []domain.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Signal(nil), c.signals...)
}

// buildSystem assembles a system around the fake adapter with one
// recording strategy wired in.
func buildSystem(t *testing.T, cfg *config.Config, tm *clock.TimeManager, ad feed.Adapter,
	rec *recordingStrategy, sink SignalSink) *System {
	t.Helper()
	reg := strategy.NewRegistry()
	if rec != nil {
		reg.Register(rec)
		cfg.Strategies = []string{rec.name}
	}
	sys, err := New(cfg, tm, ad, reg, sink, testLogger())
	if err != nil {
		t.Fatalf("building system: %v", err)
	}
	return sys
}

func runSystem(t *testing.T, sys *System) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sys.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
