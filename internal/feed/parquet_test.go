package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"ganymede/internal/domain"
)

var testTZ = func() *time.Location {
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return tz
}()

// weekdayHours is a fixed 09:30-16:00 weekday schedule for adapter tests.
type weekdayHours struct{}

func (weekdayHours) TradingSessionFor(_ context.Context, date time.Time) (*domain.TradingSession, error) {
	d := date.In(testTZ)
	y, m, day := d.Date()
	midnight := time.Date(y, m, day, 0, 0, 0, 0, testTZ)
	sess := &domain.TradingSession{Date: midnight, Timezone: testTZ}
	if wd := midnight.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return sess, nil
	}
	sess.IsTradingDay = true
	sess.Open = midnight.Add(9*time.Hour + 30*time.Minute)
	sess.Close = midnight.Add(16 * time.Hour)
	return sess, nil
}

func testAdapter(t *testing.T) *ParquetAdapter {
	t.Helper()
	return NewParquetAdapter(t.TempDir(), weekdayHours{}, testTZ)
}

func minuteBar(symbol string, ts time.Time, price float64, vol int64) domain.Bar {
	return domain.Bar{
		Symbol: symbol, Timestamp: ts,
		Open: price, High: price + 0.5, Low: price - 0.5, Close: price + 0.25,
		Volume: vol, TradeCount: 3, VWAP: price,
	}
}

func TestParquetMinuteRoundTripFiltersRegularHours(t *testing.T) {
	a := testAdapter(t)
	// 2025-12-01 is a Monday.
	day := time.Date(2025, 12, 1, 0, 0, 0, 0, testTZ)

	bars := []domain.Bar{
		minuteBar("AAPL", day.Add(9*time.Hour+15*time.Minute), 100, 10), // pre-market
		minuteBar("AAPL", day.Add(9*time.Hour+30*time.Minute), 101, 20),
		minuteBar("AAPL", day.Add(15*time.Hour+59*time.Minute), 102, 30),
		minuteBar("AAPL", day.Add(16*time.Hour), 103, 40), // post-close label
	}
	if err := a.WriteBars(bars, domain.Interval1m); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := a.GetBars(context.Background(), "AAPL", domain.Interval1m, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2 (regular hours only)", len(got))
	}
	if want := day.Add(9*time.Hour + 30*time.Minute); !got[0].Timestamp.Equal(want) {
		t.Errorf("first bar at %v, want %v", got[0].Timestamp, want)
	}
	if want := day.Add(15*time.Hour + 59*time.Minute); !got[1].Timestamp.Equal(want) {
		t.Errorf("last bar at %v, want %v", got[1].Timestamp, want)
	}
	if got[0].Close != 101.25 || got[0].Volume != 20 {
		t.Errorf("bar fields did not survive the round trip: %+v", got[0])
	}
}

func TestParquetWriteBarsDeduplicates(t *testing.T) {
	a := testAdapter(t)
	day := time.Date(2025, 12, 1, 0, 0, 0, 0, testTZ)
	ts := day.Add(10 * time.Hour)

	if err := a.WriteBars([]domain.Bar{minuteBar("AAPL", ts, 100, 10)}, domain.Interval1m); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	// Rewrite the same minute with new values; the new row must win.
	if err := a.WriteBars([]domain.Bar{minuteBar("AAPL", ts, 200, 99)}, domain.Interval1m); err != nil {
		t.Fatalf("WriteBars rewrite: %v", err)
	}

	got, err := a.GetBars(context.Background(), "AAPL", domain.Interval1m, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d bars, want 1 after dedup", len(got))
	}
	if got[0].Open != 200 || got[0].Volume != 99 {
		t.Errorf("got %+v, want the rewritten row", got[0])
	}
}

func TestParquetDailyAcrossYears(t *testing.T) {
	a := testAdapter(t)
	dec := time.Date(2024, 12, 30, 0, 0, 0, 0, testTZ)
	jan := time.Date(2025, 1, 2, 0, 0, 0, 0, testTZ)

	bars := []domain.Bar{
		minuteBar("SPY", dec, 590, 1000),
		minuteBar("SPY", jan, 595, 1100),
	}
	if err := a.WriteBars(bars, domain.Interval1d); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := a.GetBars(context.Background(), "SPY", domain.Interval1d, dec, jan)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d day bars, want 2 across the year boundary", len(got))
	}
	if !got[0].Timestamp.Equal(dec) || !got[1].Timestamp.Equal(jan) {
		t.Errorf("timestamps %v / %v, want %v / %v",
			got[0].Timestamp, got[1].Timestamp, dec, jan)
	}
}

func TestParquetSecondBarsFromTrades(t *testing.T) {
	a := testAdapter(t)
	day := time.Date(2025, 12, 1, 0, 0, 0, 0, testTZ)
	sec := day.Add(10 * time.Hour)

	trades := []domain.Trade{
		{Symbol: "AAPL", ID: "1", Exchange: "V", Timestamp: sec.Add(10 * time.Millisecond), Price: 100, Size: 5},
		{Symbol: "AAPL", ID: "2", Exchange: "V", Timestamp: sec.Add(400 * time.Millisecond), Price: 102, Size: 5},
		{Symbol: "AAPL", ID: "3", Exchange: "V", Timestamp: sec.Add(900 * time.Millisecond), Price: 99, Size: 10},
		{Symbol: "AAPL", ID: "4", Exchange: "V", Timestamp: sec.Add(1500 * time.Millisecond), Price: 101, Size: 1},
	}
	if err := a.WriteTrades(trades); err != nil {
		t.Fatalf("WriteTrades: %v", err)
	}

	got, err := a.GetBars(context.Background(), "AAPL", domain.Interval1s, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetBars 1s: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d second bars, want 2", len(got))
	}
	b := got[0]
	if !b.Timestamp.Equal(sec) {
		t.Errorf("bar at %v, want %v", b.Timestamp, sec)
	}
	if b.Open != 100 || b.High != 102 || b.Low != 99 || b.Close != 99 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 100/102/99/99", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 20 || b.TradeCount != 3 {
		t.Errorf("volume=%d count=%d, want 20/3", b.Volume, b.TradeCount)
	}
	wantVWAP := (100*5 + 102*5 + 99*10) / 20.0
	if b.VWAP != wantVWAP {
		t.Errorf("VWAP = %v, want %v", b.VWAP, wantVWAP)
	}
}

func TestParquetDerivedIntervalUnavailable(t *testing.T) {
	a := testAdapter(t)
	_, err := a.GetBars(context.Background(), "AAPL", domain.MustInterval("5m"),
		time.Now().Add(-time.Hour), time.Now())
	var avail *domain.AvailabilityError
	if !errors.As(err, &avail) {
		t.Fatalf("got %v, want AvailabilityError for derived interval", err)
	}
}

func TestParquetCheckAvailability(t *testing.T) {
	a := testAdapter(t)
	day := time.Date(2025, 12, 1, 10, 0, 0, 0, testTZ)

	if err := a.WriteBars([]domain.Bar{minuteBar("AAPL", day, 100, 10)}, domain.Interval1m); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if err := a.WriteTrades([]domain.Trade{
		{Symbol: "MSFT", ID: "1", Timestamp: day, Price: 400, Size: 2},
	}); err != nil {
		t.Fatalf("WriteTrades: %v", err)
	}

	aapl, err := a.CheckAvailability(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if !aapl.Has1m || aapl.Has1s || aapl.Has1d {
		t.Errorf("AAPL availability = %+v, want 1m only", aapl)
	}

	msft, err := a.CheckAvailability(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if !msft.Has1s || msft.Has1m {
		t.Errorf("MSFT availability = %+v, want 1s only", msft)
	}
}

func TestParquetWeekendSkipped(t *testing.T) {
	a := testAdapter(t)
	// 2025-12-06 is a Saturday; write a minute file anyway.
	sat := time.Date(2025, 12, 6, 10, 0, 0, 0, testTZ)
	if err := a.WriteBars([]domain.Bar{minuteBar("AAPL", sat, 100, 10)}, domain.Interval1m); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := a.GetBars(context.Background(), "AAPL", domain.Interval1m,
		sat.Add(-12*time.Hour), sat.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bars on a weekend, want 0", len(got))
	}
}
