package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"ganymede/internal/domain"
)

// Compile-time interface check.
var _ Adapter = (*ParquetAdapter)(nil)

// ParquetAdapter serves backtest data from Parquet files on disk:
//
//	<DataDir>/daily/<SYMBOL>/<YYYY>.parquet
//	<DataDir>/minute/<SYMBOL>/<YYYY-MM-DD>.parquet
//	<DataDir>/trades/<SYMBOL>/<YYYY-MM-DD>.parquet
//
// One-second bars are not stored; they are synthesized from the trade
// files on read. All reads are filtered to regular trading hours.
type ParquetAdapter struct {
	DataDir string
	hours   Hours
	tz      *time.Location
}

// NewParquetAdapter creates an adapter rooted at dataDir, filtering with
// the given trading-hours source and localizing timestamps to tz.
func NewParquetAdapter(dataDir string, hours Hours, tz *time.Location) *ParquetAdapter {
	return &ParquetAdapter{DataDir: dataDir, hours: hours, tz: tz}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar files.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeRecord is the Parquet schema for trade files.
type TradeRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price     float64 `parquet:"price"`
	Size      int64   `parquet:"size"`
	Exchange  string  `parquet:"exchange"`
	ID        string  `parquet:"id"`
}

func (a *ParquetAdapter) toBar(r BarRecord) domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).In(a.tz),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// ---------------------------------------------------------------------------
// Adapter implementation
// ---------------------------------------------------------------------------

// GetBars reads bars for a natively stored interval. Intraday bars are
// filtered to regular trading hours per date; other intervals are the
// engine's to aggregate and yield an availability error here.
func (a *ParquetAdapter) GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	switch iv {
	case domain.Interval1d:
		return a.readDaily(symbol, start, end)
	case domain.Interval1m:
		return a.readMinute(ctx, symbol, start, end)
	case domain.Interval1s:
		return a.readSecond(ctx, symbol, start, end)
	}
	return nil, &domain.AvailabilityError{
		Symbol: symbol, Interval: iv,
		Reason: "not stored natively, aggregate from a finer interval",
	}
}

func (a *ParquetAdapter) readDaily(symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		path := a.dailyPath(symbol, year)
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			if b := a.toBar(r); inRange(b.Timestamp, start, end) {
				bars = append(bars, b)
			}
		}
	}
	return bars, nil
}

func (a *ParquetAdapter) readMinute(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := a.eachTradingDate(ctx, start, end, func(sess *domain.TradingSession, date string) error {
		records, err := readParquetFile[BarRecord](a.minutePath(symbol, date))
		if err != nil {
			return nil
		}
		for _, r := range records {
			b := a.toBar(r)
			if inRange(b.Timestamp, start, end) && inRegularHours(sess, b.Timestamp) {
				bars = append(bars, b)
			}
		}
		return nil
	})
	return bars, err
}

// readSecond synthesizes one-second bars from the per-date trade files.
func (a *ParquetAdapter) readSecond(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := a.eachTradingDate(ctx, start, end, func(sess *domain.TradingSession, date string) error {
		records, err := readParquetFile[TradeRecord](a.tradePath(symbol, date))
		if err != nil {
			return nil
		}
		day := binTradesToSeconds(symbol, records, a.tz)
		for _, b := range day {
			if inRange(b.Timestamp, start, end) && inRegularHours(sess, b.Timestamp) {
				bars = append(bars, b)
			}
		}
		return nil
	})
	return bars, err
}

func (a *ParquetAdapter) eachTradingDate(ctx context.Context, start, end time.Time, fn func(*domain.TradingSession, string) error) error {
	for d := start.In(a.tz); ; d = d.AddDate(0, 0, 1) {
		y, m, day := d.Date()
		midnight := time.Date(y, m, day, 0, 0, 0, 0, a.tz)
		if midnight.After(end.In(a.tz)) {
			return nil
		}
		sess, err := a.hours.TradingSessionFor(ctx, midnight)
		if err != nil {
			return err
		}
		if !sess.IsTradingDay {
			continue
		}
		if err := fn(sess, midnight.Format("2006-01-02")); err != nil {
			return err
		}
	}
}

// binTradesToSeconds folds trade prints into one-second OHLCV bars.
// Records are assumed sorted by timestamp, as written.
func binTradesToSeconds(symbol string, records []TradeRecord, tz *time.Location) []domain.Bar {
	type bin struct {
		bar      domain.Bar
		turnover float64
	}
	var out []bin
	var cur *bin

	for i := range records {
		r := &records[i]
		aligned := (r.Timestamp / 1000) * 1000
		ts := time.UnixMilli(aligned).In(tz)

		if cur == nil || !cur.bar.Timestamp.Equal(ts) {
			out = append(out, bin{bar: domain.Bar{
				Symbol:    symbol,
				Timestamp: ts,
				Open:      r.Price,
				High:      r.Price,
				Low:       r.Price,
			}})
			cur = &out[len(out)-1]
		}
		b := &cur.bar
		if r.Price > b.High {
			b.High = r.Price
		}
		if r.Price < b.Low {
			b.Low = r.Price
		}
		b.Close = r.Price
		b.Volume += r.Size
		b.TradeCount++
		cur.turnover += r.Price * float64(r.Size)
	}

	bars := make([]domain.Bar, len(out))
	for i := range out {
		b := out[i].bar
		if b.Volume > 0 {
			b.VWAP = out[i].turnover / float64(b.Volume)
		} else {
			b.VWAP = b.Close
		}
		bars[i] = b
	}
	return bars
}

// GetQuotes returns nothing: the Parquet layout stores no quotes, and
// backtests synthesize them from bars.
func (a *ParquetAdapter) GetQuotes(_ context.Context, _ string, _, _ time.Time) ([]domain.Quote, error) {
	return nil, nil
}

// GetTrades reads trade prints for the range.
func (a *ParquetAdapter) GetTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := a.eachTradingDate(ctx, start, end, func(_ *domain.TradingSession, date string) error {
		records, err := readParquetFile[TradeRecord](a.tradePath(symbol, date))
		if err != nil {
			return nil
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).In(a.tz)
			if inRange(ts, start, end) {
				trades = append(trades, domain.Trade{
					Symbol:    r.Symbol,
					ID:        r.ID,
					Exchange:  r.Exchange,
					Timestamp: ts,
					Price:     r.Price,
					Size:      r.Size,
				})
			}
		}
		return nil
	})
	return trades, err
}

// CheckAvailability probes the per-symbol directories.
func (a *ParquetAdapter) CheckAvailability(_ context.Context, symbol string) (Availability, error) {
	return Availability{
		Has1s: dirHasFiles(filepath.Join(a.DataDir, "trades", strings.ToUpper(symbol))),
		Has1m: dirHasFiles(filepath.Join(a.DataDir, "minute", strings.ToUpper(symbol))),
		Has1d: dirHasFiles(filepath.Join(a.DataDir, "daily", strings.ToUpper(symbol))),
	}, nil
}

func dirHasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// ---------------------------------------------------------------------------
// Writes (exporter and fixtures)
// ---------------------------------------------------------------------------

// WriteBars merges bars into the store: daily bars into per-year files,
// minute bars into per-date files. Existing rows with the same timestamp
// are replaced.
func (a *ParquetAdapter) WriteBars(bars []domain.Bar, iv domain.Interval) error {
	if len(bars) == 0 {
		return nil
	}
	switch iv {
	case domain.Interval1d, domain.Interval1m:
	default:
		return fmt.Errorf("parquet store holds 1m and 1d bars, not %s", iv)
	}

	groups := make(map[string][]BarRecord)
	for _, b := range bars {
		local := b.Timestamp.In(a.tz)
		var path string
		if iv == domain.Interval1d {
			path = a.dailyPath(b.Symbol, local.Year())
		} else {
			path = a.minutePath(b.Symbol, local.Format("2006-01-02"))
		}
		groups[path] = append(groups[path], BarRecord{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for path, records := range groups {
		existing, _ := readParquetFile[BarRecord](path)
		if err := writeParquetFile(path, mergeBarRecords(existing, records)); err != nil {
			return fmt.Errorf("writing bars to %s: %w", path, err)
		}
	}
	return nil
}

// WriteTrades merges trade prints into per-date files.
func (a *ParquetAdapter) WriteTrades(trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	groups := make(map[string][]TradeRecord)
	for _, t := range trades {
		path := a.tradePath(t.Symbol, t.Timestamp.In(a.tz).Format("2006-01-02"))
		groups[path] = append(groups[path], TradeRecord{
			Symbol:    t.Symbol,
			Timestamp: t.Timestamp.UnixMilli(),
			Price:     t.Price,
			Size:      t.Size,
			Exchange:  t.Exchange,
			ID:        t.ID,
		})
	}
	for path, records := range groups {
		existing, _ := readParquetFile[TradeRecord](path)
		if err := writeParquetFile(path, mergeTradeRecords(existing, records)); err != nil {
			return fmt.Errorf("writing trades to %s: %w", path, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Path and file helpers
// ---------------------------------------------------------------------------

func (a *ParquetAdapter) dailyPath(symbol string, year int) string {
	return filepath.Join(a.DataDir, "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

func (a *ParquetAdapter) minutePath(symbol, date string) string {
	return filepath.Join(a.DataDir, "minute", strings.ToUpper(symbol), date+".parquet")
}

func (a *ParquetAdapter) tradePath(symbol, date string) string {
	return filepath.Join(a.DataDir, "trades", strings.ToUpper(symbol), date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates by (symbol, timestamp), incoming rows
// winning, and returns the result sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// mergeTradeRecords deduplicates by (symbol, id), incoming rows winning,
// sorted by timestamp.
func mergeTradeRecords(existing, incoming []TradeRecord) []TradeRecord {
	type key struct {
		symbol string
		id     string
	}
	seen := make(map[key]TradeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.ID}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.ID}] = r
	}

	merged := make([]TradeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
