// Package domain defines the market-data types shared across the session
// engine: bars, trades, quotes, intervals, trading sessions, signals, and
// the error taxonomy.
package domain

import "time"

// Mode selects the clock authority for a session.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// Bar is one OHLCV bar. Timestamp is the bar's open time in the market
// timezone, aligned to the interval boundary.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Valid reports whether the bar satisfies the basic OHLC invariants:
// low <= open,close <= high and volume >= 0.
func (b Bar) Valid() bool {
	if b.Low > b.Open || b.Low > b.Close || b.Low > b.High {
		return false
	}
	if b.High < b.Open || b.High < b.Close {
		return false
	}
	return b.Volume >= 0
}

// Trade is a single trade print. Trades are never streamed to consumers;
// adapters fold them into 1-second bars.
type Trade struct {
	Symbol    string
	ID        string
	Exchange  string
	Timestamp time.Time
	Price     float64
	Size      int64
}

// QuoteSource tags where a quote came from.
type QuoteSource string

const (
	// QuoteSourceAPI marks a quote delivered by a live market-data feed.
	QuoteSourceAPI QuoteSource = "api"
	// QuoteSourceBar marks a quote synthesized from the latest bar close.
	QuoteSourceBar QuoteSource = "bar"
)

// Quote is a bid/ask snapshot. Backtests synthesize quotes from bars
// (bid = ask = last close, zero sizes) and tag them QuoteSourceBar.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	Source    QuoteSource
}

// TimeRange is a half-open missing-data span [Start, End). Both ends are
// aligned to the interval the range belongs to.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// GapInfo records missing bars detected for one (symbol, interval) stream.
type GapInfo struct {
	Interval     Interval
	Ranges       []TimeRange
	MissingCount int
	Retries      int
}

// TradingSession describes one calendar date on one exchange group. All
// times are already localized to the market timezone.
type TradingSession struct {
	Date            time.Time // midnight, market timezone
	IsTradingDay    bool
	IsHoliday       bool
	HolidayName     string
	IsEarlyClose    bool
	Open            time.Time
	Close           time.Time
	PreMarketOpen   *time.Time
	PostMarketClose *time.Time
	Timezone        *time.Location
}

// Contains reports whether t falls inside regular trading hours,
// inclusive on both ends.
func (s TradingSession) Contains(t time.Time) bool {
	return !t.Before(s.Open) && !t.After(s.Close)
}

// RegularMinutes returns the length of the regular session in minutes.
// Early closes shorten it; non-trading days report zero.
func (s TradingSession) RegularMinutes() int {
	if !s.IsTradingDay {
		return 0
	}
	return int(s.Close.Sub(s.Open) / time.Minute)
}

// SignalType classifies a strategy signal.
type SignalType string

const (
	SignalTypeBuy  SignalType = "buy"
	SignalTypeSell SignalType = "sell"
	SignalTypeHold SignalType = "hold"
)

// Signal is the output of a strategy evaluation. The engine assigns IDs and
// hands signals to the configured sink; routing them further is out of scope.
type Signal struct {
	ID         string
	StrategyID string
	Symbol     string
	Type       SignalType
	Strength   float64
	Metadata   map[string]string
	CreatedAt  time.Time
}
