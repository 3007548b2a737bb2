// Package feed provides the engine's data adapters: read access to bars,
// quotes and trades by (symbol, interval, range), availability probes, and
// live streams. The Parquet adapter backs backtests from local files; the
// Alpaca adapter backs live sessions from the market-data API. Adapters
// return bars filtered to regular trading hours; the engine does not
// re-filter.
package feed

import (
	"context"
	"time"

	"ganymede/internal/domain"
)

// Availability reports which datasets an adapter holds for one symbol.
type Availability struct {
	Has1s     bool
	Has1m     bool
	Has1d     bool
	HasQuotes bool
}

// Has reports whether the adapter can serve the interval as a base stream.
func (a Availability) Has(iv domain.Interval) bool {
	switch iv {
	case domain.Interval1s:
		return a.Has1s
	case domain.Interval1m:
		return a.Has1m
	case domain.Interval1d:
		return a.Has1d
	}
	return false
}

// Adapter is the synchronous read interface the session engine calls.
// GetBars serves only natively stored intervals (1s, 1m, 1d); everything
// else is aggregated by the engine. Ranges are inclusive and results are
// sorted by timestamp.
type Adapter interface {
	GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error)
	GetQuotes(ctx context.Context, symbol string, start, end time.Time) ([]domain.Quote, error)
	GetTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.Trade, error)
	CheckAvailability(ctx context.Context, symbol string) (Availability, error)
}

// LiveAdapter extends Adapter with streaming and gap refetching for live
// sessions.
type LiveAdapter interface {
	Adapter

	// OpenLiveStream delivers bars of the base interval for the symbols
	// as they complete. The channel closes when ctx is done or the feed
	// disconnects for good.
	OpenLiveStream(ctx context.Context, symbols []string, base domain.Interval) (<-chan domain.Bar, error)

	// OpenQuoteStream delivers live quotes for the symbols.
	OpenQuoteStream(ctx context.Context, symbols []string) (<-chan domain.Quote, error)

	// Refetch re-requests the missing range for a gap fill.
	Refetch(ctx context.Context, symbol string, iv domain.Interval, r domain.TimeRange) ([]domain.Bar, error)
}

// Hours answers per-date session queries for trading-hours filtering.
// *clock.TimeManager satisfies it.
type Hours interface {
	TradingSessionFor(ctx context.Context, date time.Time) (*domain.TradingSession, error)
}

// QuoteFromBar synthesizes the backtest quote for a bar: bid and ask both
// at the close, zero sizes, tagged with the bar source.
func QuoteFromBar(b domain.Bar) domain.Quote {
	return domain.Quote{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Bid:       b.Close,
		Ask:       b.Close,
		Source:    domain.QuoteSourceBar,
	}
}

// inRegularHours reports whether an intraday bar label falls inside the
// session: [open, close), bars being labeled by open time.
func inRegularHours(sess *domain.TradingSession, ts time.Time) bool {
	if sess == nil || !sess.IsTradingDay {
		return false
	}
	return !ts.Before(sess.Open) && ts.Before(sess.Close)
}

// inRange reports start <= ts <= end.
func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}
