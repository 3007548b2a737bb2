package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	mdstream "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"ganymede/internal/domain"
	"ganymede/internal/util"
)

// Compile-time interface check.
var _ LiveAdapter = (*AlpacaAdapter)(nil)

const (
	alpacaRequestsPerMin = 200
	alpacaMaxAttempts    = 3
	alpacaRetryDelay     = 500 * time.Millisecond
)

// AlpacaAdapter serves bars, quotes and trades from the Alpaca market-data
// API. Alpaca stores minute and day bars; one-second bars are not
// available, so sessions running on Alpaca use a 1m base. Historical
// reads are rate limited and retried.
type AlpacaAdapter struct {
	md        *marketdata.Client
	hours     Hours
	tz        *time.Location
	feed      string
	apiKey    string
	apiSecret string
	limiter   *util.RateLimiter
	log       *slog.Logger
}

// AlpacaOpts configures an AlpacaAdapter.
type AlpacaOpts struct {
	APIKey    string
	APISecret string
	DataURL   string // historical data endpoint; empty = default
	Feed      string // sip | iex
}

// NewAlpacaAdapter creates an adapter using the given credentials,
// trading-hours source and market timezone.
func NewAlpacaAdapter(opts AlpacaOpts, hours Hours, tz *time.Location, log *slog.Logger) *AlpacaAdapter {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return &AlpacaAdapter{
		md:        marketdata.NewClient(clientOpts),
		hours:     hours,
		tz:        tz,
		feed:      opts.Feed,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		limiter:   util.NewRateLimiter(alpacaRequestsPerMin),
		log:       log.With("adapter", "alpaca"),
	}
}

func timeframeFor(iv domain.Interval) (marketdata.TimeFrame, error) {
	switch iv {
	case domain.Interval1m:
		return marketdata.OneMin, nil
	case domain.Interval1d:
		return marketdata.OneDay, nil
	}
	return marketdata.TimeFrame{}, &domain.AvailabilityError{
		Interval: iv, Reason: "alpaca serves 1m and 1d bars only",
	}
}

// GetBars fetches bars and filters intraday results to regular trading
// hours (the API includes extended hours).
func (a *AlpacaAdapter) GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	tf, err := timeframeFor(iv)
	if err != nil {
		return nil, err
	}

	var raw []marketdata.Bar
	err = a.call(ctx, func() error {
		var err error
		raw, err = a.md.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      marketdata.Feed(a.feed),
		})
		return err
	})
	if err != nil {
		return nil, &domain.AdapterError{Op: "GetBars", Symbol: symbol, Err: err}
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		b := domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp.In(a.tz),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		}
		if iv != domain.Interval1d {
			sess, err := a.hours.TradingSessionFor(ctx, b.Timestamp)
			if err != nil {
				return nil, err
			}
			if !inRegularHours(sess, b.Timestamp) {
				continue
			}
		}
		if inRange(b.Timestamp, start, end) {
			bars = append(bars, b)
		}
	}
	return bars, nil
}

// GetQuotes fetches historical quotes.
func (a *AlpacaAdapter) GetQuotes(ctx context.Context, symbol string, start, end time.Time) ([]domain.Quote, error) {
	var raw []marketdata.Quote
	err := a.call(ctx, func() error {
		var err error
		raw, err = a.md.GetQuotes(symbol, marketdata.GetQuotesRequest{
			Start: start,
			End:   end,
			Feed:  marketdata.Feed(a.feed),
		})
		return err
	})
	if err != nil {
		return nil, &domain.AdapterError{Op: "GetQuotes", Symbol: symbol, Err: err}
	}

	quotes := make([]domain.Quote, 0, len(raw))
	for _, q := range raw {
		quotes = append(quotes, domain.Quote{
			Symbol:    symbol,
			Timestamp: q.Timestamp.In(a.tz),
			Bid:       q.BidPrice,
			Ask:       q.AskPrice,
			BidSize:   int64(q.BidSize),
			AskSize:   int64(q.AskSize),
			Source:    domain.QuoteSourceAPI,
		})
	}
	return quotes, nil
}

// GetTrades fetches trade prints.
func (a *AlpacaAdapter) GetTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.Trade, error) {
	var raw []marketdata.Trade
	err := a.call(ctx, func() error {
		var err error
		raw, err = a.md.GetTrades(symbol, marketdata.GetTradesRequest{
			Start: start,
			End:   end,
			Feed:  marketdata.Feed(a.feed),
		})
		return err
	})
	if err != nil {
		return nil, &domain.AdapterError{Op: "GetTrades", Symbol: symbol, Err: err}
	}

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, domain.Trade{
			Symbol:    symbol,
			ID:        strconv.FormatInt(t.ID, 10),
			Exchange:  t.Exchange,
			Timestamp: t.Timestamp.In(a.tz),
			Price:     t.Price,
			Size:      int64(t.Size),
		})
	}
	return trades, nil
}

// CheckAvailability probes the API with single-bar requests over the past
// two weeks. Alpaca never serves one-second bars.
func (a *AlpacaAdapter) CheckAvailability(ctx context.Context, symbol string) (Availability, error) {
	end := time.Now().In(a.tz)
	start := end.AddDate(0, 0, -14)

	probe := func(tf marketdata.TimeFrame) bool {
		var bars []marketdata.Bar
		err := a.call(ctx, func() error {
			var err error
			bars, err = a.md.GetBars(symbol, marketdata.GetBarsRequest{
				TimeFrame:  tf,
				Start:      start,
				End:        end,
				TotalLimit: 1,
				Feed:       marketdata.Feed(a.feed),
			})
			return err
		})
		return err == nil && len(bars) > 0
	}

	av := Availability{
		Has1m: probe(marketdata.OneMin),
		Has1d: probe(marketdata.OneDay),
	}
	av.HasQuotes = av.Has1m
	return av, nil
}

// Refetch re-requests a missing range for the gap filler.
func (a *AlpacaAdapter) Refetch(ctx context.Context, symbol string, iv domain.Interval, r domain.TimeRange) ([]domain.Bar, error) {
	// The range is half-open; GetBars is inclusive, so pull back one bar.
	return a.GetBars(ctx, symbol, iv, r.Start, r.End.Add(-iv.Duration()))
}

// call runs one API request under the rate limiter with bounded retries.
func (a *AlpacaAdapter) call(ctx context.Context, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return util.Retry(ctx, alpacaMaxAttempts, alpacaRetryDelay, fn)
}

// ---------------------------------------------------------------------------
// Live streams
// ---------------------------------------------------------------------------

// OpenLiveStream subscribes to the Alpaca bar stream for the symbols.
// Only a one-minute base is streamable; bars outside regular hours are
// dropped here so the engine never sees them.
func (a *AlpacaAdapter) OpenLiveStream(ctx context.Context, symbols []string, base domain.Interval) (<-chan domain.Bar, error) {
	if base != domain.Interval1m {
		return nil, &domain.AvailabilityError{
			Interval: base, Reason: "alpaca streams 1m bars only",
		}
	}

	out := make(chan domain.Bar, 64)
	client := mdstream.NewStocksClient(a.feed,
		mdstream.WithCredentials(a.apiKey, a.apiSecret))
	if err := client.Connect(ctx); err != nil {
		return nil, &domain.AdapterError{Op: "stream connect", Err: err}
	}

	handler := func(sb mdstream.Bar) {
		b := domain.Bar{
			Symbol:     sb.Symbol,
			Timestamp:  sb.Timestamp.In(a.tz),
			Open:       sb.Open,
			High:       sb.High,
			Low:        sb.Low,
			Close:      sb.Close,
			Volume:     int64(sb.Volume),
			TradeCount: int64(sb.TradeCount),
			VWAP:       sb.VWAP,
		}
		sess, err := a.hours.TradingSessionFor(ctx, b.Timestamp)
		if err != nil || !inRegularHours(sess, b.Timestamp) {
			return
		}
		select {
		case out <- b:
		case <-ctx.Done():
		default:
			a.log.Warn("live bar dropped, consumer behind", "symbol", b.Symbol)
		}
	}
	if err := client.SubscribeToBars(handler, symbols...); err != nil {
		return nil, &domain.AdapterError{Op: "subscribe bars", Err: err}
	}

	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case err := <-client.Terminated():
			if err != nil {
				a.log.Error("bar stream terminated", "err", err)
			}
		}
	}()
	return out, nil
}

// OpenQuoteStream subscribes to the Alpaca quote stream for the symbols.
func (a *AlpacaAdapter) OpenQuoteStream(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	out := make(chan domain.Quote, 256)
	client := mdstream.NewStocksClient(a.feed,
		mdstream.WithCredentials(a.apiKey, a.apiSecret))
	if err := client.Connect(ctx); err != nil {
		return nil, &domain.AdapterError{Op: "stream connect", Err: err}
	}

	handler := func(sq mdstream.Quote) {
		q := domain.Quote{
			Symbol:    sq.Symbol,
			Timestamp: sq.Timestamp.In(a.tz),
			Bid:       sq.BidPrice,
			Ask:       sq.AskPrice,
			BidSize:   int64(sq.BidSize),
			AskSize:   int64(sq.AskSize),
			Source:    domain.QuoteSourceAPI,
		}
		select {
		case out <- q:
		case <-ctx.Done():
		default:
			// Quotes are snapshots; dropping under pressure is fine.
		}
	}
	if err := client.SubscribeToQuotes(handler, symbols...); err != nil {
		return nil, &domain.AdapterError{Op: "subscribe quotes", Err: err}
	}

	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case err := <-client.Terminated():
			if err != nil {
				a.log.Error("quote stream terminated", "err", err)
			}
		}
	}()
	return out, nil
}

// String identifies the adapter in logs.
func (a *AlpacaAdapter) String() string {
	return fmt.Sprintf("alpaca(%s)", a.feed)
}
