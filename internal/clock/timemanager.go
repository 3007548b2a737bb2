// Package clock provides the session clock. In live mode it reports wall
// time localized to the market timezone; in backtests it holds a mutable
// virtual time owned by the session coordinator. All trading-calendar
// queries (sessions, holidays, trading-day arithmetic) go through here and
// are cached.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ganymede/internal/calendar"
	"ganymede/internal/domain"
)

const (
	sessionCacheSize = 100
	minutesCacheSize = 256

	// scanLimit bounds trading-day scans; no market closes for two
	// straight months.
	scanLimit = 60
)

// TimeManager answers time and calendar queries for one exchange group and
// asset class. It outlives individual session days; the per-day session
// cache carries across teardowns.
type TimeManager struct {
	mode  domain.Mode
	group string
	class string
	cal   *calendar.Store
	hours calendar.MarketHours
	tz    *time.Location
	log   *slog.Logger

	mu           sync.RWMutex
	backtestTime time.Time // zero until InitBacktest/SetBacktestTime

	cacheMu  sync.Mutex
	lastKey  string
	lastSess *domain.TradingSession
	sessions *lruCache[*domain.TradingSession]
	minutes  *lruCache[int]
}

// New builds a TimeManager for (group, class), resolving the market
// timezone from the calendar store. A missing market_hours row falls back
// to US equity hours with a warning; an unknown timezone is a
// configuration error.
func New(ctx context.Context, cal *calendar.Store, mode domain.Mode, group, class string, log *slog.Logger) (*TimeManager, error) {
	mh, err := cal.MarketHours(ctx, group, class)
	if err != nil {
		return nil, err
	}
	if mh == nil {
		log.Warn("no market hours row, using US equity defaults", "group", group, "class", class)
		defaults := calendar.USEquityHours
		defaults.ExchangeGroup = group
		defaults.AssetClass = class
		mh = &defaults
	}

	tz, err := time.LoadLocation(mh.Timezone)
	if err != nil {
		return nil, domain.NewConfigError("market_hours.timezone", "unknown timezone %q: %v", mh.Timezone, err)
	}

	return &TimeManager{
		mode:     mode,
		group:    group,
		class:    class,
		cal:      cal,
		hours:    *mh,
		tz:       tz,
		log:      log,
		sessions: newLRU[*domain.TradingSession](sessionCacheSize),
		minutes:  newLRU[int](minutesCacheSize),
	}, nil
}

// Mode returns the clock mode.
func (tm *TimeManager) Mode() domain.Mode { return tm.mode }

// Timezone returns the market timezone.
func (tm *TimeManager) Timezone() *time.Location { return tm.tz }

// ExchangeGroup returns the exchange group the clock serves.
func (tm *TimeManager) ExchangeGroup() string { return tm.group }

// StandardDayMinutes returns the regular-session span of a standard
// (non-early-close) trading day in minutes, from the market_hours row.
// Minute-granularity indicator arrays are sized with this.
func (tm *TimeManager) StandardDayMinutes() (int, error) {
	open, err := time.Parse("15:04", tm.hours.RegularOpen)
	if err != nil {
		return 0, fmt.Errorf("parsing regular_open %q: %w", tm.hours.RegularOpen, err)
	}
	closeAt, err := time.Parse("15:04", tm.hours.RegularClose)
	if err != nil {
		return 0, fmt.Errorf("parsing regular_close %q: %w", tm.hours.RegularClose, err)
	}
	return int(closeAt.Sub(open) / time.Minute), nil
}

// Now returns the current session time in the market timezone. In live
// mode that is wall time; in a backtest it is the virtual clock, and
// reading it before initialization is a configuration error.
func (tm *TimeManager) Now() (time.Time, error) {
	if tm.mode == domain.ModeLive {
		return time.Now().In(tm.tz), nil
	}
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.backtestTime.IsZero() {
		return time.Time{}, domain.ErrClockUninitialized
	}
	return tm.backtestTime, nil
}

// SetBacktestTime moves the virtual clock. Only the session coordinator
// calls this; live sessions must not.
func (tm *TimeManager) SetBacktestTime(t time.Time) error {
	if tm.mode != domain.ModeBacktest {
		return domain.NewConfigError("mode", "cannot set the clock in %s mode", tm.mode)
	}
	tm.mu.Lock()
	tm.backtestTime = t.In(tm.tz)
	tm.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Trading sessions
// ---------------------------------------------------------------------------

// TradingSessionFor describes the given calendar date: whether it trades,
// open and close (early closes applied), and extended-hours bounds.
// Results are cached per (date, group, class) with a last-query fast path.
func (tm *TimeManager) TradingSessionFor(ctx context.Context, date time.Time) (*domain.TradingSession, error) {
	local := date.In(tm.tz)
	key := local.Format("2006-01-02") + "/" + tm.group + "/" + tm.class

	tm.cacheMu.Lock()
	if key == tm.lastKey && tm.lastSess != nil {
		sess := tm.lastSess
		tm.cacheMu.Unlock()
		return sess, nil
	}
	if sess, ok := tm.sessions.get(key); ok {
		tm.lastKey, tm.lastSess = key, sess
		tm.cacheMu.Unlock()
		return sess, nil
	}
	tm.cacheMu.Unlock()

	sess, err := tm.buildSession(ctx, local)
	if err != nil {
		return nil, err
	}

	tm.cacheMu.Lock()
	tm.sessions.put(key, sess)
	tm.lastKey, tm.lastSess = key, sess
	tm.cacheMu.Unlock()
	return sess, nil
}

func (tm *TimeManager) buildSession(ctx context.Context, local time.Time) (*domain.TradingSession, error) {
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, tm.tz)
	sess := &domain.TradingSession{Date: midnight, Timezone: tm.tz}

	if wd := midnight.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return sess, nil
	}

	hol, err := tm.cal.HolidayOn(ctx, midnight.Format("2006-01-02"), tm.group)
	if err != nil {
		return nil, err
	}
	if hol != nil && hol.IsClosed {
		sess.IsHoliday = true
		sess.HolidayName = hol.HolidayName
		return sess, nil
	}

	open, err := atTime(midnight, tm.hours.RegularOpen, tm.tz)
	if err != nil {
		return nil, err
	}
	closeAt, err := atTime(midnight, tm.hours.RegularClose, tm.tz)
	if err != nil {
		return nil, err
	}
	if hol != nil && hol.EarlyCloseTime != "" {
		closeAt, err = atTime(midnight, hol.EarlyCloseTime, tm.tz)
		if err != nil {
			return nil, err
		}
		sess.IsEarlyClose = true
		sess.HolidayName = hol.HolidayName
	}

	sess.IsTradingDay = true
	sess.Open = open
	sess.Close = closeAt

	if tm.hours.PreMarketOpen != "" {
		pre, err := atTime(midnight, tm.hours.PreMarketOpen, tm.tz)
		if err != nil {
			return nil, err
		}
		sess.PreMarketOpen = &pre
	}
	if tm.hours.PostMarketClose != "" {
		post, err := atTime(midnight, tm.hours.PostMarketClose, tm.tz)
		if err != nil {
			return nil, err
		}
		sess.PostMarketClose = &post
	}
	return sess, nil
}

func atTime(day time.Time, hhmm string, tz *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time of day %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, tz), nil
}

// IsTradingDay reports whether the date trades at all.
func (tm *TimeManager) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	sess, err := tm.TradingSessionFor(ctx, date)
	if err != nil {
		return false, err
	}
	return sess.IsTradingDay, nil
}

// IsEarlyClose reports whether the date closes early.
func (tm *TimeManager) IsEarlyClose(ctx context.Context, date time.Time) (bool, error) {
	sess, err := tm.TradingSessionFor(ctx, date)
	if err != nil {
		return false, err
	}
	return sess.IsEarlyClose, nil
}

// ---------------------------------------------------------------------------
// Trading-day arithmetic
// ---------------------------------------------------------------------------

// FirstTradingDate returns ref itself when it is a trading day, otherwise
// the first trading day after it. Inclusive on purpose: window reference
// dates map with this.
func (tm *TimeManager) FirstTradingDate(ctx context.Context, ref time.Time) (time.Time, error) {
	d := ref.In(tm.tz)
	for i := 0; i < scanLimit; i++ {
		sess, err := tm.TradingSessionFor(ctx, d)
		if err != nil {
			return time.Time{}, err
		}
		if sess.IsTradingDay {
			return sess.Date, nil
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("no trading day within %d days of %s", scanLimit, ref.Format("2006-01-02"))
}

// NextTradingDate returns the first trading day strictly after ref.
func (tm *TimeManager) NextTradingDate(ctx context.Context, ref time.Time) (time.Time, error) {
	return tm.FirstTradingDate(ctx, ref.In(tm.tz).AddDate(0, 0, 1))
}

// PreviousTradingDate returns the last trading day strictly before ref.
func (tm *TimeManager) PreviousTradingDate(ctx context.Context, ref time.Time) (time.Time, error) {
	d := ref.In(tm.tz).AddDate(0, 0, -1)
	for i := 0; i < scanLimit; i++ {
		sess, err := tm.TradingSessionFor(ctx, d)
		if err != nil {
			return time.Time{}, err
		}
		if sess.IsTradingDay {
			return sess.Date, nil
		}
		d = d.AddDate(0, 0, -1)
	}
	return time.Time{}, fmt.Errorf("no trading day within %d days before %s", scanLimit, ref.Format("2006-01-02"))
}

// TradingDatesBack returns the n trading days strictly before ref, oldest
// first. Used to resolve trailing historical windows.
func (tm *TimeManager) TradingDatesBack(ctx context.Context, ref time.Time, n int) ([]time.Time, error) {
	dates := make([]time.Time, n)
	d := ref
	for i := n - 1; i >= 0; i-- {
		prev, err := tm.PreviousTradingDate(ctx, d)
		if err != nil {
			return nil, err
		}
		dates[i] = prev
		d = prev
	}
	return dates, nil
}

// CountTradingDays counts trading days in [start, end], inclusive.
func (tm *TimeManager) CountTradingDays(ctx context.Context, start, end time.Time) (int, error) {
	count := 0
	for d := start.In(tm.tz); !d.After(end.In(tm.tz)); d = d.AddDate(0, 0, 1) {
		sess, err := tm.TradingSessionFor(ctx, d)
		if err != nil {
			return 0, err
		}
		if sess.IsTradingDay {
			count++
		}
	}
	return count, nil
}

// HolidaysInRange lists holiday rows (closures and early closes) for the
// clock's exchange group between start and end.
func (tm *TimeManager) HolidaysInRange(ctx context.Context, start, end time.Time) ([]calendar.Holiday, error) {
	return tm.cal.HolidaysBetween(ctx,
		start.In(tm.tz).Format("2006-01-02"),
		end.In(tm.tz).Format("2006-01-02"),
		tm.group)
}

// ---------------------------------------------------------------------------
// Session control
// ---------------------------------------------------------------------------

// InitBacktest maps the window reference dates to trading days (each via
// FirstTradingDate) and sets the virtual clock to the mapped start's open.
// Returns the mapped window.
func (tm *TimeManager) InitBacktest(ctx context.Context, startRef, endRef time.Time) (start, end time.Time, err error) {
	if tm.mode != domain.ModeBacktest {
		return time.Time{}, time.Time{}, domain.NewConfigError("mode", "InitBacktest in %s mode", tm.mode)
	}
	start, err = tm.FirstTradingDate(ctx, startRef)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err = tm.FirstTradingDate(ctx, endRef)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, domain.NewConfigError("backtest", "window is empty after mapping: %s..%s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	sess, err := tm.TradingSessionFor(ctx, start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if err := tm.SetBacktestTime(sess.Open); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// AdvanceToMarketOpen moves the clock to the date's open (pre-market open
// when extended is set and the market has one). Backtests jump; live
// sessions sleep until the open or ctx is done.
func (tm *TimeManager) AdvanceToMarketOpen(ctx context.Context, date time.Time, extended bool) error {
	sess, err := tm.TradingSessionFor(ctx, date)
	if err != nil {
		return err
	}
	if !sess.IsTradingDay {
		return fmt.Errorf("%s is not a trading day", date.Format("2006-01-02"))
	}

	target := sess.Open
	if extended && sess.PreMarketOpen != nil {
		target = *sess.PreMarketOpen
	}

	if tm.mode == domain.ModeBacktest {
		return tm.SetBacktestTime(target)
	}

	now := time.Now().In(tm.tz)
	if !now.Before(target) {
		return nil
	}
	tm.log.Info("waiting for market open", "open", target, "wait", target.Sub(now).Round(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(target.Sub(now)):
		return nil
	}
}

// ---------------------------------------------------------------------------
// Trading minutes
// ---------------------------------------------------------------------------

// MinutesBetween sums the whole regular-session minutes overlapping
// [from, to]. Early closes and holidays are respected. Results are cached
// per (from, to, group) span.
func (tm *TimeManager) MinutesBetween(ctx context.Context, from, to time.Time) (int, error) {
	if !to.After(from) {
		return 0, nil
	}
	key := fmt.Sprintf("%d/%d/%s", from.Unix(), to.Unix(), tm.group)

	tm.cacheMu.Lock()
	if m, ok := tm.minutes.get(key); ok {
		tm.cacheMu.Unlock()
		return m, nil
	}
	tm.cacheMu.Unlock()

	total := 0
	for d := from.In(tm.tz); ; d = d.AddDate(0, 0, 1) {
		y, m, day := d.Date()
		midnight := time.Date(y, m, day, 0, 0, 0, 0, tm.tz)
		if midnight.After(to.In(tm.tz)) {
			break
		}
		sess, err := tm.TradingSessionFor(ctx, midnight)
		if err != nil {
			return 0, err
		}
		if !sess.IsTradingDay {
			continue
		}
		lo, hi := sess.Open, sess.Close
		if from.After(lo) {
			lo = from
		}
		if to.Before(hi) {
			hi = to
		}
		if hi.After(lo) {
			total += int(hi.Sub(lo) / time.Minute)
		}
	}

	tm.cacheMu.Lock()
	tm.minutes.put(key, total)
	tm.cacheMu.Unlock()
	return total, nil
}
