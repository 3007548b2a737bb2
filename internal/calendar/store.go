// Package calendar persists trading hours and holidays in SQLite and
// answers the calendar queries behind the session clock. One market_hours
// row describes an (exchange_group, asset_class) pair; trading_holidays
// holds full closures and early closes per exchange group.
package calendar

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS market_hours (
	exchange_group    TEXT NOT NULL,
	asset_class       TEXT NOT NULL,
	exchanges         TEXT NOT NULL,
	timezone          TEXT NOT NULL,
	regular_open      TEXT NOT NULL,
	regular_close     TEXT NOT NULL,
	pre_market_open   TEXT NOT NULL DEFAULT '',
	post_market_close TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (exchange_group, asset_class)
);

CREATE TABLE IF NOT EXISTS trading_holidays (
	date             TEXT NOT NULL,
	exchange_group   TEXT NOT NULL,
	holiday_name     TEXT NOT NULL,
	is_closed        INTEGER NOT NULL DEFAULT 1,
	early_close_time TEXT NOT NULL DEFAULT '',
	UNIQUE (date, exchange_group)
);
`

// MarketHours is one market_hours row. Time-of-day fields are "HH:MM"
// strings in the row's timezone; empty means the market has no such phase.
type MarketHours struct {
	ExchangeGroup   string
	AssetClass      string
	Exchanges       []string
	Timezone        string
	RegularOpen     string
	RegularClose    string
	PreMarketOpen   string
	PostMarketClose string
}

// Holiday is one trading_holidays row: either a full closure
// (IsClosed true) or an early close with the close time set.
type Holiday struct {
	Date           string
	ExchangeGroup  string
	HolidayName    string
	IsClosed       bool
	EarlyCloseTime string
}

// Store provides calendar reads and writes backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the calendar database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening calendar db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating calendar schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// market_hours
// ---------------------------------------------------------------------------

// UpsertMarketHours inserts or replaces the row for
// (mh.ExchangeGroup, mh.AssetClass).
func (s *Store) UpsertMarketHours(ctx context.Context, mh MarketHours) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_hours
			(exchange_group, asset_class, exchanges, timezone,
			 regular_open, regular_close, pre_market_open, post_market_close)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange_group, asset_class) DO UPDATE SET
			exchanges = excluded.exchanges,
			timezone = excluded.timezone,
			regular_open = excluded.regular_open,
			regular_close = excluded.regular_close,
			pre_market_open = excluded.pre_market_open,
			post_market_close = excluded.post_market_close`,
		mh.ExchangeGroup, mh.AssetClass, strings.Join(mh.Exchanges, ","),
		mh.Timezone, mh.RegularOpen, mh.RegularClose,
		mh.PreMarketOpen, mh.PostMarketClose)
	if err != nil {
		return fmt.Errorf("upserting market hours: %w", err)
	}
	return nil
}

// MarketHours returns the row for (group, class), or nil when none exists.
func (s *Store) MarketHours(ctx context.Context, group, class string) (*MarketHours, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT exchange_group, asset_class, exchanges, timezone,
		       regular_open, regular_close, pre_market_open, post_market_close
		FROM market_hours
		WHERE exchange_group = ? AND asset_class = ?`, group, class)

	var mh MarketHours
	var exchanges string
	err := row.Scan(&mh.ExchangeGroup, &mh.AssetClass, &exchanges, &mh.Timezone,
		&mh.RegularOpen, &mh.RegularClose, &mh.PreMarketOpen, &mh.PostMarketClose)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading market hours: %w", err)
	}
	if exchanges != "" {
		mh.Exchanges = strings.Split(exchanges, ",")
	}
	return &mh, nil
}

// GroupForExchange resolves an individual exchange (e.g. "NYSE") to its
// exchange group by scanning the exchanges column. Empty when unknown.
func (s *Store) GroupForExchange(ctx context.Context, exchange string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT exchange_group, exchanges FROM market_hours`)
	if err != nil {
		return "", fmt.Errorf("listing market hours: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var group, exchanges string
		if err := rows.Scan(&group, &exchanges); err != nil {
			return "", fmt.Errorf("scanning market hours: %w", err)
		}
		for _, ex := range strings.Split(exchanges, ",") {
			if strings.EqualFold(strings.TrimSpace(ex), exchange) {
				return group, nil
			}
		}
	}
	return "", rows.Err()
}

// ---------------------------------------------------------------------------
// trading_holidays
// ---------------------------------------------------------------------------

// UpsertHoliday inserts or replaces the holiday row for (h.Date, h.ExchangeGroup).
func (s *Store) UpsertHoliday(ctx context.Context, h Holiday) error {
	closed := 0
	if h.IsClosed {
		closed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_holidays
			(date, exchange_group, holiday_name, is_closed, early_close_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (date, exchange_group) DO UPDATE SET
			holiday_name = excluded.holiday_name,
			is_closed = excluded.is_closed,
			early_close_time = excluded.early_close_time`,
		h.Date, h.ExchangeGroup, h.HolidayName, closed, h.EarlyCloseTime)
	if err != nil {
		return fmt.Errorf("upserting holiday %s: %w", h.Date, err)
	}
	return nil
}

// HolidayOn returns the holiday row for (date, group), or nil when the date
// is a regular day. date is "2006-01-02".
func (s *Store) HolidayOn(ctx context.Context, date, group string) (*Holiday, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT date, exchange_group, holiday_name, is_closed, early_close_time
		FROM trading_holidays
		WHERE date = ? AND exchange_group = ?`, date, group)

	var h Holiday
	var closed int
	err := row.Scan(&h.Date, &h.ExchangeGroup, &h.HolidayName, &closed, &h.EarlyCloseTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading holiday %s: %w", date, err)
	}
	h.IsClosed = closed != 0
	return &h, nil
}

// HolidaysBetween returns holiday rows with start <= date <= end for the
// group, ordered by date.
func (s *Store) HolidaysBetween(ctx context.Context, start, end, group string) ([]Holiday, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, exchange_group, holiday_name, is_closed, early_close_time
		FROM trading_holidays
		WHERE date >= ? AND date <= ? AND exchange_group = ?
		ORDER BY date`, start, end, group)
	if err != nil {
		return nil, fmt.Errorf("listing holidays: %w", err)
	}
	defer rows.Close()

	var out []Holiday
	for rows.Next() {
		var h Holiday
		var closed int
		if err := rows.Scan(&h.Date, &h.ExchangeGroup, &h.HolidayName, &closed, &h.EarlyCloseTime); err != nil {
			return nil, fmt.Errorf("scanning holiday: %w", err)
		}
		h.IsClosed = closed != 0
		out = append(out, h)
	}
	return out, rows.Err()
}
