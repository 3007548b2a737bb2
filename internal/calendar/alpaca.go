package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// CalendarAPI is the slice of the Alpaca trading client used for calendar
// sync. *alpaca.Client satisfies it.
type CalendarAPI interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

var _ CalendarAPI = (*alpaca.Client)(nil)

// SyncFromAlpaca refreshes trading_holidays for the group from the Alpaca
// trading calendar between start and end. Weekdays absent from the API
// response are upserted as full closures; trading days whose close differs
// from the regular close are upserted as early closes. Returns the number
// of rows written. Rows are never deleted.
func (s *Store) SyncFromAlpaca(ctx context.Context, api CalendarAPI, group, class string, start, end time.Time) (int, error) {
	mh, err := s.MarketHours(ctx, group, class)
	if err != nil {
		return 0, err
	}
	if mh == nil {
		return 0, fmt.Errorf("no market hours for %s/%s; seed them first", group, class)
	}

	days, err := api.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return 0, fmt.Errorf("GetCalendar: %w", err)
	}

	open := make(map[string]alpaca.CalendarDay, len(days))
	for _, d := range days {
		open[d.Date] = d
	}

	written := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		date := d.Format("2006-01-02")
		day, trading := open[date]
		switch {
		case !trading:
			// The API does not name holidays; keep any existing name.
			existing, err := s.HolidayOn(ctx, date, group)
			if err != nil {
				return written, err
			}
			name := "market holiday"
			if existing != nil && existing.HolidayName != "" {
				name = existing.HolidayName
			}
			err = s.UpsertHoliday(ctx, Holiday{
				Date: date, ExchangeGroup: group, HolidayName: name, IsClosed: true,
			})
			if err != nil {
				return written, err
			}
			written++
		case day.Close != mh.RegularClose:
			err := s.UpsertHoliday(ctx, Holiday{
				Date: date, ExchangeGroup: group,
				HolidayName:    "early close",
				EarlyCloseTime: day.Close,
			})
			if err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}
