package calendar

import "context"

// USEquityHours is the market_hours row for US equity exchanges.
var USEquityHours = MarketHours{
	ExchangeGroup:   "US_EQUITY",
	AssetClass:      "EQUITY",
	Exchanges:       []string{"NYSE", "NASDAQ", "ARCA", "AMEX", "BATS"},
	Timezone:        "America/New_York",
	RegularOpen:     "09:30",
	RegularClose:    "16:00",
	PreMarketOpen:   "04:00",
	PostMarketClose: "20:00",
}

// usHolidays2025 is the NYSE holiday calendar for 2025, including early
// closes. Live deployments refresh this from the Alpaca calendar API.
var usHolidays2025 = []Holiday{
	{Date: "2025-01-01", HolidayName: "New Year's Day", IsClosed: true},
	{Date: "2025-01-09", HolidayName: "National Day of Mourning", IsClosed: true},
	{Date: "2025-01-20", HolidayName: "Martin Luther King Jr. Day", IsClosed: true},
	{Date: "2025-02-17", HolidayName: "Washington's Birthday", IsClosed: true},
	{Date: "2025-04-18", HolidayName: "Good Friday", IsClosed: true},
	{Date: "2025-05-26", HolidayName: "Memorial Day", IsClosed: true},
	{Date: "2025-06-19", HolidayName: "Juneteenth", IsClosed: true},
	{Date: "2025-07-03", HolidayName: "Independence Day (early close)", EarlyCloseTime: "13:00"},
	{Date: "2025-07-04", HolidayName: "Independence Day", IsClosed: true},
	{Date: "2025-09-01", HolidayName: "Labor Day", IsClosed: true},
	{Date: "2025-11-27", HolidayName: "Thanksgiving Day", IsClosed: true},
	{Date: "2025-11-28", HolidayName: "Day after Thanksgiving (early close)", EarlyCloseTime: "13:00"},
	{Date: "2025-12-24", HolidayName: "Christmas Eve (early close)", EarlyCloseTime: "13:00"},
	{Date: "2025-12-25", HolidayName: "Christmas Day", IsClosed: true},
	{Date: "2026-01-01", HolidayName: "New Year's Day", IsClosed: true},
}

// SeedUSEquity writes the US equity market hours and the bundled 2025
// holiday calendar. Idempotent; existing rows are replaced.
func (s *Store) SeedUSEquity(ctx context.Context) error {
	if err := s.UpsertMarketHours(ctx, USEquityHours); err != nil {
		return err
	}
	for _, h := range usHolidays2025 {
		h.ExchangeGroup = USEquityHours.ExchangeGroup
		if err := s.UpsertHoliday(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
