// Package config loads and validates the YAML session configuration. The
// file is read once at startup; anything time-dependent (current window
// dates, session hours) is owned by the clock afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ganymede/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for one engine run.
type Config struct {
	SessionName   string   `yaml:"session_name"`
	ExchangeGroup string   `yaml:"exchange_group"`
	AssetClass    string   `yaml:"asset_class"`
	Mode          string   `yaml:"mode"`
	Backtest      Backtest `yaml:"backtest"`
	Data          Data     `yaml:"data"`
	Adapter       Adapter  `yaml:"adapter"`
	Calendar      Calendar `yaml:"calendar"`
	Logging       Logging  `yaml:"logging"`
	Strategies    []string `yaml:"strategies"`
}

// Backtest holds the replay window and pacing. The window dates are
// reference dates: the clock maps them to actual trading days.
type Backtest struct {
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
	// SpeedMultiplier is a pointer because zero is meaningful: 0 selects
	// data-driven replay, absent selects the default of 1.0.
	SpeedMultiplier *float64 `yaml:"speed_multiplier"`
	PrefetchDays    int      `yaml:"prefetch_days"`
}

// Data declares symbols, streams, historical context and gap filling.
type Data struct {
	Symbols           []string                        `yaml:"symbols"`
	Streams           []string                        `yaml:"streams"`
	Historical        Historical                      `yaml:"historical"`
	SessionIndicators map[string]SessionIndicatorSpec `yaml:"session_indicators"`
	GapFiller         GapFiller                       `yaml:"gap_filler"`
}

// SessionIndicatorSpec declares one real-time indicator recomputed by the
// data processor as bars of its interval arrive.
type SessionIndicatorSpec struct {
	Kind     string `yaml:"kind"`     // sma | ema | rsi | vwap
	Field    string `yaml:"field"`    // open | high | low | close | volume | vwap
	Interval string `yaml:"interval"` // bar interval the indicator follows
	Period   int    `yaml:"period"`   // bars in the window; 0 for vwap = whole session
}

// Historical declares trailing data loads and historical indicators.
type Historical struct {
	EnableQuality *bool                    `yaml:"enable_quality"`
	Data          []HistoricalLoad         `yaml:"data"`
	Indicators    map[string]IndicatorSpec `yaml:"indicators"`
}

// HistoricalLoad is one trailing-days load of one or more intervals.
type HistoricalLoad struct {
	TrailingDays int      `yaml:"trailing_days"`
	Intervals    []string `yaml:"intervals"`
	ApplyTo      ApplyTo  `yaml:"apply_to"`
}

// ApplyTo selects the symbols a historical load applies to: the literal
// string "all" or an explicit symbol list.
type ApplyTo struct {
	All     bool
	Symbols []string
}

// UnmarshalYAML accepts either the scalar "all" or a sequence of symbols.
func (a *ApplyTo) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s != "all" {
			return fmt.Errorf("apply_to: expected \"all\" or a symbol list, got %q", s)
		}
		*a = ApplyTo{All: true}
		return nil
	}
	var syms []string
	if err := value.Decode(&syms); err != nil {
		return err
	}
	*a = ApplyTo{Symbols: syms}
	return nil
}

// Matches reports whether the load applies to the given symbol. A zero
// ApplyTo (absent in YAML) matches everything.
func (a ApplyTo) Matches(symbol string) bool {
	if a.All || len(a.Symbols) == 0 {
		return true
	}
	for _, s := range a.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// IndicatorSpec declares one historical indicator.
type IndicatorSpec struct {
	Kind        string `yaml:"kind"`        // trailing_average | trailing_max | trailing_min
	Field       string `yaml:"field"`       // open | high | low | close | volume | vwap
	Period      string `yaml:"period"`      // trailing window, e.g. "20d"
	Granularity string `yaml:"granularity"` // daily | minute
}

// PeriodDays parses the trailing window, e.g. "20d" -> 20.
func (s IndicatorSpec) PeriodDays() (int, error) {
	iv, err := domain.ParseInterval(s.Period)
	if err != nil || iv.Unit() != 'd' {
		return 0, fmt.Errorf("period %q: want a day count like \"20d\"", s.Period)
	}
	return iv.Count(), nil
}

// GapFiller controls live-session gap recovery.
type GapFiller struct {
	// MaxRetries is a pointer so an explicit 0 (never retry) is
	// distinguishable from absent (default 5).
	MaxRetries           *int  `yaml:"max_retries"`
	RetryIntervalSeconds int   `yaml:"retry_interval_seconds"`
	EnableSessionQuality *bool `yaml:"enable_session_quality"`
}

// Adapter selects and configures the data source.
type Adapter struct {
	Kind    string `yaml:"kind"` // parquet | alpaca
	DataDir string `yaml:"data_dir"`
	Alpaca  Alpaca `yaml:"alpaca"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"` // sip | iex
}

// Calendar locates the trading-calendar database.
type Calendar struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into
// a Config, applies defaults and then environment variable overrides. Call
// Validate before using the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = string(domain.ModeBacktest)
	}
	if cfg.ExchangeGroup == "" {
		cfg.ExchangeGroup = "US_EQUITY"
	}
	if cfg.AssetClass == "" {
		cfg.AssetClass = "EQUITY"
	}
	if cfg.Backtest.SpeedMultiplier == nil {
		one := 1.0
		cfg.Backtest.SpeedMultiplier = &one
	}
	if cfg.Backtest.PrefetchDays == 0 {
		cfg.Backtest.PrefetchDays = 1
	}
	if cfg.Data.Historical.EnableQuality == nil {
		on := true
		cfg.Data.Historical.EnableQuality = &on
	}
	if cfg.Data.GapFiller.MaxRetries == nil {
		five := 5
		cfg.Data.GapFiller.MaxRetries = &five
	}
	if cfg.Data.GapFiller.RetryIntervalSeconds == 0 {
		cfg.Data.GapFiller.RetryIntervalSeconds = 60
	}
	if cfg.Data.GapFiller.EnableSessionQuality == nil {
		on := true
		cfg.Data.GapFiller.EnableSessionQuality = &on
	}
	if cfg.Adapter.Alpaca.Feed == "" {
		cfg.Adapter.Alpaca.Feed = "sip"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Adapter.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Calendar.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Adapter.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Adapter.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Adapter.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Adapter.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Adapter.Alpaca.StreamURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Adapter.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Adapter.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// RunMode returns the session mode as a domain constant.
func (c *Config) RunMode() domain.Mode { return domain.Mode(c.Mode) }

// Speed returns the backtest speed multiplier. Zero means data-driven.
func (c *Config) Speed() float64 {
	if c.Backtest.SpeedMultiplier == nil {
		return 1.0
	}
	return *c.Backtest.SpeedMultiplier
}

// MaxGapRetries returns the per-gap retry budget.
func (c *Config) MaxGapRetries() int {
	if c.Data.GapFiller.MaxRetries == nil {
		return 5
	}
	return *c.Data.GapFiller.MaxRetries
}

// GapRetryInterval returns the pause between gap-fill passes.
func (c *Config) GapRetryInterval() time.Duration {
	return time.Duration(c.Data.GapFiller.RetryIntervalSeconds) * time.Second
}

// HistoricalQualityEnabled reports whether historical quality is computed.
// When off, historical days score 100.
func (c *Config) HistoricalQualityEnabled() bool {
	return c.Data.Historical.EnableQuality == nil || *c.Data.Historical.EnableQuality
}

// SessionQualityEnabled reports whether current-session quality is computed.
func (c *Config) SessionQualityEnabled() bool {
	return c.Data.GapFiller.EnableSessionQuality == nil || *c.Data.GapFiller.EnableSessionQuality
}

// StreamIntervals splits the streams list into bar intervals and the quotes
// flag. Call Validate first; invalid entries are skipped here.
func (c *Config) StreamIntervals() (intervals []domain.Interval, quotes bool) {
	for _, s := range c.Data.Streams {
		if s == "quotes" {
			quotes = true
			continue
		}
		if iv, err := domain.ParseInterval(s); err == nil {
			intervals = append(intervals, iv)
		}
	}
	return intervals, quotes
}

// Window parses the backtest reference dates. The times are naive calendar
// dates (UTC midnight); the clock localizes them to the market timezone.
func (b Backtest) Window() (start, end time.Time, err error) {
	start, err = time.Parse("2006-01-02", b.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
	}
	end, err = time.Parse("2006-01-02", b.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
	}
	return start, end, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validFields = map[string]bool{
	"open": true, "high": true, "low": true,
	"close": true, "volume": true, "vwap": true,
}

// Validate checks the configuration for use by a session. All failures are
// *domain.ConfigError and fatal at startup.
func (c *Config) Validate() error {
	switch domain.Mode(c.Mode) {
	case domain.ModeBacktest, domain.ModeLive:
	default:
		return domain.NewConfigError("mode", "must be %q or %q, got %q",
			domain.ModeBacktest, domain.ModeLive, c.Mode)
	}

	if c.RunMode() == domain.ModeBacktest {
		start, end, err := c.Backtest.Window()
		if err != nil {
			return domain.NewConfigError("backtest", "%v", err)
		}
		if end.Before(start) {
			return domain.NewConfigError("backtest", "end_date %s before start_date %s",
				c.Backtest.EndDate, c.Backtest.StartDate)
		}
		if c.Speed() < 0 {
			return domain.NewConfigError("backtest.speed_multiplier", "must be >= 0, got %v", c.Speed())
		}
		if c.Backtest.PrefetchDays < 1 {
			return domain.NewConfigError("backtest.prefetch_days", "must be >= 1, got %d", c.Backtest.PrefetchDays)
		}
	}

	if len(c.Data.Symbols) == 0 {
		return domain.NewConfigError("data.symbols", "at least one symbol required")
	}
	seen := make(map[string]bool, len(c.Data.Symbols))
	for _, sym := range c.Data.Symbols {
		if sym == "" {
			return domain.NewConfigError("data.symbols", "empty symbol")
		}
		if seen[sym] {
			return domain.NewConfigError("data.symbols", "duplicate symbol %q", sym)
		}
		seen[sym] = true
	}

	if len(c.Data.Streams) == 0 {
		return domain.NewConfigError("data.streams", "at least one stream required")
	}
	for _, s := range c.Data.Streams {
		if s == "quotes" {
			continue
		}
		if _, err := domain.ParseInterval(s); err != nil {
			return domain.NewConfigError("data.streams", "%v", err)
		}
	}

	for i, load := range c.Data.Historical.Data {
		if load.TrailingDays < 1 {
			return domain.NewConfigError("data.historical.data",
				"entry %d: trailing_days must be >= 1, got %d", i, load.TrailingDays)
		}
		if len(load.Intervals) == 0 {
			return domain.NewConfigError("data.historical.data", "entry %d: intervals required", i)
		}
		for _, s := range load.Intervals {
			if _, err := domain.ParseInterval(s); err != nil {
				return domain.NewConfigError("data.historical.data", "entry %d: %v", i, err)
			}
		}
	}

	for name, spec := range c.Data.Historical.Indicators {
		switch spec.Kind {
		case "trailing_average", "trailing_max", "trailing_min":
		default:
			return domain.NewConfigError("data.historical.indicators",
				"%s: unknown kind %q", name, spec.Kind)
		}
		if !validFields[spec.Field] {
			return domain.NewConfigError("data.historical.indicators",
				"%s: unknown field %q", name, spec.Field)
		}
		if _, err := spec.PeriodDays(); err != nil {
			return domain.NewConfigError("data.historical.indicators", "%s: %v", name, err)
		}
		switch spec.Granularity {
		case "daily", "minute":
		default:
			return domain.NewConfigError("data.historical.indicators",
				"%s: granularity must be daily or minute, got %q", name, spec.Granularity)
		}
	}

	for name, spec := range c.Data.SessionIndicators {
		switch spec.Kind {
		case "sma", "ema", "rsi", "vwap":
		default:
			return domain.NewConfigError("data.session_indicators",
				"%s: unknown kind %q", name, spec.Kind)
		}
		if !validFields[spec.Field] {
			return domain.NewConfigError("data.session_indicators",
				"%s: unknown field %q", name, spec.Field)
		}
		if _, err := domain.ParseInterval(spec.Interval); err != nil {
			return domain.NewConfigError("data.session_indicators", "%s: %v", name, err)
		}
		if spec.Period < 1 && spec.Kind != "vwap" {
			return domain.NewConfigError("data.session_indicators",
				"%s: period must be >= 1 for %s", name, spec.Kind)
		}
	}

	if c.MaxGapRetries() < 0 {
		return domain.NewConfigError("data.gap_filler.max_retries", "must be >= 0")
	}
	if c.Data.GapFiller.RetryIntervalSeconds < 1 {
		return domain.NewConfigError("data.gap_filler.retry_interval_seconds", "must be >= 1")
	}

	switch c.Adapter.Kind {
	case "parquet":
		if c.Adapter.DataDir == "" {
			return domain.NewConfigError("adapter.data_dir", "required for the parquet adapter")
		}
	case "alpaca":
		if c.Adapter.Alpaca.APIKey == "" || c.Adapter.Alpaca.APISecret == "" {
			return domain.NewConfigError("adapter.alpaca", "api_key and api_secret required")
		}
	default:
		return domain.NewConfigError("adapter.kind", "must be parquet or alpaca, got %q", c.Adapter.Kind)
	}

	if c.Calendar.SQLitePath == "" {
		return domain.NewConfigError("calendar.sqlite_path", "required")
	}

	return nil
}
