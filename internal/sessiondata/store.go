// Package sessiondata provides the shared in-memory store for one trading
// session: per-symbol bars by interval, latest-bar caches, session metrics,
// indicators, quality scores, and historical context. One writer owns each
// field family (the coordinator appends base bars, the processor derived
// bars and indicators, the quality manager scores); everyone reads through
// the same RWMutex.
package sessiondata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ganymede/internal/domain"
)

// ErrDuplicateBar reports an append whose timestamp equals the last bar's.
// The bar is dropped and counted; quality applies the duplicate penalty.
var ErrDuplicateBar = errors.New("duplicate bar timestamp")

// RegisterResult reports what RegisterSymbol did.
type RegisterResult int

const (
	RegisterCreated RegisterResult = iota
	RegisterUpgraded
	RegisterUnchanged
)

// Metadata records how a symbol entered the session.
type Metadata struct {
	AddedBy           string
	MeetsConfig       bool
	AutoProvisioned   bool
	UpgradedFromAdhoc bool
}

// SessionMetrics aggregates the base-bar stream for one symbol.
type SessionMetrics struct {
	Volume     int64
	High       float64
	Low        float64
	LastUpdate time.Time
}

// IndicatorValue is one historical indicator result for one date: a scalar
// for daily granularity, or one value per regular-session minute for
// minute granularity.
type IndicatorValue struct {
	Scalar float64
	Minute []float64
}

// intervalData holds the bars of one (symbol, interval) stream.
type intervalData struct {
	derived    bool
	base       domain.Interval // source interval when derived
	bars       []domain.Bar
	latest     *domain.Bar
	quality    float64
	hasQuality bool
	gaps       []domain.GapInfo
	updated    bool
	dupCount   int
	exported   int // bars already flushed by the exporter
}

// symbolData is everything the store tracks for one symbol.
type symbolData struct {
	intervals map[domain.Interval]*intervalData
	metrics   SessionMetrics
	// indicators are keyed "name/interval"; real-time values only.
	indicators map[string]float64
	// histBars[interval][date] and histIndicators[name][date].
	histBars       map[domain.Interval]map[string][]domain.Bar
	histIndicators map[string]map[string]IndicatorValue
	latestQuote    *domain.Quote
	quoteCount     int
	meta           Metadata
}

func newSymbolData(meta Metadata) *symbolData {
	return &symbolData{
		intervals:      make(map[domain.Interval]*intervalData),
		indicators:     make(map[string]float64),
		histBars:       make(map[domain.Interval]map[string][]domain.Bar),
		histIndicators: make(map[string]map[string]IndicatorValue),
		meta:           meta,
	}
}

// Store is the session-wide data store. Construct once per engine with New
// and share by pointer.
type Store struct {
	mu          sync.RWMutex
	active      bool
	sessionDate time.Time
	symbols     map[string]*symbolData

	// arrival wakes sleepers (the quality manager) after base-bar appends.
	// Buffered by one; sends never block, wakeups coalesce.
	arrival chan struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		symbols: make(map[string]*symbolData),
		arrival: make(chan struct{}, 1),
	}
}

// Arrival returns the channel that ticks after every base-bar append.
// Receivers must treat a tick as "something arrived", not one-per-bar.
func (s *Store) Arrival() <-chan struct{} { return s.arrival }

func (s *Store) signalArrival() {
	select {
	case s.arrival <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// SetSession marks the session active for the given date, or inactive.
func (s *Store) SetSession(date time.Time, active bool) {
	s.mu.Lock()
	s.sessionDate = date
	s.active = active
	s.mu.Unlock()
}

// Session returns the current session date and whether it is active.
func (s *Store) Session() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionDate, s.active
}

// ClearAll drops every symbol and all session state. Teardown calls this;
// the next provisioning pass rebuilds registrations from scratch.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.symbols = make(map[string]*symbolData)
	s.active = false
	s.mu.Unlock()
}

// ClearSessionBars drops the current session's bars, quotes and metrics
// for every symbol, keeping registrations, quality and historical context.
func (s *Store) ClearSessionBars() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sd := range s.symbols {
		for _, id := range sd.intervals {
			id.bars = nil
			id.latest = nil
			id.updated = false
			id.dupCount = 0
			id.exported = 0
		}
		sd.metrics = SessionMetrics{}
		sd.indicators = make(map[string]float64)
		sd.latestQuote = nil
		sd.quoteCount = 0
	}
}

// ClearHistoricalBars drops all historical bars and indicator values.
func (s *Store) ClearHistoricalBars() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sd := range s.symbols {
		sd.histBars = make(map[domain.Interval]map[string][]domain.Bar)
		sd.histIndicators = make(map[string]map[string]IndicatorValue)
	}
}

// RemoveSymbol atomically removes one symbol and everything keyed by it.
func (s *Store) RemoveSymbol(symbol string) {
	s.mu.Lock()
	delete(s.symbols, symbol)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// RegisterSymbol creates the symbol with one base stream and its derived
// intervals. Registering an existing symbol is an upgrade: missing
// intervals are added without touching existing bars, and metadata is
// merged (an ad-hoc symbol can be upgraded to a config-backed one).
func (s *Store) RegisterSymbol(symbol string, base domain.Interval, derived []domain.Interval, meta Metadata) RegisterResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.symbols[symbol]
	if !ok {
		sd = newSymbolData(meta)
		sd.intervals[base] = &intervalData{}
		for _, iv := range derived {
			if iv == base {
				continue
			}
			sd.intervals[iv] = &intervalData{derived: true, base: base}
		}
		s.symbols[symbol] = sd
		return RegisterCreated
	}

	changed := false
	if _, ok := sd.intervals[base]; !ok {
		sd.intervals[base] = &intervalData{}
		changed = true
	}
	for _, iv := range derived {
		if iv == base {
			continue
		}
		if _, ok := sd.intervals[iv]; !ok {
			sd.intervals[iv] = &intervalData{derived: true, base: base}
			changed = true
		}
	}
	if !sd.meta.MeetsConfig && meta.MeetsConfig {
		sd.meta.MeetsConfig = true
		sd.meta.UpgradedFromAdhoc = sd.meta.AutoProvisioned
		changed = true
	}
	if changed {
		return RegisterUpgraded
	}
	return RegisterUnchanged
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (s *Store) interval(symbol string, iv domain.Interval) (*intervalData, error) {
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not registered", symbol)
	}
	id, ok := sd.intervals[iv]
	if !ok {
		return nil, fmt.Errorf("interval %s not registered for %s", iv, symbol)
	}
	return id, nil
}

// AppendBar appends a base bar. Timestamps must be strictly increasing:
// an equal timestamp is dropped, counted, and reported as ErrDuplicateBar;
// an earlier timestamp breaks the ordering invariant and is critical.
// Session metrics, the latest cache and the arrival event are updated.
func (s *Store) AppendBar(bar domain.Bar, iv domain.Interval) error {
	s.mu.Lock()
	id, err := s.interval(bar.Symbol, iv)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := appendChecked(id, bar, iv); err != nil {
		s.mu.Unlock()
		return err
	}

	sd := s.symbols[bar.Symbol]
	m := &sd.metrics
	m.Volume += bar.Volume
	if m.High == 0 || bar.High > m.High {
		m.High = bar.High
	}
	if m.Low == 0 || bar.Low < m.Low {
		m.Low = bar.Low
	}
	m.LastUpdate = bar.Timestamp
	s.mu.Unlock()

	s.signalArrival()
	return nil
}

// InsertBar places a recovered base bar at its sorted position. Gap
// refills deliver bars behind the stream head, so unlike AppendBar an
// earlier timestamp is legal here; an existing timestamp is still a
// duplicate. Session metrics and the arrival event are updated.
func (s *Store) InsertBar(bar domain.Bar, iv domain.Interval) error {
	s.mu.Lock()
	id, err := s.interval(bar.Symbol, iv)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := insertSorted(id, bar); err != nil {
		s.mu.Unlock()
		return err
	}

	sd := s.symbols[bar.Symbol]
	m := &sd.metrics
	m.Volume += bar.Volume
	if m.High == 0 || bar.High > m.High {
		m.High = bar.High
	}
	if m.Low == 0 || bar.Low < m.Low {
		m.Low = bar.Low
	}
	s.mu.Unlock()

	s.signalArrival()
	return nil
}

// AddDerivedBar stores a derived bar produced by the processor. Inserted
// at its sorted position: a bucket completed late by a gap refill lands
// behind buckets already produced. Session metrics are base-only so they
// are not touched.
func (s *Store) AddDerivedBar(bar domain.Bar, iv domain.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.interval(bar.Symbol, iv)
	if err != nil {
		return err
	}
	return insertSorted(id, bar)
}

func appendChecked(id *intervalData, bar domain.Bar, iv domain.Interval) error {
	if n := len(id.bars); n > 0 {
		last := id.bars[n-1].Timestamp
		if bar.Timestamp.Equal(last) {
			id.dupCount++
			return ErrDuplicateBar
		}
		if bar.Timestamp.Before(last) {
			return &domain.CriticalError{
				Op: "append " + bar.Symbol + "/" + iv.String(),
				Detail: fmt.Sprintf("timestamp %s not after last %s",
					bar.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339)),
			}
		}
	}
	id.bars = append(id.bars, bar)
	id.latest = &id.bars[len(id.bars)-1]
	id.updated = true
	return nil
}

func insertSorted(id *intervalData, bar domain.Bar) error {
	n := len(id.bars)
	if n == 0 || id.bars[n-1].Timestamp.Before(bar.Timestamp) {
		id.bars = append(id.bars, bar)
	} else {
		i := sort.Search(n, func(i int) bool {
			return !id.bars[i].Timestamp.Before(bar.Timestamp)
		})
		if i < n && id.bars[i].Timestamp.Equal(bar.Timestamp) {
			id.dupCount++
			return ErrDuplicateBar
		}
		// Readers hold sub-slices of the current backing array after the
		// lock is gone; shifting in place would rewrite bars under them.
		// Insert into a fresh array and leave the old one as it was.
		merged := make([]domain.Bar, n+1)
		copy(merged, id.bars[:i])
		merged[i] = bar
		copy(merged[i+1:], id.bars[i:])
		id.bars = merged
	}
	id.latest = &id.bars[len(id.bars)-1]
	id.updated = true
	return nil
}

// AddQuote records the latest quote for the symbol.
func (s *Store) AddQuote(q domain.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[q.Symbol]
	if !ok {
		return fmt.Errorf("symbol %s not registered", q.Symbol)
	}
	sd.latestQuote = &q
	sd.quoteCount++
	return nil
}

// SetIndicator stores a real-time indicator value for (symbol, name, interval).
func (s *Store) SetIndicator(symbol, name string, iv domain.Interval, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not registered", symbol)
	}
	sd.indicators[name+"/"+iv.String()] = value
	return nil
}

// SetQuality stores the quality score and gap list for (symbol, interval).
func (s *Store) SetQuality(symbol string, iv domain.Interval, quality float64, gaps []domain.GapInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return err
	}
	id.quality = quality
	id.hasQuality = true
	id.gaps = gaps
	return nil
}

// SetHistoricalBars stores immutable historical bars for one past date.
func (s *Store) SetHistoricalBars(symbol string, iv domain.Interval, date string, bars []domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not registered", symbol)
	}
	byDate, ok := sd.histBars[iv]
	if !ok {
		byDate = make(map[string][]domain.Bar)
		sd.histBars[iv] = byDate
	}
	byDate[date] = bars
	return nil
}

// SetHistoricalIndicator stores one historical indicator value for a date.
func (s *Store) SetHistoricalIndicator(symbol, name, date string, v IndicatorValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not registered", symbol)
	}
	byDate, ok := sd.histIndicators[name]
	if !ok {
		byDate = make(map[string]IndicatorValue)
		sd.histIndicators[name] = byDate
	}
	byDate[date] = v
	return nil
}

// MarkExported advances the exporter watermark for (symbol, interval).
func (s *Store) MarkExported(symbol string, iv domain.Interval, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return err
	}
	id.exported = count
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------
//
// Slice-returning readers hand out views of the live backing arrays, not
// copies. Bars already appended never mutate, so views stay valid; callers
// must not modify them.

// LatestBar returns the most recent bar for (symbol, interval), O(1).
func (s *Store) LatestBar(symbol string, iv domain.Interval) (domain.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil || id.latest == nil {
		return domain.Bar{}, false
	}
	return *id.latest, true
}

// LatestBarsMulti returns the latest bar for each symbol under one lock.
// Prefer it over per-symbol LatestBar calls when reading several symbols.
func (s *Store) LatestBarsMulti(symbols []string, iv domain.Interval) map[string]domain.Bar {
	out := make(map[string]domain.Bar, len(symbols))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sym := range symbols {
		if id, err := s.interval(sym, iv); err == nil && id.latest != nil {
			out[sym] = *id.latest
		}
	}
	return out
}

// LastNBars returns the most recent n bars, fewer when the stream is
// shorter.
func (s *Store) LastNBars(symbol string, iv domain.Interval, n int) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil || n <= 0 {
		return nil
	}
	if n > len(id.bars) {
		n = len(id.bars)
	}
	return id.bars[len(id.bars)-n:]
}

// BarsSince returns the bars with Timestamp >= t, located by binary search.
func (s *Store) BarsSince(symbol string, iv domain.Interval, t time.Time) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return nil
	}
	i := sort.Search(len(id.bars), func(i int) bool {
		return !id.bars[i].Timestamp.Before(t)
	})
	return id.bars[i:]
}

// Bars returns the whole stream.
func (s *Store) Bars(symbol string, iv domain.Interval) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return nil
	}
	return id.bars
}

// BarCount returns the number of bars in the stream.
func (s *Store) BarCount(symbol string, iv domain.Interval) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return 0
	}
	return len(id.bars)
}

// DuplicateCount returns how many duplicate appends were dropped.
func (s *Store) DuplicateCount(symbol string, iv domain.Interval) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return 0
	}
	return id.dupCount
}

// Quality returns the stored quality score for (symbol, interval).
func (s *Store) Quality(symbol string, iv domain.Interval) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil || !id.hasQuality {
		return 0, false
	}
	return id.quality, true
}

// Gaps returns the recorded gaps for (symbol, interval).
func (s *Store) Gaps(symbol string, iv domain.Interval) []domain.GapInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return nil
	}
	return id.gaps
}

// Indicator returns the real-time indicator value for (symbol, name, interval).
func (s *Store) Indicator(symbol, name string, iv domain.Interval) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return 0, false
	}
	v, ok := sd.indicators[name+"/"+iv.String()]
	return v, ok
}

// HistoricalBars returns the stored bars for one past date.
func (s *Store) HistoricalBars(symbol string, iv domain.Interval, date string) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return sd.histBars[iv][date]
}

// HistoricalDates lists the dates with stored historical bars, ascending.
func (s *Store) HistoricalDates(symbol string, iv domain.Interval) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	dates := make([]string, 0, len(sd.histBars[iv]))
	for d := range sd.histBars[iv] {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// HistoricalIndicator returns one historical indicator value.
func (s *Store) HistoricalIndicator(symbol, name, date string) (IndicatorValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return IndicatorValue{}, false
	}
	v, ok := sd.histIndicators[name][date]
	return v, ok
}

// LatestQuote returns the most recent quote and how many arrived.
func (s *Store) LatestQuote(symbol string) (domain.Quote, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok || sd.latestQuote == nil {
		return domain.Quote{}, 0
	}
	return *sd.latestQuote, sd.quoteCount
}

// Metrics returns the session metrics for a symbol.
func (s *Store) Metrics(symbol string) (SessionMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return SessionMetrics{}, false
	}
	return sd.metrics, true
}

// Metadata returns the registration metadata for a symbol.
func (s *Store) Metadata(symbol string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return Metadata{}, false
	}
	return sd.meta, true
}

// Symbols lists registered symbols in lexicographic order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Intervals lists a symbol's registered intervals, shortest first.
func (s *Store) Intervals(symbol string) []domain.Interval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]domain.Interval, 0, len(sd.intervals))
	for iv := range sd.intervals {
		out = append(out, iv)
	}
	domain.SortIntervals(out)
	return out
}

// IsDerived reports whether the interval is derived for the symbol, and
// its base interval when it is.
func (s *Store) IsDerived(symbol string, iv domain.Interval) (bool, domain.Interval) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return false, ""
	}
	return id.derived, id.base
}

// ExportIndex returns the exporter watermark for (symbol, interval).
func (s *Store) ExportIndex(symbol string, iv domain.Interval) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.interval(symbol, iv)
	if err != nil {
		return 0
	}
	return id.exported
}
