package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ganymede/internal/domain"
)

// RunMetrics accumulates counters over one engine run: per-phase timings,
// bars streamed, trading days, and the overrun count of every sync point.
// The coordinator is the only writer during the run; Finish seals the
// struct after all workers have stopped.
type RunMetrics struct {
	mu sync.Mutex

	RunID string
	Mode  domain.Mode

	TradingDays  int
	BarsStreamed int64
	QuotesSent   int64
	BarsRefilled int64
	SignalsSent  int64

	HistoricalLoad time.Duration
	Streaming      time.Duration
	Wall           time.Duration

	Overruns map[string]int64
}

// NewRunMetrics creates metrics for a run with a fresh run ID.
func NewRunMetrics(mode domain.Mode) *RunMetrics {
	return &RunMetrics{
		RunID:    uuid.NewString(),
		Mode:     mode,
		Overruns: make(map[string]int64),
	}
}

// AddDay records one completed trading day with its phase timings.
func (m *RunMetrics) AddDay(historicalLoad, streaming time.Duration) {
	m.mu.Lock()
	m.TradingDays++
	m.HistoricalLoad += historicalLoad
	m.Streaming += streaming
	m.mu.Unlock()
}

// AddBars records streamed base bars.
func (m *RunMetrics) AddBars(n int64) {
	m.mu.Lock()
	m.BarsStreamed += n
	m.mu.Unlock()
}

// AddQuotes records delivered quotes.
func (m *RunMetrics) AddQuotes(n int64) {
	m.mu.Lock()
	m.QuotesSent += n
	m.mu.Unlock()
}

// AddRefilled records gap-recovered bars.
func (m *RunMetrics) AddRefilled(n int64) {
	m.mu.Lock()
	m.BarsRefilled += n
	m.mu.Unlock()
}

// AddSignals records emitted strategy signals.
func (m *RunMetrics) AddSignals(n int64) {
	m.mu.Lock()
	m.SignalsSent += n
	m.mu.Unlock()
}

// MergeOverruns folds a sync-point snapshot into the run totals. Teardown
// calls this before resetting the subscription registry so per-day counters
// survive into the run summary.
func (m *RunMetrics) MergeOverruns(snapshot map[string]int64) {
	m.mu.Lock()
	for name, n := range snapshot {
		if n > 0 {
			m.Overruns[name] += n
		}
	}
	m.mu.Unlock()
}

// TotalOverruns sums the per-sync-point counters.
func (m *RunMetrics) TotalOverruns() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, n := range m.Overruns {
		total += n
	}
	return total
}

// Finish records the wall duration and the final overrun snapshot.
func (m *RunMetrics) Finish(wall time.Duration, snapshot map[string]int64) {
	m.MergeOverruns(snapshot)
	m.mu.Lock()
	m.Wall = wall
	m.mu.Unlock()
}

// Log writes the run summary.
func (m *RunMetrics) Log(log *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Info("run complete",
		"run_id", m.RunID,
		"mode", string(m.Mode),
		"trading_days", m.TradingDays,
		"bars", m.BarsStreamed,
		"quotes", m.QuotesSent,
		"refilled", m.BarsRefilled,
		"signals", m.SignalsSent,
		"historical_load", m.HistoricalLoad.Round(time.Millisecond),
		"streaming", m.Streaming.Round(time.Millisecond),
		"wall", m.Wall.Round(time.Millisecond),
	)
	for name, n := range m.Overruns {
		log.Info("sync point overruns", "sync_point", name, "count", n)
	}
}
