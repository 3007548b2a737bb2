package feed

import (
	"fmt"
	"log/slog"

	"ganymede/internal/domain"
	"ganymede/internal/sessiondata"
)

// Exporter writes session bars back into the Parquet store so a live day
// becomes tomorrow's backtest data. Only natively stored intervals are
// exported; derived intervals can always be rebuilt from them.
type Exporter struct {
	store *sessiondata.Store
	pq    *ParquetAdapter
	log   *slog.Logger
}

// NewExporter creates an exporter writing through the Parquet adapter.
func NewExporter(store *sessiondata.Store, pq *ParquetAdapter, log *slog.Logger) *Exporter {
	return &Exporter{store: store, pq: pq, log: log.With("component", "exporter")}
}

// Flush writes every bar past the export watermark for each symbol's 1m
// and 1d series, then advances the watermarks. Safe to call repeatedly;
// already-exported bars are skipped and the Parquet writes deduplicate.
func (e *Exporter) Flush() error {
	for _, symbol := range e.store.Symbols() {
		for _, iv := range []domain.Interval{domain.Interval1m, domain.Interval1d} {
			if err := e.flushSeries(symbol, iv); err != nil {
				return fmt.Errorf("export %s %s: %w", symbol, iv, err)
			}
		}
	}
	return nil
}

func (e *Exporter) flushSeries(symbol string, iv domain.Interval) error {
	bars := e.store.Bars(symbol, iv)
	from := e.store.ExportIndex(symbol, iv)
	if from >= len(bars) {
		return nil
	}
	pending := bars[from:]
	if err := e.pq.WriteBars(pending, iv); err != nil {
		return err
	}
	if err := e.store.MarkExported(symbol, iv, len(bars)); err != nil {
		return err
	}
	e.log.Info("exported bars",
		"symbol", symbol, "interval", string(iv), "count", len(pending))
	return nil
}
