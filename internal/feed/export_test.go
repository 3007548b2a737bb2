package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"ganymede/internal/domain"
	"ganymede/internal/sessiondata"
)

func TestExporterFlushAdvancesWatermark(t *testing.T) {
	a := testAdapter(t)
	store := sessiondata.New()
	if got := store.RegisterSymbol("AAPL", domain.Interval1m, nil, sessiondata.Metadata{MeetsConfig: true}); got != sessiondata.RegisterCreated {
		t.Fatalf("RegisterSymbol = %v, want RegisterCreated", got)
	}

	// 2025-12-01 is a Monday.
	open := time.Date(2025, 12, 1, 9, 30, 0, 0, testTZ)
	for i := 0; i < 3; i++ {
		b := minuteBar("AAPL", open.Add(time.Duration(i)*time.Minute), 100+float64(i), 10)
		if err := store.AppendBar(b, domain.Interval1m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ex := NewExporter(store, a, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := ex.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	if got := store.ExportIndex("AAPL", domain.Interval1m); got != 3 {
		t.Errorf("watermark after first flush = %d, want 3", got)
	}
	readBack := func() []domain.Bar {
		t.Helper()
		got, err := a.GetBars(context.Background(), "AAPL", domain.Interval1m, open, open.Add(time.Hour))
		if err != nil {
			t.Fatalf("GetBars: %v", err)
		}
		return got
	}
	if got := readBack(); len(got) != 3 {
		t.Fatalf("exported %d bars, want 3", len(got))
	}

	// Nothing new: a second flush must not rewrite or duplicate.
	if err := ex.Flush(); err != nil {
		t.Fatalf("idle Flush: %v", err)
	}
	if got := readBack(); len(got) != 3 {
		t.Errorf("idle flush changed the store: %d bars, want 3", len(got))
	}

	// One more bar: only it crosses the watermark.
	b := minuteBar("AAPL", open.Add(3*time.Minute), 103, 10)
	if err := store.AppendBar(b, domain.Interval1m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := ex.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := store.ExportIndex("AAPL", domain.Interval1m); got != 4 {
		t.Errorf("watermark after second flush = %d, want 4", got)
	}
	got := readBack()
	if len(got) != 4 {
		t.Fatalf("exported %d bars, want 4", len(got))
	}
	if want := open.Add(3 * time.Minute); !got[3].Timestamp.Equal(want) {
		t.Errorf("last exported bar at %v, want %v", got[3].Timestamp, want)
	}
}
