package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ganymede/internal/clock"
	"ganymede/internal/config"
	"ganymede/internal/domain"
	"ganymede/internal/feed"
	"ganymede/internal/plan"
	"ganymede/internal/sessiondata"
	"ganymede/internal/strategy"
	"ganymede/internal/stream"
)

// System assembles the store, the subscription registry, the four workers
// and the channels between them from a validated config.
type System struct {
	cfg         *config.Config
	tm          *clock.TimeManager
	store       *sessiondata.Store
	registry    *stream.Registry
	plans       *planTable
	coordinator *Coordinator
	processor   *Processor
	quality     *QualityManager
	analysis    *Analysis
	metrics     *RunMetrics
	log         *slog.Logger
}

// New wires a system. The strategy registry supplies the strategies named
// in the config; an unknown name is a configuration error. sink may be
// nil, signals then go to the log.
func New(cfg *config.Config, tm *clock.TimeManager, adapter feed.Adapter,
	strategies *strategy.Registry, sink SignalSink, log *slog.Logger) (*System, error) {
	p, err := plan.Analyze(cfg)
	if err != nil {
		return nil, err
	}

	resolved := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		st, ok := strategies.Get(name)
		if !ok {
			return nil, domain.NewConfigError("strategies",
				"unknown strategy %q (have %v)", name, strategies.List())
		}
		resolved = append(resolved, st)
	}

	// The analysis engine subscribes to the union of the strategies'
	// intervals; any strategy without a preference subscribes it to all.
	var filter intervalFilter
	if len(resolved) > 0 {
		filter = make(intervalFilter)
		for _, st := range resolved {
			ivs := st.Intervals()
			if len(ivs) == 0 {
				filter = nil
				break
			}
			for _, iv := range ivs {
				filter[iv] = true
			}
		}
	}

	store := sessiondata.New()
	registry := stream.NewRegistry(log)
	plans := newPlanTable(p)
	metrics := NewRunMetrics(cfg.RunMode())
	blocking := cfg.RunMode() == domain.ModeBacktest && cfg.Speed() == 0

	procCh := make(chan stream.Notice, noticeBuffer)
	analysisCh := make(chan stream.Notice, noticeBuffer)
	inject := make(chan domain.Bar, noticeBuffer)

	live, _ := adapter.(feed.LiveAdapter)
	if cfg.RunMode() != domain.ModeLive {
		live = nil
	}

	// Live sessions are exported to the Parquet store under data_dir so a
	// live day becomes tomorrow's backtest data. Backtest runs already read
	// from that store, nothing to write back.
	var exporter *feed.Exporter
	if live != nil && cfg.Adapter.DataDir != "" {
		pq := feed.NewParquetAdapter(cfg.Adapter.DataDir, tm, tm.Timezone())
		exporter = feed.NewExporter(store, pq, log)
	}

	if sink == nil {
		sink = NewLogSink(log)
	}

	s := &System{
		cfg:      cfg,
		tm:       tm,
		store:    store,
		registry: registry,
		plans:    plans,
		metrics:  metrics,
		log:      log.With("component", "engine"),
	}
	s.coordinator = NewCoordinator(cfg, tm, store, adapter, plans, registry,
		procCh, inject, exporter, metrics, log)
	s.processor = NewProcessor(store, tm, plans, registry, procCh, analysisCh,
		filter, blocking, log)
	s.quality = NewQualityManager(store, tm, plans, live, inject, metrics,
		cfg.SessionQualityEnabled(), cfg.MaxGapRetries(), cfg.GapRetryInterval(), log)
	s.analysis = NewAnalysis(store, tm, registry, resolved, sink, analysisCh,
		metrics, log)
	return s, nil
}

// Store exposes the session store, read-only for callers.
func (s *System) Store() *sessiondata.Store { return s.store }

// Metrics exposes the run counters.
func (s *System) Metrics() *RunMetrics { return s.metrics }

// AddSymbol provisions a symbol into the active session.
func (s *System) AddSymbol(ctx context.Context, symbol, addedBy string) error {
	return s.coordinator.AddSymbolAdHoc(ctx, symbol, addedBy)
}

// Run starts the workers and blocks until the coordinator finishes or a
// worker fails. Consumers are stopped in pipeline order once the producer
// side is done, each given a bounded window to drain.
func (s *System) Run(ctx context.Context) error {
	start := time.Now()
	if err := s.analysis.Init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	procCtx, stopProcessor := context.WithCancel(gctx)
	qualCtx, stopQuality := context.WithCancel(gctx)
	analysisCtx, stopAnalysis := context.WithCancel(gctx)
	defer stopProcessor()
	defer stopQuality()
	defer stopAnalysis()

	g.Go(func() error { return ignoreCanceled(s.processor.Run(procCtx)) })
	g.Go(func() error { return ignoreCanceled(s.quality.Run(qualCtx)) })
	g.Go(func() error { return ignoreCanceled(s.analysis.Run(analysisCtx)) })

	g.Go(func() error {
		defer func() {
			// The producer is done and has already drained its consumers;
			// stop them front to back.
			stopProcessor()
			stopAnalysis()
			stopQuality()
		}()
		return ignoreCanceled(s.coordinator.Run(gctx))
	})

	err := g.Wait()
	// The quality worker is asynchronous; one last pass pins the final
	// scores at the state the run ended in.
	s.quality.rescore(context.Background())
	s.metrics.Finish(time.Since(start), s.registry.Snapshot())
	s.metrics.Log(s.log)
	if err != nil {
		return err
	}
	return ctx.Err()
}

// ignoreCanceled treats a context-cancellation return as a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
