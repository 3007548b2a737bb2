package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ganymede/internal/clock"
	"ganymede/internal/domain"
	"ganymede/internal/sessiondata"
	"ganymede/internal/strategy"
	"ganymede/internal/stream"
)

// SignalSink receives the signals strategies emit. Routing them further
// (orders, persistence) is outside the engine.
type SignalSink interface {
	Publish(sig domain.Signal)
}

// LogSink logs every signal. The default sink.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink logging through the given logger.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With("component", "signals")}
}

// Publish logs the signal.
func (s *LogSink) Publish(sig domain.Signal) {
	s.log.Info("signal",
		"id", sig.ID,
		"strategy", sig.StrategyID,
		"symbol", sig.Symbol,
		"type", string(sig.Type),
		"strength", sig.Strength,
	)
}

// Analysis is the analysis-engine worker. It consumes processor notices
// for the streams its strategies subscribe to, reads session state by
// reference, runs the strategies, stamps and publishes their signals, and
// releases the processor's subscription.
type Analysis struct {
	store      *sessiondata.Store
	tm         *clock.TimeManager
	registry   *stream.Registry
	strategies []strategy.Strategy
	sink       SignalSink
	in         <-chan stream.Notice
	metrics    *RunMetrics
	log        *slog.Logger

	// slowdown is a test hook: a pause before each notice, simulating an
	// expensive strategy.
	slowdown time.Duration
}

// NewAnalysis wires the analysis worker.
func NewAnalysis(store *sessiondata.Store, tm *clock.TimeManager, registry *stream.Registry,
	strategies []strategy.Strategy, sink SignalSink, in <-chan stream.Notice,
	metrics *RunMetrics, log *slog.Logger) *Analysis {
	return &Analysis{
		store:      store,
		tm:         tm,
		registry:   registry,
		strategies: strategies,
		sink:       sink,
		in:         in,
		metrics:    metrics,
		log:        log.With("worker", "analysis"),
	}
}

// Init runs every strategy's one-time setup.
func (a *Analysis) Init(ctx context.Context) error {
	for _, st := range a.strategies {
		if err := st.Init(ctx, a.store); err != nil {
			return fmt.Errorf("strategy %s init: %w", st.Name(), err)
		}
	}
	return nil
}

// Run consumes notices until ctx is done.
func (a *Analysis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-a.in:
			a.handle(ctx, n)
		}
	}
}

func (a *Analysis) handle(ctx context.Context, n stream.Notice) {
	if a.slowdown > 0 {
		select {
		case <-time.After(a.slowdown):
		case <-ctx.Done():
		}
	}
	defer a.registry.Subscribe("processor", "analysis", n.Symbol, n.Interval).Release()

	bar, ok := a.barFor(n)
	if !ok {
		return
	}

	now, err := a.tm.Now()
	if err != nil {
		now = time.Now()
	}

	for _, st := range a.strategies {
		if !strategy.Wants(st, n.Interval) {
			continue
		}
		signals, err := st.OnBar(ctx, a.store, bar, n.Interval)
		if err != nil {
			a.log.Warn("strategy failed",
				"strategy", st.Name(), "symbol", n.Symbol, "err", err)
			continue
		}
		for _, sig := range signals {
			sig.ID = uuid.NewString()
			sig.CreatedAt = now
			a.sink.Publish(sig)
			a.metrics.AddSignals(1)
		}
	}
}

// barFor locates the noticed bar. Under overruns the store may already be
// ahead; the notice timestamp pins the bar the strategies see.
func (a *Analysis) barFor(n stream.Notice) (domain.Bar, bool) {
	bars := a.store.BarsSince(n.Symbol, n.Interval, n.Timestamp)
	if len(bars) == 0 || !bars[0].Timestamp.Equal(n.Timestamp) {
		return domain.Bar{}, false
	}
	return bars[0], true
}
