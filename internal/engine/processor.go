package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ganymede/internal/clock"
	"ganymede/internal/domain"
	"ganymede/internal/indicator"
	"ganymede/internal/ohlc"
	"ganymede/internal/plan"
	"ganymede/internal/sessiondata"
	"ganymede/internal/stream"
)

// Processor is the data-processor worker. For each base-bar notice it
// derives every planned interval whose bucket just completed, recomputes
// the session indicators that follow the updated intervals, releases the
// coordinator's subscription, and forwards notices to the analysis engine
// for the streams it subscribes to.
type Processor struct {
	store    *sessiondata.Store
	tm       *clock.TimeManager
	plans    *planTable
	registry *stream.Registry
	in       <-chan stream.Notice
	out      chan<- stream.Notice // analysis notices
	analysis intervalFilter
	blocking bool
	log      *slog.Logger
}

// NewProcessor wires a processor between the coordinator and the analysis
// engine.
func NewProcessor(store *sessiondata.Store, tm *clock.TimeManager, plans *planTable,
	registry *stream.Registry, in <-chan stream.Notice, out chan<- stream.Notice,
	analysis intervalFilter, blocking bool, log *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		tm:       tm,
		plans:    plans,
		registry: registry,
		in:       in,
		out:      out,
		analysis: analysis,
		blocking: blocking,
		log:      log.With("worker", "processor"),
	}
}

// Run consumes notices until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-p.in:
			if err := p.handle(ctx, n); err != nil {
				return err
			}
		}
	}
}

// handle processes one base-bar notice end to end.
func (p *Processor) handle(ctx context.Context, n stream.Notice) error {
	sp, ok := p.plans.get(n.Symbol)
	if !ok {
		// Symbol removed between notice and processing.
		p.registry.Subscribe("coordinator", "processor", n.Symbol, n.Interval).Release()
		return nil
	}

	// Streams updated by this bar: the base itself plus every derived
	// bucket that just completed. Derived notices are labeled by their
	// bucket start.
	updated := []stream.Notice{n}
	for _, iv := range sp.Derived {
		bucketStart, produced, err := p.derive(ctx, n, sp.Base, iv)
		if err != nil {
			return err
		}
		if produced {
			updated = append(updated, stream.Notice{
				Symbol: n.Symbol, Interval: iv, Timestamp: bucketStart,
			})
		}
	}

	for _, u := range updated {
		p.evaluateIndicators(u.Symbol, u.Interval, sp)
	}

	// Hand the token back before fanning out so the coordinator can keep
	// streaming while analysis runs.
	p.registry.Subscribe("coordinator", "processor", n.Symbol, n.Interval).Release()

	for _, u := range updated {
		if !p.analysis.wants(u.Interval) {
			continue
		}
		if err := p.notifyAnalysis(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// derive aggregates the bucket of iv containing the new base bar when the
// bucket is complete. Returns the bucket start and whether a derived bar
// was produced.
func (p *Processor) derive(ctx context.Context, n stream.Notice, base, iv domain.Interval) (time.Time, bool, error) {
	sess, err := p.tm.TradingSessionFor(ctx, n.Timestamp)
	if err != nil {
		return time.Time{}, false, err
	}
	tz := p.tm.Timezone()

	bucketStart := ohlc.Floor(n.Timestamp, iv, tz)
	bucketEnd := ohlc.BucketEnd(bucketStart, iv, tz)
	expected := ohlc.ExpectedBaseBars(sess, iv, bucketStart, base)
	if expected == 0 {
		return bucketStart, false, nil
	}

	bucket := p.store.BarsSince(n.Symbol, base, bucketStart)
	for i, b := range bucket {
		if !b.Timestamp.Before(bucketEnd) {
			bucket = bucket[:i]
			break
		}
	}

	if len(bucket) != expected {
		// The bucket is only a skip once its last base slot has passed;
		// until then more bars are simply still due.
		last := bucketEnd
		if sess.Close.Before(last) {
			last = sess.Close
		}
		if !n.Timestamp.Add(base.Duration()).Before(last) {
			p.log.Warn("bucket incomplete, skipping",
				"symbol", n.Symbol, "interval", iv.String(),
				"bucket", bucketStart.Format(time.RFC3339),
				"observed", len(bucket), "expected", expected)
		}
		return bucketStart, false, nil
	}

	db := ohlc.Aggregate(bucket, bucketStart)
	if err := p.store.AddDerivedBar(db, iv); err != nil {
		if errors.Is(err, sessiondata.ErrDuplicateBar) {
			return bucketStart, false, nil
		}
		return bucketStart, false, err
	}
	return bucketStart, true, nil
}

// evaluateIndicators recomputes the session indicators that follow iv.
func (p *Processor) evaluateIndicators(symbol string, iv domain.Interval, sp *plan.SymbolPlan) {
	for _, si := range sp.Session {
		if si.Interval != iv {
			continue
		}
		bars := p.store.Bars(symbol, iv)
		value, ok := indicator.Evaluate(si.Kind, si.Field, si.Period, bars)
		if !ok {
			continue
		}
		if err := p.store.SetIndicator(symbol, si.Name, iv, value); err != nil {
			p.log.Warn("indicator write failed", "symbol", symbol, "name", si.Name, "err", err)
		}
	}
}

// notifyAnalysis acquires the processor->analysis subscription and sends
// the notice. Overruns are counted and the notice delivered anyway.
func (p *Processor) notifyAnalysis(ctx context.Context, n stream.Notice) error {
	sub := p.registry.Subscribe("processor", "analysis", n.Symbol, n.Interval)
	if err := sub.Acquire(ctx, p.blocking, acquireTimeout); err != nil {
		if errors.Is(err, domain.ErrOverrun) {
			p.registry.NoteOverrun(sub)
		} else {
			return err
		}
	}
	select {
	case p.out <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
