// Package stream provides producer/consumer synchronization for the
// engine's data hand-offs: one-shot ready tokens with backtest and live
// semantics, bar notices, and a registry of sync points for overrun
// accounting.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ganymede/internal/domain"
	"ganymede/internal/util"
)

// Notice tells a consumer that one item landed in the session store. The
// payload stays in the store; the notice only says where to look.
type Notice struct {
	Symbol    string
	Interval  domain.Interval // empty for quote notices
	Timestamp time.Time
	Quote     bool
}

// Subscription is a one-shot ready token between one producer and one
// consumer. The producer acquires the token before handing an item over;
// the consumer releases it when it has finished processing. A new
// subscription starts ready.
//
// In blocking mode (data-driven backtest) the producer waits for the token
// up to a timeout; a timeout means the consumer is stuck and the session
// cannot continue. In non-blocking mode (paced backtest and live) a missing
// token is an overrun: it is counted, the producer delivers anyway, and
// nothing stalls.
type Subscription struct {
	name     string
	ready    chan struct{}
	overruns atomic.Int64
}

// NewSubscription creates a ready subscription named for its sync point.
func NewSubscription(name string) *Subscription {
	s := &Subscription{name: name, ready: make(chan struct{}, 1)}
	s.ready <- struct{}{}
	return s
}

// Name returns the sync-point name.
func (s *Subscription) Name() string { return s.name }

// Overruns returns how many acquisitions found the consumer busy.
func (s *Subscription) Overruns() int64 { return s.overruns.Load() }

// Acquire takes the ready token. With blocking set it waits up to timeout
// and fails with domain.ErrTimeout; otherwise it returns domain.ErrOverrun
// immediately when the token is out, after counting the overrun.
func (s *Subscription) Acquire(ctx context.Context, blocking bool, timeout time.Duration) error {
	select {
	case <-s.ready:
		return nil
	default:
	}

	if !blocking {
		s.overruns.Add(1)
		return domain.ErrOverrun
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%s after %s: %w", s.name, timeout, domain.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release puts the token back. Idempotent; releasing an already-ready
// subscription is a no-op.
func (s *Subscription) Release() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry tracks every sync point in the engine, throttles overrun
// warnings to one per point per minute, and snapshots counters for the
// run's metrics.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	log  *slog.Logger
	warn *util.Throttle
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		subs: make(map[string]*Subscription),
		log:  log,
		warn: util.NewThrottle(time.Minute),
	}
}

// Subscribe returns the subscription for the sync point
// "producer->consumer/symbol/interval", creating it on first use.
func (r *Registry) Subscribe(producer, consumer, symbol string, iv domain.Interval) *Subscription {
	name := producer + "->" + consumer + "/" + symbol + "/" + iv.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[name]; ok {
		return s
	}
	s := NewSubscription(name)
	r.subs[name] = s
	return s
}

// NoteOverrun logs an overrun for the subscription, at most once per
// minute per sync point.
func (r *Registry) NoteOverrun(s *Subscription) {
	if r.warn.Allow(s.name) {
		r.log.Warn("consumer not ready, delivering anyway",
			"sync_point", s.name, "overruns", s.Overruns())
	}
}

// Snapshot returns the overrun count of every sync point.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.subs))
	for name, s := range r.subs {
		out[name] = s.Overruns()
	}
	return out
}

// Reset drops all sync points. Teardown between session days calls this;
// counters are snapshotted into the day's metrics first.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
}
