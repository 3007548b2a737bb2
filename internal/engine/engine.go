// Package engine wires and runs the four session workers: the coordinator
// (daily lifecycle and bar dispatch), the data processor (derived intervals
// and session indicators), the quality manager (scores and gap recovery),
// and the analysis engine (strategies and signals). Bars live in the
// sessiondata store; the channels between workers carry notices only.
package engine

import (
	"sort"
	"sync"
	"time"

	"ganymede/internal/domain"
	"ganymede/internal/plan"
)

const (
	// acquireTimeout bounds a blocking subscription wait in data-driven
	// replay. A consumer this far behind is stuck, not slow.
	acquireTimeout = 30 * time.Second

	// drainTimeout bounds the end-of-day wait for consumers to finish
	// their last item.
	drainTimeout = 5 * time.Second

	noticeBuffer = 256
)

// planTable is the concurrent view of the provisioning plan. The initial
// plan is published at startup; ad-hoc symbol additions extend it
// mid-session. Published SymbolPlans are immutable.
type planTable struct {
	mu   sync.RWMutex
	base domain.Interval
	syms map[string]*plan.SymbolPlan
}

func newPlanTable(p *plan.Plan) *planTable {
	pt := &planTable{base: p.Base, syms: make(map[string]*plan.SymbolPlan, len(p.Symbols))}
	for sym, sp := range p.Symbols {
		pt.syms[sym] = sp
	}
	return pt
}

func (pt *planTable) get(symbol string) (*plan.SymbolPlan, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	sp, ok := pt.syms[symbol]
	return sp, ok
}

func (pt *planTable) put(sp *plan.SymbolPlan) {
	pt.mu.Lock()
	pt.syms[sp.Symbol] = sp
	pt.mu.Unlock()
}

func (pt *planTable) remove(symbol string) {
	pt.mu.Lock()
	delete(pt.syms, symbol)
	pt.mu.Unlock()
}

// symbols returns the planned symbols in lexicographic order.
func (pt *planTable) symbols() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]string, 0, len(pt.syms))
	for sym := range pt.syms {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// intervalFilter selects the intervals the analysis engine subscribes to.
// A nil filter accepts everything.
type intervalFilter map[domain.Interval]bool

func (f intervalFilter) wants(iv domain.Interval) bool {
	return f == nil || f[iv]
}
