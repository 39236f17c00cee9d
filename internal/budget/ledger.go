// Package budget tracks per-run and per-round call counters for budgeted
// resources such as tools.
package budget

import (
	"sort"
	"sync"

	"github.com/xiaot623/roundtable/internal/domain"
)

// Limit declares the caps for one resource. Zero maxima mean unlimited.
// Minima are advisory and never block a call.
type Limit struct {
	RunMax   int `yaml:"run_max" json:"runMax,omitempty"`
	RoundMax int `yaml:"round_max" json:"roundMax,omitempty"`
	RunMin   int `yaml:"run_min" json:"runMin,omitempty"`
	RoundMin int `yaml:"round_min" json:"roundMin,omitempty"`
}

type counter struct {
	mu         sync.Mutex
	limit      Limit
	runTotal   int
	roundTotal int
}

func (c *counter) admits() bool {
	if c.limit.RunMax > 0 && c.runTotal+1 > c.limit.RunMax {
		return false
	}
	if c.limit.RoundMax > 0 && c.roundTotal+1 > c.limit.RoundMax {
		return false
	}
	return true
}

// Ledger holds counters keyed by resource id.
//
// Check-and-increment for a single resource id is serialized by that
// resource's mutex, so TryCall is safe to use from participants that run
// concurrently within one tick.
type Ledger struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

// New creates a ledger seeded with the configured limits.
func New(limits map[string]Limit) *Ledger {
	l := &Ledger{counters: make(map[string]*counter, len(limits))}
	for id, limit := range limits {
		l.counters[id] = &counter{limit: limit}
	}
	return l
}

func (l *Ledger) get(id string, create bool) *counter {
	l.mu.RLock()
	c := l.counters[id]
	l.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c = l.counters[id]; c == nil {
		c = &counter{}
		l.counters[id] = c
	}
	return c
}

// CanCall reports whether one more call to the resource would stay within
// both the run and the round maximum.
func (l *Ledger) CanCall(id string) bool {
	c := l.get(id, false)
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admits()
}

// RecordCall increments both totals for the resource. Callers must have
// received true from CanCall for the same resource within the same tick.
func (l *Ledger) RecordCall(id string) {
	c := l.get(id, true)
	c.mu.Lock()
	c.runTotal++
	c.roundTotal++
	c.mu.Unlock()
}

// TryCall performs CanCall and RecordCall as one atomic step.
func (l *Ledger) TryCall(id string) bool {
	c := l.get(id, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.admits() {
		return false
	}
	c.runTotal++
	c.roundTotal++
	return true
}

// ResetRound zeroes every round-scoped counter.
func (l *Ledger) ResetRound() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.counters {
		c.mu.Lock()
		c.roundTotal = 0
		c.mu.Unlock()
	}
}

// Counters returns a copy of every resource's counters and limits.
func (l *Ledger) Counters() map[string]domain.BudgetCounter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]domain.BudgetCounter, len(l.counters))
	for id, c := range l.counters {
		c.mu.Lock()
		out[id] = domain.BudgetCounter{
			RunTotal:   c.runTotal,
			RunMax:     c.limit.RunMax,
			RoundTotal: c.roundTotal,
			RoundMax:   c.limit.RoundMax,
			RunMin:     c.limit.RunMin,
			RoundMin:   c.limit.RoundMin,
		}
		c.mu.Unlock()
	}
	return out
}

// Counter returns the counters of a single resource.
func (l *Ledger) Counter(id string) (domain.BudgetCounter, bool) {
	c := l.get(id, false)
	if c == nil {
		return domain.BudgetCounter{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.BudgetCounter{
		RunTotal:   c.runTotal,
		RunMax:     c.limit.RunMax,
		RoundTotal: c.roundTotal,
		RoundMax:   c.limit.RoundMax,
		RunMin:     c.limit.RunMin,
		RoundMin:   c.limit.RoundMin,
	}, true
}

// Restore overwrites counters and limits for every resource present in
// saved. Resources absent from saved keep their current values.
func (l *Ledger) Restore(saved map[string]domain.BudgetCounter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, bc := range saved {
		l.counters[id] = &counter{
			limit: Limit{
				RunMax:   bc.RunMax,
				RoundMax: bc.RoundMax,
				RunMin:   bc.RunMin,
				RoundMin: bc.RoundMin,
			},
			runTotal:   bc.RunTotal,
			roundTotal: bc.RoundTotal,
		}
	}
}

// Resources lists resource ids in sorted order.
func (l *Ledger) Resources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.counters))
	for id := range l.counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
