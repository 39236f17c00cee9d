// Package scheduler decides which participants act on a given round.
//
// A Scheduler is a pure function of (round, roster, policy). Everything that
// can go wrong is detected when the scheduler is built, so Next never fails.
package scheduler

import (
	"fmt"

	"github.com/xiaot623/roundtable/internal/domain"
)

// Turn is the input of a scheduling decision.
type Turn struct {
	Round  int
	Roster []string
	// FinalRound is the last round of the current invocation when known in
	// advance, or -1.
	FinalRound int
}

// Scheduler returns the ordered participant ids to invoke for a turn.
type Scheduler interface {
	Next(Turn) []string
}

func rosterSet(roster []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roster))
	for _, id := range roster {
		set[id] = struct{}{}
	}
	return set
}

func requireKnown(roster map[string]struct{}, id, policy string) error {
	if _, ok := roster[id]; !ok {
		return fmt.Errorf("scheduler %s: %w %q", policy, domain.ErrUnknownParticipant, id)
	}
	return nil
}

// FixedOrder runs every configured participant every round, in the same order.
type FixedOrder struct {
	order []string
}

// NewFixedOrder validates order against roster. An empty order defaults to
// the roster order.
func NewFixedOrder(roster, order []string) (*FixedOrder, error) {
	if len(order) == 0 {
		order = roster
	}
	known := rosterSet(roster)
	for _, id := range order {
		if err := requireKnown(known, id, "fixed_order"); err != nil {
			return nil, err
		}
	}
	return &FixedOrder{order: append([]string(nil), order...)}, nil
}

// Next returns the configured order unchanged.
func (f *FixedOrder) Next(Turn) []string {
	return append([]string(nil), f.order...)
}

// Every is the cadence of one participant.
type Every struct {
	ID        string
	Period    int
	RunOnLast bool
}

// Cadence selects a participant when round % period == 0, and additionally
// on the final round for participants flagged RunOnLast.
type Cadence struct {
	entries []Every
}

// NewCadence validates the schedule against roster. Periods below 1 are
// treated as 1.
func NewCadence(roster []string, schedule []Every) (*Cadence, error) {
	known := rosterSet(roster)
	seen := make(map[string]struct{}, len(schedule))
	entries := make([]Every, 0, len(schedule))
	for _, e := range schedule {
		if err := requireKnown(known, e.ID, "cadence"); err != nil {
			return nil, err
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("scheduler cadence: participant %q listed twice", e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Period < 1 {
			e.Period = 1
		}
		entries = append(entries, e)
	}
	return &Cadence{entries: entries}, nil
}

// Next returns the participants due on t.Round in configuration order.
func (c *Cadence) Next(t Turn) []string {
	var out []string
	for _, e := range c.entries {
		due := t.Round%e.Period == 0
		if !due && e.RunOnLast && t.FinalRound >= 0 && t.Round == t.FinalRound {
			due = true
		}
		if due {
			out = append(out, e.ID)
		}
	}
	return out
}
