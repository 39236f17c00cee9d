// Package participant defines the unit the engine invokes each round and
// the built-in participants available to presets.
package participant

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/tools"
)

// Capability is a flag set describing what a participant may do.
type Capability uint8

const (
	// CanCallTools grants a budget-gated toolbox on each turn.
	CanCallTools Capability = 1 << iota
	// CanControl lets the participant's actions (STOP, STEP_BACK) be applied.
	CanControl
	// CanSummarize makes a successful output replace the running summary.
	CanSummarize
)

// Has reports whether every flag in f is set.
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

func (c Capability) String() string {
	var names []string
	if c.Has(CanCallTools) {
		names = append(names, "tools")
	}
	if c.Has(CanControl) {
		names = append(names, "control")
	}
	if c.Has(CanSummarize) {
		names = append(names, "summarize")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseCapabilities converts preset capability names into a flag set.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "tools":
			c |= CanCallTools
		case "control":
			c |= CanControl
		case "summarize":
			c |= CanSummarize
		default:
			return 0, fmt.Errorf("unknown capability %q", name)
		}
	}
	return c, nil
}

// DefaultCapabilities maps the conventional roles to their capabilities.
func DefaultCapabilities(role string) Capability {
	switch role {
	case "agent":
		return CanCallTools
	case "moderator":
		return CanControl
	case "summarizer":
		return CanSummarize
	}
	return 0
}

// Participant is an opaque unit that, given read access to the run state,
// returns a structured result.
type Participant interface {
	ID() string
	Role() string
	Capabilities() Capability
	Act(ctx context.Context, turn *Turn) (Result, error)
}

// Result is what a participant produces for one turn. Content may be a
// string, a json.RawMessage or any JSON-encodable value.
type Result struct {
	Role     string
	Content  interface{}
	Metadata map[string]interface{}
	Actions  []domain.Action
}

// UserInputs is the queue of pending user messages.
type UserInputs interface {
	PopUserInput(userID string) (string, bool)
}

// Turn is the read view of the run state handed to a participant.
type Turn struct {
	RunID          string
	Round          int
	History        []domain.HistoryEntry
	RunningSummary string
	Objective      string
	Budgets        map[string]domain.BudgetCounter
	// Tools is nil for participants without CanCallTools.
	Tools  *tools.Toolbox
	Inputs UserInputs
}

// PopUserInput dequeues the next message queued for userID.
func (t *Turn) PopUserInput(userID string) (string, bool) {
	if t == nil || t.Inputs == nil {
		return "", false
	}
	return t.Inputs.PopUserInput(userID)
}

// ActFunc is the body of a function-backed participant.
type ActFunc func(ctx context.Context, turn *Turn) (Result, error)

type funcParticipant struct {
	id   string
	role string
	caps Capability
	fn   ActFunc
}

// New wraps fn as a participant.
func New(id, role string, caps Capability, fn ActFunc) Participant {
	return &funcParticipant{id: id, role: role, caps: caps, fn: fn}
}

func (p *funcParticipant) ID() string               { return p.id }
func (p *funcParticipant) Role() string             { return p.role }
func (p *funcParticipant) Capabilities() Capability { return p.caps }

func (p *funcParticipant) Act(ctx context.Context, turn *Turn) (Result, error) {
	return p.fn(ctx, turn)
}
