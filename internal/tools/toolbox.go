package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/roundtable/internal/budget"
)

var (
	// ErrBudgetDenied is the expected, silent refusal of a call over budget.
	ErrBudgetDenied = errors.New("tool call denied by budget")
	// ErrToolNotAllowed is returned for tools outside a participant's allow list.
	ErrToolNotAllowed = errors.New("tool not allowed for participant")
)

// Toolbox is the view of the tool registry a participant gets for one turn.
// Every call is admitted by the run's budget ledger, using the tool name as
// the resource id.
type Toolbox struct {
	registry *Registry
	ledger   *budget.Ledger
	allowed  map[string]struct{}
}

// NewToolbox binds a registry to a ledger. A nil or empty allowed list
// permits every registered tool.
func NewToolbox(registry *Registry, ledger *budget.Ledger, allowed []string) *Toolbox {
	var set map[string]struct{}
	if len(allowed) > 0 {
		set = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			set[name] = struct{}{}
		}
	}
	return &Toolbox{registry: registry, ledger: ledger, allowed: set}
}

func (t *Toolbox) permits(name string) bool {
	if t.allowed == nil {
		return true
	}
	_, ok := t.allowed[name]
	return ok
}

// CanCall reports whether a call to name would currently be admitted.
func (t *Toolbox) CanCall(name string) bool {
	return t.permits(name) && t.ledger.CanCall(name)
}

// Call admits and executes one tool call. A budget refusal returns
// ErrBudgetDenied without executing the tool.
func (t *Toolbox) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if !t.permits(name) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}
	if !t.registry.Has(name) {
		return nil, fmt.Errorf("no executor registered for %s", name)
	}
	if !t.ledger.TryCall(name) {
		return nil, fmt.Errorf("%w: %s", ErrBudgetDenied, name)
	}
	return t.registry.Execute(ctx, name, args)
}
