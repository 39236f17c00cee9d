package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/roundtable/internal/domain"
)

// Params is the policy-specific parameter set from a preset.
type Params struct {
	Order    []string         `yaml:"order"`
	Schedule map[string]Entry `yaml:"schedule"`
	// ScheduleOrder preserves the declaration order of Schedule keys.
	ScheduleOrder []string `yaml:"-"`
}

// Entry is one cadence declaration. In YAML it is either a bare period
// (`moderator: 2`) or a mapping (`moderator: {every: 2, run_on_last: true}`).
type Entry struct {
	Every     int  `yaml:"every"`
	RunOnLast bool `yaml:"run_on_last"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n int
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("cadence period: %w", err)
		}
		*e = Entry{Every: n}
		return nil
	}
	type plain Entry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// UnmarshalYAML decodes params while remembering the schedule key order,
// which becomes the in-round execution order.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	type plain Params
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*p = Params(decoded)
	p.ScheduleOrder = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "schedule" || node.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		sched := node.Content[i+1]
		for j := 0; j+1 < len(sched.Content); j += 2 {
			p.ScheduleOrder = append(p.ScheduleOrder, sched.Content[j].Value)
		}
	}
	return nil
}

func (p Params) cadence() []Every {
	order := p.ScheduleOrder
	if len(order) != len(p.Schedule) {
		order = make([]string, 0, len(p.Schedule))
		for id := range p.Schedule {
			order = append(order, id)
		}
		sort.Strings(order)
	}
	out := make([]Every, 0, len(order))
	for _, id := range order {
		e, ok := p.Schedule[id]
		if !ok {
			continue
		}
		out = append(out, Every{ID: id, Period: e.Every, RunOnLast: e.RunOnLast})
	}
	return out
}

// Factory builds a scheduler for a roster.
type Factory func(roster []string, params Params) (Scheduler, error)

// Registry maps policy names to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry knows the built-in policies.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a registry with the built-in policies registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	fixed := func(roster []string, p Params) (Scheduler, error) {
		return NewFixedOrder(roster, p.Order)
	}
	cadence := func(roster []string, p Params) (Scheduler, error) {
		if len(p.Schedule) == 0 {
			every := make([]Every, 0, len(roster))
			for _, id := range roster {
				every = append(every, Every{ID: id, Period: 1})
			}
			return NewCadence(roster, every)
		}
		return NewCadence(roster, p.cadence())
	}
	_ = r.Register("round_robin", fixed)
	_ = r.Register("fixed_order", fixed)
	_ = r.Register("every_n", cadence)
	_ = r.Register("cadence", cadence)
	return r
}

// Register adds a constructor under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("scheduler name is required")
	}
	if f == nil {
		return fmt.Errorf("scheduler factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("scheduler already registered for %s", name)
	}
	r.factories[name] = f
	return nil
}

// Build resolves name and constructs the scheduler.
func (r *Registry) Build(name string, roster []string, params Params) (Scheduler, error) {
	r.mu.RLock()
	f := r.factories[name]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownScheduler, name)
	}
	return f(roster, params)
}

// Names lists registered policy names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
