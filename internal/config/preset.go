package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/roundtable/internal/budget"
	"github.com/xiaot623/roundtable/internal/contracts"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/scheduler"
)

const (
	// DefaultHistoryWindow is the context window used when neither the preset
	// nor HISTORY_WINDOW sets one.
	DefaultHistoryWindow = 20

	defaultScheduler = "round_robin"
)

// Participant kinds.
const (
	KindRemote = "remote"
	KindUser   = "user"
	KindEcho   = "echo"
)

// Commit strategies accepted in runtime.commit.
const (
	CommitImmediate = "immediate"
	CommitBuffered  = "buffered"
)

var knownCapabilities = map[string]bool{"tools": true, "control": true, "summarize": true}

// ParticipantSpec declares one roster member.
type ParticipantSpec struct {
	ID       string `yaml:"id"`
	Role     string `yaml:"role"`
	Kind     string `yaml:"kind,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	// Capabilities overrides the defaults derived from the role.
	Capabilities []string `yaml:"capabilities,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	// Content and Tool drive echo participants.
	Content string `yaml:"content,omitempty"`
	Tool    string `yaml:"tool,omitempty"`
}

// SchedulerSpec selects a registered scheduler by name.
type SchedulerSpec struct {
	Impl   string           `yaml:"impl"`
	Params scheduler.Params `yaml:"params"`
}

// RuntimeSpec holds per-run engine flags. They are read once when the run
// is built.
type RuntimeSpec struct {
	FailFast bool `yaml:"fail_fast"`
	// HistoryWindow of zero uses the server default.
	HistoryWindow int    `yaml:"history_window"`
	Commit        string `yaml:"commit"`
	MaxRounds     int    `yaml:"max_rounds"`
}

// Preset is a declarative run definition. Objective seeds the run objective,
// which callers may replace between rounds.
type Preset struct {
	ID           string                            `yaml:"id"`
	Description  string                            `yaml:"description,omitempty"`
	Objective    string                            `yaml:"objective,omitempty"`
	Participants []ParticipantSpec                 `yaml:"participants"`
	Scheduler    SchedulerSpec                     `yaml:"scheduler"`
	Budgets      map[string]budget.Limit           `yaml:"budgets,omitempty"`
	Contracts    map[string]contracts.Requirements `yaml:"contracts,omitempty"`
	Runtime      RuntimeSpec                       `yaml:"runtime"`
}

// ParsePresetYAML decodes and normalizes a preset document.
func ParsePresetYAML(data []byte) (*Preset, error) {
	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPreset, err)
	}
	return p.Normalized()
}

// LoadPresetFile reads a preset file. A preset without an id takes the file
// name without extension.
func LoadPresetFile(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset %s: %w", path, err)
	}
	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPreset, path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p.Normalized()
}

// LoadPresetDir loads every *.yaml and *.yml file of dir. A missing
// directory yields no presets.
func LoadPresetDir(dir string) (map[string]*Preset, error) {
	presets := make(map[string]*Preset)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return presets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preset dir: %w", err)
	}
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		p, err := LoadPresetFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := presets[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate preset id %q", domain.ErrInvalidPreset, p.ID)
		}
		presets[p.ID] = p
	}
	return presets, nil
}

// Normalized returns a copy with defaults filled in, or an error wrapping
// domain.ErrInvalidPreset.
func (p Preset) Normalized() (*Preset, error) {
	out := p
	out.ID = strings.TrimSpace(out.ID)
	if out.ID == "" {
		return nil, invalid("id is required")
	}
	if len(out.Participants) == 0 {
		return nil, invalid("at least one participant is required")
	}

	seen := make(map[string]bool, len(out.Participants))
	out.Participants = make([]ParticipantSpec, len(p.Participants))
	for i, ps := range p.Participants {
		ps.ID = strings.TrimSpace(ps.ID)
		if ps.ID == "" {
			return nil, invalid("participant %d has no id", i)
		}
		if seen[ps.ID] {
			return nil, invalid("duplicate participant id %q", ps.ID)
		}
		seen[ps.ID] = true

		if ps.Role == "" {
			ps.Role = "agent"
		}
		if ps.Kind == "" {
			switch {
			case ps.Role == "user":
				ps.Kind = KindUser
			case ps.Endpoint != "":
				ps.Kind = KindRemote
			default:
				ps.Kind = KindEcho
			}
		}
		switch ps.Kind {
		case KindRemote:
			if ps.Endpoint == "" {
				return nil, invalid("participant %q: remote participants need an endpoint", ps.ID)
			}
		case KindUser, KindEcho:
		default:
			return nil, invalid("participant %q: unknown kind %q", ps.ID, ps.Kind)
		}
		for _, c := range ps.Capabilities {
			if !knownCapabilities[strings.ToLower(strings.TrimSpace(c))] {
				return nil, invalid("participant %q: unknown capability %q", ps.ID, c)
			}
		}
		out.Participants[i] = ps
	}

	if out.Scheduler.Impl == "" {
		out.Scheduler.Impl = defaultScheduler
	}

	for id, limit := range out.Budgets {
		if limit.RunMax < 0 || limit.RoundMax < 0 || limit.RunMin < 0 || limit.RoundMin < 0 {
			return nil, invalid("budget %q has a negative limit", id)
		}
	}

	if out.Runtime.HistoryWindow < 0 {
		return nil, invalid("runtime.history_window must not be negative")
	}
	if out.Runtime.MaxRounds < 0 {
		return nil, invalid("runtime.max_rounds must not be negative")
	}
	switch out.Runtime.Commit {
	case "":
		out.Runtime.Commit = CommitImmediate
	case CommitImmediate, CommitBuffered:
	default:
		return nil, invalid("runtime.commit must be %q or %q", CommitImmediate, CommitBuffered)
	}
	return &out, nil
}

// Roster returns the participant ids in declaration order.
func (p *Preset) Roster() []string {
	ids := make([]string, len(p.Participants))
	for i, ps := range p.Participants {
		ids[i] = ps.ID
	}
	return ids
}

// PresetIDs returns the sorted ids of presets.
func PresetIDs(presets map[string]*Preset) []string {
	ids := make([]string, 0, len(presets))
	for id := range presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidPreset, fmt.Sprintf(format, args...))
}
