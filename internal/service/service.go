// Package service owns the set of open runs and exposes the run operations
// used by the HTTP transport.
package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xiaot623/roundtable/internal/adapter/agentclient"
	"github.com/xiaot623/roundtable/internal/config"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/engine"
	"github.com/xiaot623/roundtable/internal/repository"
	"github.com/xiaot623/roundtable/internal/runstate"
	"github.com/xiaot623/roundtable/internal/scheduler"
	"github.com/xiaot623/roundtable/internal/tools"
)

// Transcript is the append-only record log of every run.
type Transcript interface {
	Append(ctx context.Context, runID string, rec domain.Record) error
	Read(ctx context.Context, runID string, limit int) ([]domain.Record, error)
	Purge(runID string) error
}

// Publisher pushes live notifications to watchers.
type Publisher interface {
	Publish(runID, msgType string, data interface{})
}

// Deps are the collaborators of a Service. Hub, AgentClient, Schedulers
// and Tools may be left nil.
type Deps struct {
	Store       store.Store
	Transcripts Transcript
	Hub         Publisher
	AgentClient *agentclient.Client
	Schedulers  *scheduler.Registry
	Tools       *tools.Registry
	Config      *config.Config
	Presets     map[string]*config.Preset
	Logger      *slog.Logger
}

// liveRun is an open run. mu serializes ticks; a second concurrent caller
// gets ErrRunBusy instead of waiting.
type liveRun struct {
	mu     sync.Mutex
	preset *config.Preset
	state  *runstate.State
	engine *engine.Engine
}

type Service struct {
	store       store.Store
	transcripts Transcript
	hub         Publisher
	agentClient *agentclient.Client
	schedulers  *scheduler.Registry
	tools       *tools.Registry
	config      *config.Config
	logger      *slog.Logger

	presetMu sync.RWMutex
	presets  map[string]*config.Preset

	mu   sync.Mutex
	runs map[string]*liveRun
}

func New(deps Deps) *Service {
	s := &Service{
		store:       deps.Store,
		transcripts: deps.Transcripts,
		hub:         deps.Hub,
		agentClient: deps.AgentClient,
		schedulers:  deps.Schedulers,
		tools:       deps.Tools,
		config:      deps.Config,
		logger:      deps.Logger,
		presets:     make(map[string]*config.Preset),
		runs:        make(map[string]*liveRun),
	}
	if s.schedulers == nil {
		s.schedulers = scheduler.DefaultRegistry
	}
	if s.tools == nil {
		s.tools = tools.DefaultRegistry
	}
	if s.config == nil {
		s.config = config.Load()
	}
	if s.agentClient == nil {
		s.agentClient = agentclient.NewClient(s.config.AgentTimeout)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for id, p := range deps.Presets {
		s.presets[id] = p
	}
	return s
}

// RegisterPreset adds or replaces a preset in the catalog.
func (s *Service) RegisterPreset(p *config.Preset) {
	s.presetMu.Lock()
	defer s.presetMu.Unlock()
	s.presets[p.ID] = p
}

func (s *Service) preset(id string) (*config.Preset, bool) {
	s.presetMu.RLock()
	defer s.presetMu.RUnlock()
	p, ok := s.presets[id]
	return p, ok
}

// ListPresets returns the catalog sorted by id.
func (s *Service) ListPresets() []*config.Preset {
	s.presetMu.RLock()
	defer s.presetMu.RUnlock()
	out := make([]*config.Preset, 0, len(s.presets))
	for _, id := range config.PresetIDs(s.presets) {
		out = append(out, s.presets[id])
	}
	return out
}

func (s *Service) publish(runID, msgType string, data interface{}) {
	if s.hub != nil {
		s.hub.Publish(runID, msgType, data)
	}
}
