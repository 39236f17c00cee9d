package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/roundtable/internal/config"
	"github.com/xiaot623/roundtable/internal/contracts"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/engine"
	"github.com/xiaot623/roundtable/internal/participant"
	"github.com/xiaot623/roundtable/internal/runstate"
)

// buildParticipants instantiates the roster of a preset.
func (s *Service) buildParticipants(p *config.Preset) ([]participant.Participant, map[string][]string, error) {
	parts := make([]participant.Participant, 0, len(p.Participants))
	allow := make(map[string][]string)
	for _, ps := range p.Participants {
		caps := participant.DefaultCapabilities(ps.Role)
		if len(ps.Capabilities) > 0 {
			parsed, err := participant.ParseCapabilities(ps.Capabilities)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: participant %s: %v", domain.ErrInvalidPreset, ps.ID, err)
			}
			caps = parsed
		}
		if len(ps.Tools) > 0 {
			allow[ps.ID] = ps.Tools
		}

		switch ps.Kind {
		case config.KindUser:
			parts = append(parts, participant.NewUser(ps.ID))
		case config.KindEcho:
			if ps.Tool != "" && !s.tools.Has(ps.Tool) {
				return nil, nil, fmt.Errorf("%w: participant %s: unknown tool %q", domain.ErrInvalidPreset, ps.ID, ps.Tool)
			}
			parts = append(parts, participant.NewEcho(ps.ID, ps.Role, caps, ps.Content, ps.Tool))
		case config.KindRemote:
			parts = append(parts, participant.NewRemote(ps.ID, ps.Role, caps, ps.Endpoint, s.agentClient))
		default:
			return nil, nil, fmt.Errorf("%w: participant %s: unknown kind %q", domain.ErrInvalidPreset, ps.ID, ps.Kind)
		}
	}
	return parts, allow, nil
}

// buildEngine resolves every configuration-time dependency of a run. Any
// error here is fatal and happens before the first tick.
func (s *Service) buildEngine(ctx context.Context, runID string, p *config.Preset, state *runstate.State) (*engine.Engine, error) {
	parts, allow, err := s.buildParticipants(p)
	if err != nil {
		return nil, err
	}

	sched, err := s.schedulers.Build(p.Scheduler.Impl, p.Roster(), p.Scheduler.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	validator, err := contracts.New(ctx, p.Contracts)
	if err != nil {
		return nil, fmt.Errorf("%w: contracts: %v", domain.ErrInvalidPreset, err)
	}

	return engine.New(engine.Options{
		RunID:        runID,
		Participants: parts,
		Scheduler:    sched,
		State:        state,
		Validator:    validator,
		Log:          s.transcripts,
		Snapshots:    s.store,
		Tools:        s.tools,
		ToolAllow:    allow,
		Logger:       s.logger,
		FailFast:     p.Runtime.FailFast,
		Commit:       engine.CommitStrategy(p.Runtime.Commit),
		MaxRounds:    p.Runtime.MaxRounds,
		Observer:     engine.ObserverFunc(s.observe),
	})
}

func (s *Service) historyWindow(p *config.Preset) int {
	if p.Runtime.HistoryWindow > 0 {
		return p.Runtime.HistoryWindow
	}
	return s.config.HistoryWindow
}
