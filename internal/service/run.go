package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/roundtable/internal/config"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/engine"
	"github.com/xiaot623/roundtable/internal/runstate"
)

var validRunID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// OpenRequest opens a fresh run or resumes a persisted one.
type OpenRequest struct {
	RunID    string
	PresetID string
	// PresetYAML is an inline preset; it takes precedence over PresetID.
	PresetYAML string
	Resume     bool
}

// OpenResult describes an opened run.
type OpenResult struct {
	RunID        string           `json:"run_id"`
	PresetID     string           `json:"preset_id"`
	Status       domain.RunStatus `json:"status"`
	Round        int              `json:"round"`
	Resumed      bool             `json:"resumed"`
	ResumedEmpty bool             `json:"resumed_empty"`
}

func (s *Service) resolvePreset(req OpenRequest) (*config.Preset, error) {
	if strings.TrimSpace(req.PresetYAML) != "" {
		return config.ParsePresetYAML([]byte(req.PresetYAML))
	}
	if req.PresetID == "" {
		return nil, fmt.Errorf("%w: preset_id or preset_yaml is required", domain.ErrInvalidPreset)
	}
	p, ok := s.preset(req.PresetID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown preset %q", domain.ErrInvalidPreset, req.PresetID)
	}
	return p, nil
}

// OpenRun builds a run from a preset. With Resume set, the last snapshot is
// merged into the fresh state; an opaque snapshot starts the run from empty
// state and is reported in the result.
func (s *Service) OpenRun(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	preset, err := s.resolvePreset(req)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = "run_" + uuid.New().String()[:8]
	}
	if !validRunID.MatchString(runID) {
		return nil, fmt.Errorf("%w: %q must match %s", domain.ErrInvalidRunID, runID, validRunID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.runs[runID]; open {
		return nil, fmt.Errorf("%w: %s is already open", domain.ErrRunExists, runID)
	}

	existing, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if existing != nil && !req.Resume {
		return nil, fmt.Errorf("%w: %s, resume or purge it", domain.ErrRunExists, runID)
	}

	state := runstate.New(s.historyWindow(preset), preset.Budgets)
	state.Objective = preset.Objective
	eng, err := s.buildEngine(ctx, runID, preset, state)
	if err != nil {
		return nil, err
	}

	result := &OpenResult{RunID: runID, PresetID: preset.ID}
	merge := runstate.MergeNone
	if req.Resume {
		snap, err := s.store.LoadSnapshot(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		merge, err = runstate.Merge(state, snap)
		if err != nil {
			s.logger.Warn("snapshot not mergeable, resuming with empty state", "run_id", runID, "error", err)
		}
		result.Resumed = merge != runstate.MergeNone
		result.ResumedEmpty = merge == runstate.MergeOpaque
	}

	if err := s.store.UpsertRun(ctx, &domain.Run{RunID: runID, PresetID: preset.ID, Status: domain.RunStatusCreated}); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	switch merge {
	case runstate.MergeApplied:
		s.recordEventLogged(ctx, runID, domain.EventTypeRunResumed, map[string]interface{}{
			"round":   state.Round,
			"stop":    state.Stop,
			"history": state.History.Len(),
		})
	case runstate.MergeOpaque:
		s.recordEventLogged(ctx, runID, domain.EventTypeResumeEmptyState, map[string]interface{}{
			"reason": "snapshot is opaque",
		})
	default:
		s.recordEventLogged(ctx, runID, domain.EventTypeRunOpened, map[string]interface{}{
			"preset_id":    preset.ID,
			"participants": preset.Roster(),
			"scheduler":    preset.Scheduler.Impl,
		})
	}

	status := eng.Start()
	if err := s.store.UpdateRunStatus(ctx, runID, status, nil); err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}

	s.runs[runID] = &liveRun{preset: preset, state: state, engine: eng}
	if strings.TrimSpace(req.PresetYAML) != "" {
		// inline presets join the catalog so the run can be resumed later
		s.RegisterPreset(preset)
	}
	s.logger.Info("run opened", "run_id", runID, "preset_id", preset.ID, "status", status,
		"round", state.Round, "resumed", result.Resumed, "resumed_empty", result.ResumedEmpty)

	result.Status = status
	result.Round = state.Round
	return result, nil
}

// live returns the open run, resuming a persisted run whose preset is in the
// catalog.
func (s *Service) live(ctx context.Context, runID string) (*liveRun, error) {
	s.mu.Lock()
	lr := s.runs[runID]
	s.mu.Unlock()
	if lr != nil {
		return lr, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	if _, ok := s.preset(run.PresetID); !ok {
		return nil, fmt.Errorf("%w: preset %q of %s is not loaded", domain.ErrRunNotFound, run.PresetID, runID)
	}
	if _, err := s.OpenRun(ctx, OpenRequest{RunID: runID, PresetID: run.PresetID, Resume: true}); err != nil && !errors.Is(err, domain.ErrRunExists) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lr = s.runs[runID]; lr == nil {
		return nil, domain.ErrRunNotFound
	}
	return lr, nil
}

func (s *Service) lock(ctx context.Context, runID string) (*liveRun, func(), error) {
	lr, err := s.live(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if !lr.mu.TryLock() {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrRunBusy, runID)
	}
	return lr, lr.mu.Unlock, nil
}

func (s *Service) start(ctx context.Context, lr *liveRun) domain.RunStatus {
	before := lr.engine.Status()
	status := lr.engine.Start()
	if status != before && !status.Terminal() {
		if err := s.store.UpdateRunStatus(ctx, lr.engine.RunID(), status, nil); err != nil {
			s.logger.Error("failed to update run status", "run_id", lr.engine.RunID(), "error", err)
		}
	}
	return status
}

// Tick executes one round of runID.
func (s *Service) Tick(ctx context.Context, runID string) (*engine.TickResult, error) {
	lr, unlock, err := s.lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.start(ctx, lr)
	res, err := lr.engine.Tick(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotRunning) {
			return nil, err
		}
		return &res, fmt.Errorf("tick failed: %w", err)
	}
	return &res, nil
}

// RunRounds ticks runID up to rounds times; rounds <= 0 uses DEFAULT_ROUNDS.
func (s *Service) RunRounds(ctx context.Context, runID string, rounds int) (*engine.Outcome, error) {
	lr, unlock, err := s.lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rounds <= 0 {
		rounds = s.config.DefaultRounds
	}
	if status := s.start(ctx, lr); status != domain.RunStatusRunning {
		return nil, fmt.Errorf("%w: status %s", domain.ErrRunNotRunning, status)
	}
	out, err := lr.engine.Run(ctx, rounds)
	if err != nil {
		return &out, fmt.Errorf("run interrupted: %w", err)
	}
	return &out, nil
}

// ClearStop resets the stop flag of runID and persists a snapshot so that a
// later resume does not stop again.
func (s *Service) ClearStop(ctx context.Context, runID string) (domain.RunStatus, error) {
	lr, unlock, err := s.lock(ctx, runID)
	if err != nil {
		return "", err
	}
	defer unlock()

	status := lr.engine.ClearStop()
	if err := s.store.SaveSnapshot(ctx, runID, lr.state.Snapshot()); err != nil {
		return status, fmt.Errorf("failed to save snapshot: %w", err)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, status, nil); err != nil {
		return status, fmt.Errorf("failed to update run status: %w", err)
	}
	s.recordEventLogged(ctx, runID, domain.EventTypeStopCleared, map[string]interface{}{"status": status})
	return status, nil
}

// UpdateObjective replaces the objective of runID. Participants see it from
// the next tick on; the snapshot is saved so a resume keeps it.
func (s *Service) UpdateObjective(ctx context.Context, runID, objective string) error {
	lr, unlock, err := s.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer unlock()

	objective = strings.TrimSpace(objective)
	previous := lr.state.Objective
	lr.state.Objective = objective
	if err := s.store.SaveSnapshot(ctx, runID, lr.state.Snapshot()); err != nil {
		lr.state.Objective = previous
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.recordEventLogged(ctx, runID, domain.EventTypeObjectiveUpdated, map[string]interface{}{
		"round":     lr.state.Round,
		"objective": objective,
	})
	s.logger.Info("objective updated", "run_id", runID, "round", lr.state.Round)
	return nil
}

// PostUserMessage queues text for the user participant userID of runID. It
// is consumed the next time that participant is scheduled.
func (s *Service) PostUserMessage(ctx context.Context, runID, userID, text string) (int, error) {
	lr, err := s.live(ctx, runID)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(text) == "" {
		return 0, errors.New("message is empty")
	}
	isUser := false
	for _, ps := range lr.preset.Participants {
		if ps.ID == userID && ps.Kind == config.KindUser {
			isUser = true
			break
		}
	}
	if !isUser {
		return 0, fmt.Errorf("%w: %s is not a user participant", domain.ErrUnknownParticipant, userID)
	}

	lr.state.PushUserInput(userID, text)
	s.recordEventLogged(ctx, runID, domain.EventTypeUserMessage, map[string]interface{}{
		"user_id": userID,
		"length":  len(text),
	})
	return lr.state.PendingUserInputs(userID), nil
}

// PurgeRun closes runID and deletes its snapshot, events and transcript.
func (s *Service) PurgeRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	lr := s.runs[runID]
	if lr != nil {
		if !lr.mu.TryLock() {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", domain.ErrRunBusy, runID)
		}
		delete(s.runs, runID)
		lr.mu.Unlock()
	}
	s.mu.Unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil && lr == nil {
		return domain.ErrRunNotFound
	}
	if err := s.store.PurgeRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to purge run: %w", err)
	}
	if err := s.transcripts.Purge(runID); err != nil {
		return err
	}
	s.logger.Info("run purged", "run_id", runID)
	return nil
}
