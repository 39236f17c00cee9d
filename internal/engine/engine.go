// Package engine drives the tick loop of a single run: it asks the scheduler
// who acts, invokes participants in order, validates and records their
// outputs, applies control actions and persists a snapshot.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/roundtable/internal/contracts"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/participant"
	"github.com/xiaot623/roundtable/internal/runstate"
	"github.com/xiaot623/roundtable/internal/scheduler"
	"github.com/xiaot623/roundtable/internal/tools"
)

// CommitStrategy selects when a tick's records reach the transcript.
type CommitStrategy string

const (
	// CommitImmediate appends every record as soon as it is produced.
	CommitImmediate CommitStrategy = "immediate"
	// CommitBuffered holds records until control actions are applied and
	// drops the normal records whose history entries were rolled back.
	CommitBuffered CommitStrategy = "buffered"
)

// TranscriptAppender is the append-only record log.
type TranscriptAppender interface {
	Append(ctx context.Context, runID string, rec domain.Record) error
}

// SnapshotSaver persists the run state after each tick.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, runID string, payload domain.SnapshotPayload) error
}

// Options configures an Engine.
type Options struct {
	RunID        string
	Participants []participant.Participant
	Scheduler    scheduler.Scheduler
	State        *runstate.State
	// Validator may be nil, in which case every output is accepted.
	Validator *contracts.Validator
	Log       TranscriptAppender
	Snapshots SnapshotSaver
	// Tools defaults to tools.DefaultRegistry.
	Tools *tools.Registry
	// ToolAllow restricts the tools of a participant id; absent means all.
	ToolAllow map[string][]string
	Logger    *slog.Logger
	FailFast  bool
	Commit    CommitStrategy
	// MaxRounds, when positive, exhausts the run once round reaches it.
	MaxRounds int
	Observer  Observer
	Clock     func() time.Time
}

// TickResult summarizes one completed tick.
type TickResult struct {
	Round   int              `json:"round"`
	Records []domain.Record  `json:"records"`
	Errors  int              `json:"errors"`
	Stop    bool             `json:"stop"`
	Status  domain.RunStatus `json:"status"`
}

// Outcome summarizes a Run call.
type Outcome struct {
	Status domain.RunStatus `json:"status"`
	Ticks  int              `json:"ticks"`
	Round  int              `json:"round"`
	Reason string           `json:"reason,omitempty"`
}

// Engine executes the ticks of one run. Ticks are serialized.
type Engine struct {
	opts   Options
	roster []string
	byID   map[string]participant.Participant
	logger *slog.Logger

	tickMu sync.Mutex

	mu         sync.Mutex
	status     domain.RunStatus
	finalRound int
}

// New validates the options and builds an engine in the Created state.
func New(opts Options) (*Engine, error) {
	if opts.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if len(opts.Participants) == 0 {
		return nil, errors.New("at least one participant is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.State == nil {
		return nil, errors.New("run state is required")
	}
	if opts.Log == nil || opts.Snapshots == nil {
		return nil, errors.New("transcript log and snapshot store are required")
	}
	if opts.Tools == nil {
		opts.Tools = tools.DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Commit == "" {
		opts.Commit = CommitImmediate
	}
	if opts.Commit != CommitImmediate && opts.Commit != CommitBuffered {
		return nil, fmt.Errorf("unknown commit strategy %q", opts.Commit)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		opts:       opts,
		byID:       make(map[string]participant.Participant, len(opts.Participants)),
		logger:     opts.Logger.With("run_id", opts.RunID),
		status:     domain.RunStatusCreated,
		finalRound: -1,
	}
	for _, p := range opts.Participants {
		if _, dup := e.byID[p.ID()]; dup {
			return nil, fmt.Errorf("duplicate participant id %q", p.ID())
		}
		e.byID[p.ID()] = p
		e.roster = append(e.roster, p.ID())
	}
	return e, nil
}

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.opts.RunID }

// State returns the run state driven by the engine.
func (e *Engine) State() *runstate.State { return e.opts.State }

// Roster returns the participant ids in declaration order.
func (e *Engine) Roster() []string {
	return append([]string(nil), e.roster...)
}

// Status returns the current lifecycle status.
func (e *Engine) Status() domain.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(status domain.RunStatus, reason string) {
	e.mu.Lock()
	prev := e.status
	e.status = status
	e.mu.Unlock()
	if prev == status {
		return
	}
	e.logger.Info("run status changed", "from", prev, "to", status, "reason", reason)
	if status.Terminal() {
		e.notify(Notification{Kind: NotifyStatus, Status: status, Round: e.opts.State.Round, Reason: reason})
	}
}

func (e *Engine) maxReached() bool {
	return e.opts.MaxRounds > 0 && e.opts.State.Round >= e.opts.MaxRounds
}

// Start moves a Created or Exhausted run into Running. A set stop flag puts
// the run in Stopped instead and a reached round limit keeps it Exhausted.
// Stopped and Aborted runs are left unchanged.
func (e *Engine) Start() domain.RunStatus {
	switch e.Status() {
	case domain.RunStatusCreated, domain.RunStatusExhausted:
		switch {
		case e.maxReached():
			e.setStatus(domain.RunStatusExhausted, "round limit reached")
		case e.opts.State.Stop:
			e.setStatus(domain.RunStatusStopped, "stop flag set")
		default:
			e.setStatus(domain.RunStatusRunning, "")
		}
	}
	return e.Status()
}

// ClearStop resets the stop flag so a stopped run can be ticked again.
func (e *Engine) ClearStop() domain.RunStatus {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.opts.State.Stop = false
	if e.Status() == domain.RunStatusStopped {
		if e.maxReached() {
			e.setStatus(domain.RunStatusExhausted, "round limit reached")
		} else {
			e.setStatus(domain.RunStatusRunning, "stop cleared")
		}
	}
	return e.Status()
}

// Run ticks until the stop flag is set, fail-fast aborts, rounds ticks have
// run or ctx is done. Cancellation is observed between ticks only.
func (e *Engine) Run(ctx context.Context, rounds int) (Outcome, error) {
	e.Start()

	e.mu.Lock()
	if rounds > 0 {
		e.finalRound = e.opts.State.Round + rounds - 1
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.finalRound = -1
		e.mu.Unlock()
	}()

	out := Outcome{}
	for e.Status() == domain.RunStatusRunning && (rounds <= 0 || out.Ticks < rounds) {
		if err := ctx.Err(); err != nil {
			out.Status, out.Round, out.Reason = e.Status(), e.opts.State.Round, "cancelled"
			return out, err
		}
		if _, err := e.Tick(ctx); err != nil {
			out.Ticks++
			out.Status, out.Round, out.Reason = e.Status(), e.opts.State.Round, err.Error()
			return out, err
		}
		out.Ticks++
	}
	if e.Status() == domain.RunStatusRunning && rounds > 0 && out.Ticks >= rounds {
		e.setStatus(domain.RunStatusExhausted, "round limit reached")
	}

	out.Status, out.Round = e.Status(), e.opts.State.Round
	switch out.Status {
	case domain.RunStatusStopped:
		out.Reason = "stop requested"
	case domain.RunStatusAborted:
		out.Reason = "participant failed with fail-fast enabled"
	case domain.RunStatusExhausted:
		out.Reason = "round limit reached"
	}
	return out, nil
}

func (e *Engine) currentFinalRound() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalRound >= 0 {
		return e.finalRound
	}
	if e.opts.MaxRounds > 0 {
		return e.opts.MaxRounds - 1
	}
	return -1
}

// pending is a record produced during the current tick.
type pending struct {
	rec       domain.Record
	inHistory bool
}

// Tick executes one round. It may only be called while Running. Participants
// run with a context detached from ctx's cancellation so a started tick runs
// to completion.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.Status() != domain.RunStatusRunning {
		return TickResult{}, fmt.Errorf("%w: status %s", domain.ErrRunNotRunning, e.Status())
	}

	state := e.opts.State
	tickCtx := context.WithoutCancel(ctx)
	round := state.Round
	result := TickResult{Round: round, Records: []domain.Record{}}

	// 1. round-scoped counters start at zero
	state.Budgets.ResetRound()

	// 2. who acts this round
	selected := e.opts.Scheduler.Next(scheduler.Turn{
		Round:      round,
		Roster:     e.Roster(),
		FinalRound: e.currentFinalRound(),
	})
	e.logger.Debug("tick started", "round", round, "selected", selected)

	// 3. invoke in order
	var produced []pending
	var actions []domain.Action
	aborted := false
	for _, id := range selected {
		p, ok := e.byID[id]
		if !ok {
			e.logger.Warn("scheduler selected unknown participant", "participant", id)
			continue
		}

		item, acts, skipped := e.invoke(tickCtx, p, round)
		if skipped {
			continue
		}
		if item.rec.Failed() {
			result.Errors++
		}
		actions = append(actions, acts...)
		produced = append(produced, item)

		if e.opts.Commit == CommitImmediate {
			if err := e.commit(tickCtx, item.rec, &result); err != nil {
				e.setStatus(domain.RunStatusAborted, err.Error())
				result.Status = e.Status()
				return result, err
			}
		}
		if item.rec.Failed() && e.opts.FailFast {
			e.logger.Warn("fail-fast: ending tick after participant error", "participant", id, "round", round)
			aborted = true
			break
		}
	}

	// 4. control actions in participant-execution order
	lenBefore := state.History.Len()
	for _, a := range actions {
		e.applyAction(a)
	}

	if e.opts.Commit == CommitBuffered {
		rolledBack := rolledBackSet(produced, lenBefore, state.History.Len())
		for i, item := range produced {
			if rolledBack[i] {
				e.logger.Debug("discarding rolled back record", "participant", item.rec.AgentID, "round", round)
				continue
			}
			if err := e.commit(tickCtx, item.rec, &result); err != nil {
				e.setStatus(domain.RunStatusAborted, err.Error())
				result.Status = e.Status()
				return result, err
			}
		}
	}

	// 5. advance
	state.Round++

	// 6. snapshot
	var saveErr error
	if err := e.opts.Snapshots.SaveSnapshot(tickCtx, e.opts.RunID, state.Snapshot()); err != nil {
		if errors.Is(err, domain.ErrSnapshotOpaque) {
			e.logger.Warn("snapshot stored as opaque blob; run is not resumable", "round", state.Round, "error", err)
			e.notify(Notification{Kind: NotifySnapshotOpaque, Round: state.Round, Reason: err.Error()})
		} else {
			saveErr = fmt.Errorf("failed to save snapshot: %w", err)
		}
	}

	result.Stop = state.Stop
	switch {
	case aborted:
		e.setStatus(domain.RunStatusAborted, "participant failed with fail-fast enabled")
	case state.Stop:
		e.setStatus(domain.RunStatusStopped, "stop requested")
	case e.maxReached():
		e.setStatus(domain.RunStatusExhausted, "round limit reached")
	}
	result.Status = e.Status()

	e.logger.Info("tick completed", "round", round, "records", len(result.Records), "errors", result.Errors, "stop", state.Stop)
	tick := result
	e.notify(Notification{Kind: NotifyTick, Round: round, Tick: &tick, Status: result.Status})
	return result, saveErr
}

// invoke runs one participant and turns its result into a record. The
// returned actions are empty unless the record is accepted and the
// participant is allowed to control the run.
func (e *Engine) invoke(ctx context.Context, p participant.Participant, round int) (pending, []domain.Action, bool) {
	state := e.opts.State
	turn := &participant.Turn{
		RunID:          e.opts.RunID,
		Round:          round,
		History:        state.History.Entries(),
		RunningSummary: state.RunningSummary,
		Objective:      state.Objective,
		Budgets:        state.Budgets.Counters(),
		Inputs:         state,
	}
	if p.Capabilities().Has(participant.CanCallTools) {
		turn.Tools = tools.NewToolbox(e.opts.Tools, state.Budgets, e.opts.ToolAllow[p.ID()])
	}

	started := e.opts.Clock()
	res, err := p.Act(ctx, turn)
	latency := float64(e.opts.Clock().Sub(started)) / float64(time.Millisecond)

	if errors.Is(err, domain.ErrSkipTurn) {
		e.logger.Debug("participant skipped turn", "participant", p.ID(), "round", round)
		return pending{}, nil, true
	}

	role := res.Role
	if role == "" {
		role = p.Role()
	}
	rec := domain.Record{
		T:         domain.EpochSeconds(started),
		Iter:      round,
		AgentID:   p.ID(),
		Role:      role,
		LatencyMs: &latency,
	}
	var item pending

	if err != nil {
		e.logger.Error("participant failed", "participant", p.ID(), "round", round, "error", err)
		rec.Error = err.Error()
		item.rec = rec
		return item, nil, false
	}

	content, metadata, err := encodeResult(res)
	if err != nil {
		e.logger.Error("participant output not encodable", "participant", p.ID(), "round", round, "error", err)
		rec.Error = err.Error()
		item.rec = rec
		return item, nil, false
	}

	if err := e.opts.Validator.Validate(ctx, contracts.Output{
		AgentID:  p.ID(),
		Role:     role,
		Content:  content,
		Metadata: metadata,
	}); err != nil {
		e.logger.Warn("participant output rejected", "participant", p.ID(), "round", round, "error", err)
		rec.Error = err.Error()
		item.rec = rec
		return item, nil, false
	}

	rec.Content = content
	rec.Metadata = metadata

	var actions []domain.Action
	if len(res.Actions) > 0 {
		if p.Capabilities().Has(participant.CanControl) {
			actions = append(actions, res.Actions...)
			rec.Actions = actions
		} else {
			e.logger.Warn("ignoring control actions from participant without control capability",
				"participant", p.ID(), "round", round, "actions", len(res.Actions))
		}
	}

	state.History.Append(domain.HistoryEntry{
		Round:    round,
		AgentID:  p.ID(),
		Role:     role,
		Content:  content,
		Metadata: metadata,
	})
	item.inHistory = true
	if p.Capabilities().Has(participant.CanSummarize) {
		state.RunningSummary = domain.ContentText(content)
	}

	item.rec = rec
	return item, actions, false
}

func (e *Engine) applyAction(a domain.Action) {
	state := e.opts.State
	switch a.Type {
	case domain.ActionStop:
		state.Stop = true
	case domain.ActionStepBack:
		removed := state.History.Rollback(a.Rollback)
		if a.ClearSummaries {
			state.RunningSummary = ""
		}
		e.logger.Info("history rolled back", "requested", a.Rollback, "removed", removed, "clear_summaries", a.ClearSummaries)
	case domain.ActionContinue:
	default:
		e.logger.Warn("ignoring unknown control action", "type", a.Type)
	}
}

func (e *Engine) commit(ctx context.Context, rec domain.Record, result *TickResult) error {
	if err := e.opts.Log.Append(ctx, e.opts.RunID, rec); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	result.Records = append(result.Records, rec)
	e.notify(Notification{Kind: NotifyRecord, Round: rec.Iter, Record: &rec})
	return nil
}

// rolledBackSet marks the buffered records whose history entries were
// removed by this tick's rollbacks. Records carrying control actions and
// error records are never discarded.
func rolledBackSet(produced []pending, lenBefore, lenAfter int) map[int]bool {
	out := make(map[int]bool)
	if lenAfter >= lenBefore {
		return out
	}
	var inHistory []int
	for i, item := range produced {
		if item.inHistory {
			inHistory = append(inHistory, i)
		}
	}
	// this tick's entries are the newest ones, oldest may have left the window
	for j, idx := range inHistory {
		pos := lenBefore - len(inHistory) + j
		if pos >= lenAfter && len(produced[idx].rec.Actions) == 0 {
			out[idx] = true
		}
	}
	return out
}

func encodeResult(res participant.Result) (json.RawMessage, json.RawMessage, error) {
	var content json.RawMessage
	switch v := res.Content.(type) {
	case nil:
		content = domain.TextContent("")
	case string:
		content = domain.TextContent(v)
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, nil, errors.New("content is not valid JSON")
		}
		content = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode content: %w", err)
		}
		content = b
	}

	var metadata json.RawMessage
	if len(res.Metadata) > 0 {
		b, err := json.Marshal(res.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = b
	}
	return content, metadata, nil
}
