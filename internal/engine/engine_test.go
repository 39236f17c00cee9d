package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/roundtable/internal/budget"
	"github.com/xiaot623/roundtable/internal/contracts"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/participant"
	"github.com/xiaot623/roundtable/internal/runstate"
	"github.com/xiaot623/roundtable/internal/scheduler"
	"github.com/xiaot623/roundtable/internal/tools"
)

type memLog struct {
	mu      sync.Mutex
	records []domain.Record
}

func (m *memLog) Append(_ context.Context, _ string, rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memLog) all() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Record(nil), m.records...)
}

type memSnapshots struct {
	mu    sync.Mutex
	saves []domain.SnapshotPayload
	err   error
}

func (m *memSnapshots) SaveSnapshot(_ context.Context, _ string, payload domain.SnapshotPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, payload)
	return m.err
}

func (m *memSnapshots) last() domain.SnapshotPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[len(m.saves)-1]
}

type fixture struct {
	log   *memLog
	snaps *memSnapshots
	state *runstate.State
}

func newFixture(limits map[string]budget.Limit) *fixture {
	return &fixture{
		log:   &memLog{},
		snaps: &memSnapshots{},
		state: runstate.New(20, limits),
	}
}

func (f *fixture) options(parts []participant.Participant, order []string) Options {
	roster := make([]string, 0, len(parts))
	for _, p := range parts {
		roster = append(roster, p.ID())
	}
	if order == nil {
		order = roster
	}
	sched, err := scheduler.NewFixedOrder(roster, order)
	if err != nil {
		panic(err)
	}
	clock := time.Unix(1700000000, 0)
	return Options{
		RunID:        "run_test",
		Participants: parts,
		Scheduler:    sched,
		State:        f.state,
		Log:          f.log,
		Snapshots:    f.snaps,
		Clock: func() time.Time {
			clock = clock.Add(10 * time.Millisecond)
			return clock
		},
	}
}

func text(id string) participant.Participant {
	return participant.New(id, "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		return participant.Result{Content: id + " speaks"}, nil
	})
}

func moderator(id string, actions ...domain.Action) participant.Participant {
	return participant.New(id, "moderator", participant.CanControl, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		return participant.Result{Content: "ok", Actions: actions}, nil
	})
}

func mustEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusRunning, e.Start())
	return e
}

func TestNewValidatesOptions(t *testing.T) {
	f := newFixture(nil)

	_, err := New(Options{})
	assert.Error(t, err)

	opts := f.options([]participant.Participant{text("A")}, nil)
	opts.Participants = append(opts.Participants, text("A"))
	_, err = New(opts)
	assert.Error(t, err)

	opts = f.options([]participant.Participant{text("A")}, nil)
	opts.Commit = "eventually"
	_, err = New(opts)
	assert.Error(t, err)
}

func TestRunFixedOrderFourTicks(t *testing.T) {
	f := newFixture(nil)
	e := mustEngine(t, f.options([]participant.Participant{text("A"), text("B")}, nil))

	out, err := e.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Ticks)
	assert.Equal(t, domain.RunStatusExhausted, out.Status)
	assert.Equal(t, 4, out.Round)

	recs := f.log.all()
	require.Len(t, recs, 8)
	wantAgents := []string{"A", "B", "A", "B", "A", "B", "A", "B"}
	wantIters := []int{0, 0, 1, 1, 2, 2, 3, 3}
	for i, rec := range recs {
		assert.Equal(t, wantAgents[i], rec.AgentID)
		assert.Equal(t, wantIters[i], rec.Iter)
		assert.False(t, rec.Failed())
		require.NotNil(t, rec.LatencyMs)
	}
	assert.Equal(t, "A speaks", domain.ContentText(recs[0].Content))

	require.Len(t, f.snaps.saves, 4)
	assert.Equal(t, 4, *f.snaps.last().Round)
	assert.Len(t, f.snaps.last().History, 8)
}

func TestTickRequiresRunning(t *testing.T) {
	f := newFixture(nil)
	e, err := New(f.options([]participant.Participant{text("A")}, nil))
	require.NoError(t, err)

	_, err = e.Tick(context.Background())
	assert.True(t, errors.Is(err, domain.ErrRunNotRunning))
	assert.Empty(t, f.log.all())
}

func searchRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("search", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"hits":1}`), nil
	}))
	return reg
}

// searcher makes calls attempts on search per turn and records which were admitted.
func searcher(id string, calls int, admitted *[]bool, roundTotals *[]int) participant.Participant {
	return participant.New(id, "agent", participant.CanCallTools, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		if roundTotals != nil {
			*roundTotals = append(*roundTotals, turn.Budgets["search"].RoundTotal)
		}
		for i := 0; i < calls; i++ {
			_, err := turn.Tools.Call(ctx, "search", nil)
			if err != nil && !errors.Is(err, tools.ErrBudgetDenied) {
				return participant.Result{}, err
			}
			*admitted = append(*admitted, err == nil)
		}
		return participant.Result{Content: "searched"}, nil
	})
}

func TestBudgetTwoCallsInOneTick(t *testing.T) {
	f := newFixture(map[string]budget.Limit{"search": {RoundMax: 1, RunMax: 3}})
	var admitted []bool
	opts := f.options([]participant.Participant{searcher("A", 2, &admitted, nil)}, nil)
	opts.Tools = searchRegistry(t)
	e := mustEngine(t, opts)

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, admitted)
}

func TestBudgetRunMaxAcrossTicks(t *testing.T) {
	f := newFixture(map[string]budget.Limit{"search": {RoundMax: 1, RunMax: 3}})
	var admitted []bool
	var roundTotals []int
	opts := f.options([]participant.Participant{searcher("A", 1, &admitted, &roundTotals)}, nil)
	opts.Tools = searchRegistry(t)
	e := mustEngine(t, opts)

	_, err := e.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, false}, admitted)
	assert.Equal(t, []int{0, 0, 0, 0}, roundTotals)

	counter := f.snaps.last().Budgets["search"]
	assert.Equal(t, 3, counter.RunTotal)
	assert.Equal(t, 0, counter.RoundTotal)
}

func TestToolsOnlyForCapableParticipants(t *testing.T) {
	f := newFixture(nil)
	var sawTools bool
	p := participant.New("A", "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		sawTools = turn.Tools != nil
		return participant.Result{Content: "x"}, nil
	})
	e := mustEngine(t, f.options([]participant.Participant{p}, nil))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, sawTools)
}

func TestStopActionStopsRun(t *testing.T) {
	f := newFixture(nil)
	parts := []participant.Participant{text("A"), moderator("M", domain.Action{Type: domain.ActionStop})}
	e := mustEngine(t, f.options(parts, nil))

	out, err := e.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Ticks)
	assert.Equal(t, domain.RunStatusStopped, out.Status)
	assert.True(t, f.state.Stop)
	assert.True(t, *f.snaps.last().Stop)

	recs := f.log.all()
	require.Len(t, recs, 2)
	require.Len(t, recs[1].Actions, 1)
	assert.Equal(t, domain.ActionStop, recs[1].Actions[0].Type)

	_, err = e.Tick(context.Background())
	assert.True(t, errors.Is(err, domain.ErrRunNotRunning))

	assert.Equal(t, domain.RunStatusRunning, e.ClearStop())
	assert.False(t, f.state.Stop)
}

func TestActionsIgnoredWithoutControlCapability(t *testing.T) {
	f := newFixture(nil)
	rogue := participant.New("A", "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		return participant.Result{Content: "x", Actions: []domain.Action{{Type: domain.ActionStop}}}, nil
	})
	e := mustEngine(t, f.options([]participant.Participant{rogue}, nil))

	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stop)
	assert.Equal(t, domain.RunStatusRunning, res.Status)
	assert.Empty(t, f.log.all()[0].Actions)
}

func TestStepBackImmediateKeepsLog(t *testing.T) {
	f := newFixture(nil)
	f.state.RunningSummary = "stale"
	parts := []participant.Participant{
		text("A"), text("B"),
		moderator("M", domain.Action{Type: domain.ActionStepBack, Rollback: 2, ClearSummaries: true}),
	}
	e := mustEngine(t, f.options(parts, nil))

	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Len(t, f.log.all(), 3)

	entries := f.state.History.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].AgentID)
	assert.Equal(t, "", f.state.RunningSummary)
	assert.Equal(t, 1, f.state.Round)
}

func TestStepBackBufferedDiscardsRolledBackRecords(t *testing.T) {
	f := newFixture(nil)
	parts := []participant.Participant{
		text("A"), text("B"),
		moderator("M", domain.Action{Type: domain.ActionStepBack, Rollback: 2}),
	}
	opts := f.options(parts, nil)
	opts.Commit = CommitBuffered
	e := mustEngine(t, opts)

	res, err := e.Tick(context.Background())
	require.NoError(t, err)

	recs := f.log.all()
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].AgentID)
	assert.Equal(t, "M", recs[1].AgentID)
	assert.Equal(t, recs, res.Records)
}

func TestStepBackNeverNegative(t *testing.T) {
	f := newFixture(nil)
	parts := []participant.Participant{moderator("M", domain.Action{Type: domain.ActionStepBack, Rollback: 50})}
	e := mustEngine(t, f.options(parts, nil))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.state.History.Len())
}

func TestContractRejectionRecordsError(t *testing.T) {
	f := newFixture(nil)
	validator, err := contracts.New(context.Background(), map[string]contracts.Requirements{
		"agent":     {MinCitations: 1},
		"moderator": {NonEmpty: true},
	})
	require.NoError(t, err)

	silent := participant.New("M", "moderator", participant.CanControl, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		return participant.Result{Content: "", Actions: []domain.Action{{Type: domain.ActionStop}}}, nil
	})
	opts := f.options([]participant.Participant{text("A"), silent}, nil)
	opts.Validator = validator
	e := mustEngine(t, opts)

	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.False(t, res.Stop)
	assert.Equal(t, domain.RunStatusRunning, res.Status)

	recs := f.log.all()
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.Failed())
		assert.Empty(t, rec.Content)
		assert.Empty(t, rec.Actions)
	}
	assert.Contains(t, recs[0].Error, "citation")
	assert.Equal(t, 0, f.state.History.Len())
}

func failing(id string) participant.Participant {
	return participant.New(id, "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		return participant.Result{}, errors.New("provider unavailable")
	})
}

func TestParticipantFailureContinuesByDefault(t *testing.T) {
	f := newFixture(nil)
	e := mustEngine(t, f.options([]participant.Participant{failing("A"), text("B")}, nil))

	out, err := e.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusExhausted, out.Status)

	recs := f.log.all()
	require.Len(t, recs, 4)
	assert.Equal(t, "provider unavailable", recs[0].Error)
	assert.False(t, recs[1].Failed())
}

func TestFailFastAborts(t *testing.T) {
	f := newFixture(nil)
	invokedB := false
	b := participant.New("B", "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		invokedB = true
		return participant.Result{Content: "x"}, nil
	})
	opts := f.options([]participant.Participant{failing("A"), b}, nil)
	opts.FailFast = true
	e := mustEngine(t, opts)

	out, err := e.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, out.Status)
	assert.Equal(t, 1, out.Ticks)
	assert.False(t, invokedB)
	assert.Len(t, f.log.all(), 1)
	assert.Equal(t, 1, f.state.Round)
	assert.Len(t, f.snaps.saves, 1)

	assert.Equal(t, domain.RunStatusAborted, e.Start())
}

func TestSkipTurnWritesNoRecord(t *testing.T) {
	f := newFixture(nil)
	user := participant.NewUser("U")
	e := mustEngine(t, f.options([]participant.Participant{user, text("A")}, nil))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, f.log.all(), 1)

	f.state.PushUserInput("U", "hello there")
	_, err = e.Tick(context.Background())
	require.NoError(t, err)
	recs := f.log.all()
	require.Len(t, recs, 3)
	assert.Equal(t, "U", recs[1].AgentID)
	assert.Equal(t, "hello there", domain.ContentText(recs[1].Content))
	assert.Equal(t, 1, recs[1].Iter)
}

func TestSummarizerReplacesRunningSummary(t *testing.T) {
	f := newFixture(nil)
	var seen []string
	summarizer := participant.New("S", "summarizer", participant.CanSummarize, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		seen = append(seen, turn.RunningSummary)
		return participant.Result{Content: fmt.Sprintf("summary after round %d", turn.Round)}, nil
	})
	e := mustEngine(t, f.options([]participant.Participant{text("A"), summarizer}, nil))

	_, err := e.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "summary after round 0"}, seen)
	assert.Equal(t, "summary after round 1", f.state.RunningSummary)
}

func TestParticipantsSeeObjectiveChangedBetweenTicks(t *testing.T) {
	f := newFixture(nil)
	f.state.Objective = "pick a venue"
	var seen []string
	a := participant.New("A", "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		seen = append(seen, turn.Objective)
		return participant.Result{Content: "noted"}, nil
	})
	e := mustEngine(t, f.options([]participant.Participant{a}, nil))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	f.state.Objective = "pick a date"
	_, err = e.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"pick a venue", "pick a date"}, seen)
	assert.Equal(t, "pick a date", *f.snaps.last().Objective)
}

func TestLaterParticipantsSeeEarlierOutputs(t *testing.T) {
	f := newFixture(nil)
	var seen int
	b := participant.New("B", "agent", 0, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		seen = len(turn.History)
		return participant.Result{Content: map[string]interface{}{"reply": "ok"}}, nil
	})
	e := mustEngine(t, f.options([]participant.Participant{text("A"), b}, nil))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.JSONEq(t, `{"reply":"ok"}`, string(f.log.all()[1].Content))
}

func TestMaxRoundsExhausts(t *testing.T) {
	f := newFixture(nil)
	var finals []bool
	sched, err := scheduler.NewCadence([]string{"A", "S"}, []scheduler.Every{
		{ID: "A", Period: 1},
		{ID: "S", Period: 100, RunOnLast: true},
	})
	require.NoError(t, err)
	s := participant.New("S", "summarizer", participant.CanSummarize, func(ctx context.Context, turn *participant.Turn) (participant.Result, error) {
		finals = append(finals, true)
		return participant.Result{Content: "final"}, nil
	})
	opts := f.options([]participant.Participant{text("A"), s}, nil)
	opts.Scheduler = sched
	opts.MaxRounds = 3
	e := mustEngine(t, opts)

	out, err := e.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusExhausted, out.Status)
	assert.Equal(t, 3, out.Ticks)
	// S runs on round 0 (0 % 100 == 0) and on the final round 2
	assert.Len(t, finals, 2)

	assert.Equal(t, domain.RunStatusExhausted, e.Start())
}

func TestRunObservesCancellationBetweenTicks(t *testing.T) {
	f := newFixture(nil)
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	p := participant.New("A", "agent", 0, func(pctx context.Context, turn *participant.Turn) (participant.Result, error) {
		calls++
		cancel()
		// the tick keeps running after cancellation
		assert.NoError(t, pctx.Err())
		return participant.Result{Content: "x"}, nil
	})
	e := mustEngine(t, f.options([]participant.Participant{p}, nil))

	out, err := e.Run(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, out.Ticks)
	assert.Equal(t, 1, calls)
	assert.Len(t, f.log.all(), 1)
	assert.Equal(t, domain.RunStatusRunning, e.Status())
}

func TestOpaqueSnapshotIsNotFatal(t *testing.T) {
	f := newFixture(nil)
	f.snaps.err = domain.ErrSnapshotOpaque
	var kinds []NotifyKind
	opts := f.options([]participant.Participant{text("A")}, nil)
	opts.Observer = ObserverFunc(func(n Notification) {
		assert.Equal(t, "run_test", n.RunID)
		kinds = append(kinds, n.Kind)
	})
	e := mustEngine(t, opts)

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []NotifyKind{NotifyRecord, NotifySnapshotOpaque, NotifyTick}, kinds)
}

func TestSnapshotFailureIsReported(t *testing.T) {
	f := newFixture(nil)
	f.snaps.err = errors.New("disk full")
	e := mustEngine(t, f.options([]participant.Participant{text("A")}, nil))

	res, err := e.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, res.Round)
	assert.Len(t, f.log.all(), 1)
	assert.Equal(t, 1, f.state.Round)
}

func TestResumeContinuesRoundNumbering(t *testing.T) {
	f := newFixture(nil)
	e := mustEngine(t, f.options([]participant.Participant{text("A")}, nil))
	_, err := e.Run(context.Background(), 2)
	require.NoError(t, err)

	saved := f.snaps.last()
	resumed := newFixture(nil)
	result, err := runstate.Merge(resumed.state, &domain.Snapshot{ThreadID: "run_test", Format: domain.SnapshotFormatStructured, Payload: &saved})
	require.NoError(t, err)
	require.Equal(t, runstate.MergeApplied, result)

	resumed.log = f.log
	e2 := mustEngine(t, resumed.options([]participant.Participant{text("A")}, nil))
	_, err = e2.Tick(context.Background())
	require.NoError(t, err)

	recs := f.log.all()
	require.Len(t, recs, 3)
	assert.Equal(t, 2, recs[2].Iter)
	assert.Equal(t, 3, resumed.state.History.Len())
}
