package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/roundtable/internal/config"
	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/logging"
	"github.com/xiaot623/roundtable/internal/repository"
)

const pairPreset = `
id: pair
participants:
  - {id: A, role: agent, content: "A speaks"}
  - {id: B, role: agent, content: "B speaks"}
scheduler:
  impl: fixed_order
  params:
    order: [A, B]
`

const stopperPreset = `
id: stopper
participants:
  - {id: A, role: agent}
  - id: mod
    role: moderator
    content: '{"action":"STOP"}'
`

const objectivePreset = `
id: planning
objective: pick a venue
participants:
  - {id: A, role: agent, content: "noted"}
`

const chatPreset = `
id: chat
participants:
  - {id: you, role: user}
  - {id: A, role: agent}
`

const budgetedPreset = `
id: budgeted
participants:
  - {id: A, role: agent, content: "claim", tool: echo}
budgets:
  echo: {run_max: 3, round_max: 1}
contracts:
  agent:
    min_citations: 1
`

type recordingHub struct {
	mu    sync.Mutex
	types []string
}

func (h *recordingHub) Publish(runID, msgType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, msgType)
}

func (h *recordingHub) count(msgType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.types {
		if t == msgType {
			n++
		}
	}
	return n
}

type env struct {
	store       *store.SQLiteStore
	transcripts *store.TranscriptLog
	hub         *recordingHub
	presets     map[string]*config.Preset
}

func newEnv(t *testing.T, presets ...string) *env {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tl, err := store.NewTranscriptLog(t.TempDir())
	require.NoError(t, err)

	e := &env{store: st, transcripts: tl, hub: &recordingHub{}, presets: map[string]*config.Preset{}}
	for _, doc := range presets {
		p, err := config.ParsePresetYAML([]byte(doc))
		require.NoError(t, err)
		e.presets[p.ID] = p
	}
	return e
}

// service builds a Service over the env's storage, as after a restart.
func (e *env) service() *Service {
	cfg := config.Load()
	cfg.DefaultRounds = 4
	return New(Deps{
		Store:       e.store,
		Transcripts: e.transcripts,
		Hub:         e.hub,
		Config:      cfg,
		Presets:     e.presets,
		Logger:      logging.Discard(),
	})
}

func eventTypes(t *testing.T, svc *Service, runID string) []domain.EventType {
	t.Helper()
	events, err := svc.GetRunEvents(context.Background(), runID, 0, nil, 0)
	require.NoError(t, err)
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestOpenAndRunRounds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, pairPreset)
	svc := e.service()

	opened, err := svc.OpenRun(ctx, OpenRequest{PresetID: "pair"})
	require.NoError(t, err)
	assert.NotEmpty(t, opened.RunID)
	assert.Equal(t, domain.RunStatusRunning, opened.Status)
	assert.False(t, opened.Resumed)

	out, err := svc.RunRounds(ctx, opened.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Ticks)
	assert.Equal(t, domain.RunStatusExhausted, out.Status)

	recs, err := svc.GetTranscript(ctx, opened.RunID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 8)
	for i, rec := range recs {
		assert.Equal(t, []string{"A", "B"}[i%2], rec.AgentID)
		assert.Equal(t, i/2, rec.Iter)
	}

	tail, err := svc.GetTranscript(ctx, opened.RunID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, tail[0].Iter)

	run, err := svc.GetRun(ctx, opened.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusExhausted, run.Status)
	assert.True(t, run.Live)
	assert.Equal(t, 4, run.Round)
	assert.Equal(t, []string{"A", "B"}, run.Participants)

	types := eventTypes(t, svc, opened.RunID)
	assert.Equal(t, domain.EventTypeRunOpened, types[0])
	assert.Equal(t, domain.EventTypeRunExhausted, types[len(types)-1])

	assert.Equal(t, 8, e.hub.count("record"))
	assert.Equal(t, 4, e.hub.count("tick"))

	// an exhausted run can be driven further by another invocation
	res, err := svc.Tick(ctx, opened.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Round)
}

func TestOpenRunRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, pairPreset)
	svc := e.service()

	_, err := svc.OpenRun(ctx, OpenRequest{PresetID: "missing"})
	assert.True(t, errors.Is(err, domain.ErrInvalidPreset))

	_, err = svc.OpenRun(ctx, OpenRequest{PresetYAML: `
id: broken
participants: [{id: A}]
scheduler: {impl: fixed_order, params: {order: [A, Z]}}
`})
	assert.True(t, errors.Is(err, domain.ErrUnknownParticipant))

	_, err = svc.OpenRun(ctx, OpenRequest{PresetYAML: `
id: nosuch
participants: [{id: A}]
scheduler: {impl: lottery}
`})
	assert.True(t, errors.Is(err, domain.ErrUnknownScheduler))

	_, err = svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair"})
	require.NoError(t, err)
	_, err = svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair"})
	assert.True(t, errors.Is(err, domain.ErrRunExists))
}

func TestOpenRunRejectsUnsafeRunIDs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, pairPreset)
	svc := e.service()

	for _, id := range []string{"team/a", "team a", "../team_a", ".hidden", "_lead"} {
		_, err := svc.OpenRun(ctx, OpenRequest{RunID: id, PresetID: "pair"})
		assert.True(t, errors.Is(err, domain.ErrInvalidRunID), id)
	}

	for _, id := range []string{"team_a", "team.a", "team-a"} {
		_, err := svc.OpenRun(ctx, OpenRequest{RunID: id, PresetID: "pair"})
		require.NoError(t, err, id)
	}
	_, err := svc.RunRounds(ctx, "team_a", 2)
	require.NoError(t, err)

	recs, err := svc.GetTranscript(ctx, "team_a", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	for _, id := range []string{"team.a", "team-a"} {
		recs, err := svc.GetTranscript(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, recs, id)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, pairPreset)

	first := e.service()
	_, err := first.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair"})
	require.NoError(t, err)
	_, err = first.RunRounds(ctx, "r1", 2)
	require.NoError(t, err)

	second := e.service()
	_, err = second.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair"})
	assert.True(t, errors.Is(err, domain.ErrRunExists))

	// ticking a persisted run resumes it from its snapshot
	res, err := second.Tick(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Round)

	recs, err := second.GetTranscript(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	assert.Equal(t, 2, recs[5].Iter)

	assert.Contains(t, eventTypes(t, second, "r1"), domain.EventTypeRunResumed)
}

func TestObjectiveUpdateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, objectivePreset)

	first := e.service()
	_, err := first.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "planning"})
	require.NoError(t, err)
	detail, err := first.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "pick a venue", detail.Objective)

	_, err = first.Tick(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, first.UpdateObjective(ctx, "r1", "  pick a date "))

	snap, err := first.GetSnapshot(ctx, "r1")
	require.NoError(t, err)
	require.True(t, snap.Structured())
	assert.Equal(t, "pick a date", *snap.Payload.Objective)
	assert.Contains(t, eventTypes(t, first, "r1"), domain.EventTypeObjectiveUpdated)

	second := e.service()
	_, err = second.Tick(ctx, "r1")
	require.NoError(t, err)
	detail, err = second.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, detail.Live)
	assert.Equal(t, "pick a date", detail.Objective)
	assert.Equal(t, 2, detail.Round)

	err = second.UpdateObjective(ctx, "nope", "anything")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
}

func TestResumeFromOpaqueSnapshotStartsEmpty(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, pairPreset)
	svc := e.service()

	require.NoError(t, e.store.UpsertRun(ctx, &domain.Run{RunID: "r1", PresetID: "pair", Status: domain.RunStatusRunning}))
	round := 7
	err := e.store.SaveSnapshot(ctx, "r1", domain.SnapshotPayload{
		Version: domain.SnapshotVersion,
		Round:   &round,
		History: []domain.HistoryEntry{{AgentID: "A", Content: json.RawMessage(`{broken`)}},
	})
	require.ErrorIs(t, err, domain.ErrSnapshotOpaque)

	opened, err := svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair", Resume: true})
	require.NoError(t, err)
	assert.True(t, opened.Resumed)
	assert.True(t, opened.ResumedEmpty)
	assert.Equal(t, 0, opened.Round)
	assert.Equal(t, domain.RunStatusRunning, opened.Status)
	assert.Contains(t, eventTypes(t, svc, "r1"), domain.EventTypeResumeEmptyState)
}

func TestStopAndClearStop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stopperPreset)
	svc := e.service()

	opened, err := svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "stopper"})
	require.NoError(t, err)

	out, err := svc.RunRounds(ctx, opened.RunID, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStopped, out.Status)
	assert.Equal(t, 1, out.Ticks)

	_, err = svc.Tick(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrRunNotRunning))

	// the stop flag survives a restart
	restarted := e.service()
	_, err = restarted.Tick(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrRunNotRunning))

	status, err := restarted.ClearStop(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, status)

	snap, err := restarted.GetSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, *snap.Payload.Stop)

	res, err := restarted.Tick(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Round)
	assert.True(t, res.Stop)

	types := eventTypes(t, restarted, "r1")
	assert.Contains(t, types, domain.EventTypeRunStopped)
	assert.Contains(t, types, domain.EventTypeStopCleared)
}

func TestUserMessages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, chatPreset)
	svc := e.service()

	_, err := svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "chat"})
	require.NoError(t, err)

	_, err = svc.PostUserMessage(ctx, "r1", "A", "hello")
	assert.True(t, errors.Is(err, domain.ErrUnknownParticipant))

	pending, err := svc.PostUserMessage(ctx, "r1", "you", "what about costs?")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	_, err = svc.Tick(ctx, "r1")
	require.NoError(t, err)
	_, err = svc.Tick(ctx, "r1")
	require.NoError(t, err)

	recs, err := svc.GetTranscript(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "you", recs[0].AgentID)
	assert.Equal(t, "what about costs?", domain.ContentText(recs[0].Content))
	assert.Equal(t, "A", recs[2].AgentID)
}

func TestBudgetAndContractsEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, budgetedPreset)
	svc := e.service()

	_, err := svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "budgeted"})
	require.NoError(t, err)
	_, err = svc.RunRounds(ctx, "r1", 4)
	require.NoError(t, err)

	recs, err := svc.GetTranscript(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, rec := range recs[:3] {
		assert.False(t, rec.Failed())
	}
	// the denied fourth call leaves the output without citations
	assert.True(t, recs[3].Failed())
	assert.Contains(t, recs[3].Error, "citation")

	snap, err := svc.GetSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Payload.Budgets["echo"].RunTotal)
}

func TestPurgeRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, pairPreset)
	svc := e.service()

	_, err := svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair"})
	require.NoError(t, err)
	_, err = svc.Tick(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, svc.PurgeRun(ctx, "r1"))

	_, err = svc.GetRun(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
	_, err = svc.GetTranscript(ctx, "r1", 0)
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
	assert.True(t, errors.Is(svc.PurgeRun(ctx, "r1"), domain.ErrRunNotFound))

	// the id can be reused for a fresh run
	_, err = svc.OpenRun(ctx, OpenRequest{RunID: "r1", PresetID: "pair"})
	require.NoError(t, err)
	recs, err := svc.GetTranscript(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	svc := newEnv(t).service()

	_, err := svc.Tick(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
	_, err = svc.GetSnapshot(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
	_, err = svc.GetRunEvents(ctx, "nope", 0, nil, 0)
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))

	runs, err := svc.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
