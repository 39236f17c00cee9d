package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/roundtable/internal/domain"
)

// RunDetail is a run row plus the live state of an open run.
type RunDetail struct {
	domain.Run
	Live           bool     `json:"live"`
	Round          int      `json:"round"`
	Stop           bool     `json:"stop"`
	RunningSummary string   `json:"running_summary,omitempty"`
	Objective      string   `json:"objective,omitempty"`
	Participants   []string `json:"participants,omitempty"`
	HistoryLen     int      `json:"history_len"`
}

// GetRun retrieves a run. Closed runs report the round of their snapshot.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	detail := &RunDetail{Run: *run}

	s.mu.Lock()
	lr := s.runs[runID]
	s.mu.Unlock()
	if lr != nil && lr.mu.TryLock() {
		defer lr.mu.Unlock()
		detail.Live = true
		detail.Round = lr.state.Round
		detail.Stop = lr.state.Stop
		detail.RunningSummary = lr.state.RunningSummary
		detail.Objective = lr.state.Objective
		detail.Participants = lr.engine.Roster()
		detail.HistoryLen = lr.state.History.Len()
		return detail, nil
	}
	if lr != nil {
		detail.Live = true
		detail.Participants = lr.engine.Roster()
	}

	snap, err := s.store.LoadSnapshot(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap.Structured() {
		if snap.Payload.Round != nil {
			detail.Round = *snap.Payload.Round
		}
		if snap.Payload.Stop != nil {
			detail.Stop = *snap.Payload.Stop
		}
		if snap.Payload.RunningSummary != nil {
			detail.RunningSummary = *snap.Payload.RunningSummary
		}
		if snap.Payload.Objective != nil {
			detail.Objective = *snap.Payload.Objective
		}
		detail.HistoryLen = len(snap.Payload.History)
	}
	return detail, nil
}

// ListRuns lists every persisted run.
func (s *Service) ListRuns(ctx context.Context) ([]domain.Run, error) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return runs, nil
}

// ListThreads lists snapshot keys, newest first.
func (s *Service) ListThreads(ctx context.Context) ([]domain.ThreadInfo, error) {
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	if threads == nil {
		threads = []domain.ThreadInfo{}
	}
	return threads, nil
}

// GetTranscript returns the last limit records of runID, all when limit <= 0.
func (s *Service) GetTranscript(ctx context.Context, runID string, limit int) ([]domain.Record, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return s.transcripts.Read(ctx, runID, limit)
}

// GetSnapshot returns the last snapshot of runID.
func (s *Service) GetSnapshot(ctx context.Context, runID string) (*domain.Snapshot, error) {
	snap, err := s.store.LoadSnapshot(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		return nil, domain.ErrRunNotFound
	}
	return snap, nil
}

// GetRunEvents returns the lifecycle events of runID.
func (s *Service) GetRunEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	events, err := s.store.GetEvents(ctx, runID, afterTs, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}
