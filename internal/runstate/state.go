// Package runstate holds the mutable aggregate that the engine advances one
// tick at a time: round counter, stop flag, history, running summary and
// budget ledger, plus the objective participants work towards.
package runstate

import (
	"sync"

	"github.com/xiaot623/roundtable/internal/budget"
	"github.com/xiaot623/roundtable/internal/domain"
)

// State is the unit of persistence for a run.
type State struct {
	Round          int
	Stop           bool
	History        *History
	RunningSummary string
	Objective      string
	Budgets        *budget.Ledger

	// queued user messages are transient and never snapshotted
	mu         sync.Mutex
	userInputs map[string][]string
}

// New creates a fresh state at round zero.
func New(window int, limits map[string]budget.Limit) *State {
	return &State{
		History:    NewHistory(window),
		Budgets:    budget.New(limits),
		userInputs: make(map[string][]string),
	}
}

// PushUserInput queues a message for the user participant with the given id.
func (s *State) PushUserInput(userID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInputs[userID] = append(s.userInputs[userID], text)
}

// PopUserInput dequeues the oldest message for userID.
func (s *State) PopUserInput(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.userInputs[userID]
	if len(queue) == 0 {
		return "", false
	}
	msg := queue[0]
	if len(queue) == 1 {
		delete(s.userInputs, userID)
	} else {
		s.userInputs[userID] = queue[1:]
	}
	return msg, true
}

// PendingUserInputs returns the number of queued messages for userID.
func (s *State) PendingUserInputs(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.userInputs[userID])
}

// Snapshot serializes every persisted field.
func (s *State) Snapshot() domain.SnapshotPayload {
	round := s.Round
	stop := s.Stop
	summary := s.RunningSummary
	objective := s.Objective
	return domain.SnapshotPayload{
		Version:        domain.SnapshotVersion,
		Round:          &round,
		Stop:           &stop,
		History:        s.History.Entries(),
		RunningSummary: &summary,
		Objective:      &objective,
		Budgets:        s.Budgets.Counters(),
	}
}
