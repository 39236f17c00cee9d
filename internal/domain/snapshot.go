package domain

import (
	"encoding/json"
	"time"
)

// BudgetCounter is the persisted form of one resource's counters and limits.
type BudgetCounter struct {
	RunTotal   int `json:"runTotal"`
	RunMax     int `json:"runMax,omitempty"`
	RoundTotal int `json:"roundTotal"`
	RoundMax   int `json:"roundMax,omitempty"`
	RunMin     int `json:"runMin,omitempty"`
	RoundMin   int `json:"roundMin,omitempty"`
}

// HistoryEntry is one item of the in-memory context window.
type HistoryEntry struct {
	Round    int             `json:"round"`
	AgentID  string          `json:"agent_id"`
	Role     string          `json:"role"`
	Content  json.RawMessage `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SnapshotPayload is the structured, versioned serialization of a run state.
// Pointer fields distinguish "absent" from zero values during resume merges.
type SnapshotPayload struct {
	Version        int                      `json:"version"`
	Round          *int                     `json:"round,omitempty"`
	Stop           *bool                    `json:"stop,omitempty"`
	History        []HistoryEntry           `json:"history"`
	RunningSummary *string                  `json:"runningSummary,omitempty"`
	Objective      *string                  `json:"objective,omitempty"`
	Budgets        map[string]BudgetCounter `json:"budgets,omitempty"`
}

// Snapshot is a keyed snapshot row as loaded from the store.
type Snapshot struct {
	ThreadID  string           `json:"threadId"`
	Format    SnapshotFormat   `json:"format"`
	Payload   *SnapshotPayload `json:"payload,omitempty"`
	Raw       string           `json:"raw,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Structured reports whether the snapshot can be merged field by field.
func (s *Snapshot) Structured() bool {
	return s != nil && s.Format == SnapshotFormatStructured && s.Payload != nil
}

// ThreadInfo is one entry of the thread listing.
type ThreadInfo struct {
	ThreadID  string    `json:"thread_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
