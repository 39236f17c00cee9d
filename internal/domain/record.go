package domain

import (
	"encoding/json"
	"time"
)

// Action is a control signal emitted by a moderator-style participant.
type Action struct {
	Type           ActionType `json:"type"`
	Rollback       int        `json:"rollback,omitempty"`
	ClearSummaries bool       `json:"clearSummaries,omitempty"`
}

// Record is one transcript line: a single participant invocation in one round.
// Records are immutable once appended.
type Record struct {
	T         float64         `json:"t"`
	Iter      int             `json:"iter"`
	AgentID   string          `json:"agent_id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Actions   []Action        `json:"actions,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMs *float64        `json:"latency_ms,omitempty"`
}

// Failed reports whether the record carries an error indicator.
func (r Record) Failed() bool {
	return r.Error != ""
}

// EpochSeconds converts a wall-clock time into the transcript timestamp format.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TextContent encodes a plain string as record content.
func TextContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ContentText returns the content as text: the string itself for string
// content, the raw JSON otherwise.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
