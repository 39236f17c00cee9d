package domain

import (
	"encoding/json"
	"time"
)

// Run is the persisted row describing a run and its last known status.
type Run struct {
	RunID     string          `json:"run_id"`
	PresetID  string          `json:"preset_id"`
	Status    RunStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Event represents a lifecycle event for a run.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TickCompletedPayload is the payload of a tick_completed event.
type TickCompletedPayload struct {
	Round   int  `json:"round"`
	Records int  `json:"records"`
	Errors  int  `json:"errors"`
	Stop    bool `json:"stop"`
}

// RunEndedPayload is the payload of the terminal run events.
type RunEndedPayload struct {
	Status RunStatus `json:"status"`
	Round  int       `json:"round"`
	Reason string    `json:"reason,omitempty"`
}
