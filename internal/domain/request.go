package domain

// CreateRunRequest represents a request to open or resume a run.
type CreateRunRequest struct {
	RunID      string `json:"run_id,omitempty"`
	PresetID   string `json:"preset_id,omitempty"`
	PresetYAML string `json:"preset_yaml,omitempty"`
	Resume     bool   `json:"resume,omitempty"`
}

// RunRoundsRequest represents a request to tick a run several times.
type RunRoundsRequest struct {
	Rounds int `json:"rounds"`
}

// ObjectiveRequest replaces the objective of a run.
type ObjectiveRequest struct {
	Objective string `json:"objective"`
}

// UserMessageRequest queues a message for a user participant.
type UserMessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}
