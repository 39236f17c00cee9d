// Package domain defines the core domain models shared by the round engine,
// the persistence layer and the transport.
package domain

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusStopped   RunStatus = "STOPPED"
	RunStatusExhausted RunStatus = "EXHAUSTED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether no further tick may be executed in the current invocation.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusStopped, RunStatusExhausted, RunStatusAborted:
		return true
	}
	return false
}

// ActionType enumerates control actions a privileged participant may emit.
type ActionType string

const (
	ActionContinue ActionType = "CONTINUE"
	ActionStop     ActionType = "STOP"
	ActionStepBack ActionType = "STEP_BACK"
)

// EventType represents the type of a run lifecycle event.
type EventType string

const (
	EventTypeRunOpened        EventType = "run_opened"
	EventTypeRunResumed       EventType = "run_resumed"
	EventTypeResumeEmptyState EventType = "resume_empty_state"
	EventTypeTickCompleted    EventType = "tick_completed"
	EventTypeRunStopped       EventType = "run_stopped"
	EventTypeRunExhausted     EventType = "run_exhausted"
	EventTypeRunAborted       EventType = "run_aborted"
	EventTypeStopCleared      EventType = "stop_cleared"
	EventTypeSnapshotOpaque   EventType = "snapshot_opaque"
	EventTypeUserMessage      EventType = "user_message"
	EventTypeObjectiveUpdated EventType = "objective_updated"
)

// SnapshotFormat tags how a snapshot row was written.
type SnapshotFormat string

const (
	SnapshotFormatStructured SnapshotFormat = "structured"
	SnapshotFormatOpaque     SnapshotFormat = "opaque"
)

// SnapshotVersion is the current structured snapshot layout.
const SnapshotVersion = 1
