package domain

import "errors"

var (
	// ErrRunNotFound is returned when no run or snapshot exists for an id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when opening a fresh run under an id that is
	// already open or persisted.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidRunID marks a run id outside the accepted charset.
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrRunNotRunning is returned when Tick is called outside the Running state.
	ErrRunNotRunning = errors.New("run is not running")
	// ErrRunBusy is returned when another tick of the same run is in progress.
	ErrRunBusy = errors.New("run is busy")
	// ErrUnknownParticipant marks a scheduler or preset referencing an id outside the roster.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrUnknownScheduler marks an unregistered scheduler name.
	ErrUnknownScheduler = errors.New("unknown scheduler")
	// ErrInvalidPreset marks a preset that failed validation.
	ErrInvalidPreset = errors.New("invalid preset")
	// ErrSkipTurn lets a participant pass on a round without producing a record.
	ErrSkipTurn = errors.New("participant skipped turn")
	// ErrSnapshotOpaque marks a snapshot that could not be written in structured form.
	ErrSnapshotOpaque = errors.New("snapshot stored as opaque blob")
)
