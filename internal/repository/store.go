// Package store persists runs: snapshots and lifecycle events in SQLite and
// the per-run transcript as an append-only JSONL log.
package store

import (
	"context"

	"github.com/xiaot623/roundtable/internal/domain"
)

// Store defines the keyed persistence used by the service.
type Store interface {
	// Run operations
	UpsertRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error

	// Snapshot operations
	SaveSnapshot(ctx context.Context, runID string, payload domain.SnapshotPayload) error
	LoadSnapshot(ctx context.Context, runID string) (*domain.Snapshot, error)
	ListThreads(ctx context.Context) ([]domain.ThreadInfo, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// PurgeRun removes every row of a run.
	PurgeRun(ctx context.Context, runID string) error

	// Lifecycle
	Close() error
}
