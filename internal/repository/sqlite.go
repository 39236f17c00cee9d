package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/roundtable/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			preset_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			thread_id TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	if err := s.ensureColumn("runs", "preset_id", "ALTER TABLE runs ADD COLUMN preset_id TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertRun creates a run row or refreshes its preset and status.
func (s *SQLiteStore) UpsertRun(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, preset_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET preset_id = excluded.preset_id, status = excluded.status,
		 updated_at = excluded.updated_at, error = NULL`,
		run.RunID, run.PresetID, run.Status, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var errData sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, preset_id, status, created_at, updated_at, error FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.PresetID, &run.Status, &run.CreatedAt, &run.UpdatedAt, &errData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// ListRuns lists every run, most recently updated first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, preset_id, status, created_at, updated_at, error FROM runs ORDER BY updated_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var errData sql.NullString
		if err := rows.Scan(&run.RunID, &run.PresetID, &run.Status, &run.CreatedAt, &run.UpdatedAt, &errData); err != nil {
			return nil, err
		}
		if errData.Valid {
			run.Error = json.RawMessage(errData.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus updates the status of a run and, when errData is not nil,
// its error payload.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error {
	var errStr sql.NullString
	if errData != nil {
		errStr = sql.NullString{String: string(errData), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ?, error = ? WHERE run_id = ?`,
		status, time.Now().UTC(), errStr, runID)
	return err
}

// SaveSnapshot upserts the snapshot row of runID. When the payload cannot
// be serialized a non-resumable opaque row is written instead and an error
// wrapping domain.ErrSnapshotOpaque is returned.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, payload domain.SnapshotPayload) error {
	format := domain.SnapshotFormatStructured
	version := payload.Version
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		format = domain.SnapshotFormatOpaque
		version = 0
		data = []byte(fmt.Sprintf("%v", payload))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (thread_id, format, version, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET format = excluded.format, version = excluded.version,
		 payload = excluded.payload, updated_at = excluded.updated_at`,
		runID, format, version, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if marshalErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrSnapshotOpaque, marshalErr)
	}
	return nil
}

// LoadSnapshot returns the snapshot of runID, nil when none exists. A row
// whose payload cannot be decoded is returned tagged as opaque.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, runID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	var format, payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, format, payload, updated_at FROM snapshots WHERE thread_id = ?`,
		runID).Scan(&snap.ThreadID, &format, &payload, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap.Format = domain.SnapshotFormat(format)
	if snap.Format == domain.SnapshotFormatStructured {
		var p domain.SnapshotPayload
		if err := json.Unmarshal([]byte(payload), &p); err == nil && p.Version >= 1 && p.Version <= domain.SnapshotVersion {
			snap.Payload = &p
			return &snap, nil
		}
	}
	snap.Format = domain.SnapshotFormatOpaque
	snap.Raw = payload
	return &snap, nil
}

// ListThreads lists snapshot keys, most recently updated first.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]domain.ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, updated_at FROM snapshots ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []domain.ThreadInfo
	for rows.Next() {
		var t domain.ThreadInfo
		if err := rows.Scan(&t.ThreadID, &t.UpdatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves events for a run.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PurgeRun deletes the events, snapshot and run row of runID.
func (s *SQLiteStore) PurgeRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE run_id = ?`,
		`DELETE FROM snapshots WHERE thread_id = ?`,
		`DELETE FROM runs WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return fmt.Errorf("failed to purge run: %w", err)
		}
	}
	return tx.Commit()
}
