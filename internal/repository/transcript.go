package store

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/xiaot623/roundtable/internal/domain"
)

var plainFileName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// TranscriptLog is the append-only JSONL transcript: one file per run, one
// record per line, synced on every append.
type TranscriptLog struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTranscriptLog creates the transcript directory if needed.
func NewTranscriptLog(dir string) (*TranscriptLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript dir: %w", err)
	}
	return &TranscriptLog{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the transcript file of runID. Ids made of file-safe
// characters map to themselves; any other id is hex encoded behind a "%"
// prefix, which never appears in a plain name, so distinct ids never share
// a file.
func (l *TranscriptLog) Path(runID string) string {
	name := runID
	if !plainFileName.MatchString(runID) {
		name = "%" + hex.EncodeToString([]byte(runID))
	}
	return filepath.Join(l.dir, name+".jsonl")
}

// lock returns the mutex guarding the file of runID.
func (l *TranscriptLog) lock(runID string) (*sync.Mutex, string) {
	path := l.Path(runID)
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m, path
}

// Append writes rec as a single line and syncs the file before returning.
func (l *TranscriptLog) Append(ctx context.Context, runID string, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	line = append(line, '\n')

	m, path := l.lock(runID)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync transcript: %w", err)
	}
	return f.Close()
}

// Read returns the last limit records of runID in append order; limit <= 0
// returns all. A missing transcript reads as empty. A torn trailing line
// left by a crash is skipped.
func (l *TranscriptLog) Read(ctx context.Context, runID string, limit int) ([]domain.Record, error) {
	m, path := l.lock(runID)
	m.Lock()
	defer m.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	records := []domain.Record{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) > limit {
			records = records[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return records, nil
}

// Purge deletes the transcript of runID.
func (l *TranscriptLog) Purge(runID string) error {
	m, path := l.lock(runID)
	m.Lock()
	defer m.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to purge transcript: %w", err)
	}
	return nil
}
