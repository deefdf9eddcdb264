package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asap-proto/asap/pkg/envelope"
)

// SnapshotStore persists versioned task-state checkpoints. Versions are
// strictly increasing per task, but the store does not assign them —
// the caller chooses.
type SnapshotStore interface {
	// Save inserts or overwrites the snapshot at (TaskID, Version).
	Save(ctx context.Context, snap envelope.StateSnapshot) error
	// Get returns the snapshot at version, or the latest version when
	// version is nil.
	Get(ctx context.Context, taskID string, version *int64) (envelope.StateSnapshot, bool, error)
	// ListVersions returns every version recorded for taskID, ascending.
	ListVersions(ctx context.Context, taskID string) ([]int64, error)
	// Delete removes one version, or every version when version is nil.
	// Deleting the current latest version refreshes the latest pointer
	// to the new maximum remaining version; deleting the last remaining
	// version removes the task entry entirely.
	Delete(ctx context.Context, taskID string, version *int64) error
}

// InMemorySnapshotStore is a mutex-guarded SnapshotStore for tests and
// single-process deployments.
type InMemorySnapshotStore struct {
	mu    sync.Mutex
	tasks map[string]map[int64]envelope.StateSnapshot
}

// NewInMemorySnapshotStore creates an empty store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{tasks: make(map[string]map[int64]envelope.StateSnapshot)}
}

// Save implements SnapshotStore.
func (s *InMemorySnapshotStore) Save(_ context.Context, snap envelope.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.tasks[snap.TaskID]
	if !ok {
		versions = make(map[int64]envelope.StateSnapshot)
		s.tasks[snap.TaskID] = versions
	}
	versions[snap.Version] = snap
	return nil
}

// Get implements SnapshotStore.
func (s *InMemorySnapshotStore) Get(_ context.Context, taskID string, version *int64) (envelope.StateSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.tasks[taskID]
	if !ok || len(versions) == 0 {
		return envelope.StateSnapshot{}, false, nil
	}

	if version != nil {
		snap, ok := versions[*version]
		return snap, ok, nil
	}

	latest := latestVersion(versions)
	return versions[latest], true, nil
}

// ListVersions implements SnapshotStore.
func (s *InMemorySnapshotStore) ListVersions(_ context.Context, taskID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.tasks[taskID]
	out := make([]int64, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Delete implements SnapshotStore.
func (s *InMemorySnapshotStore) Delete(_ context.Context, taskID string, version *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.tasks[taskID]
	if !ok {
		return nil
	}

	if version == nil {
		delete(s.tasks, taskID)
		return nil
	}

	delete(versions, *version)
	if len(versions) == 0 {
		delete(s.tasks, taskID)
	}
	return nil
}

func latestVersion(versions map[int64]envelope.StateSnapshot) int64 {
	var max int64
	first := true
	for v := range versions {
		if first || v > max {
			max = v
			first = false
		}
	}
	return max
}

// SQLiteSnapshotStore is the durable SnapshotStore backend: a single
// `snapshots` table in the shared storage file.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore wraps db, creating the snapshots table if
// absent.
func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	s := &SQLiteSnapshotStore{db: db}
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS snapshots (
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data_json TEXT NOT NULL,
			checkpoint TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (task_id, version)
		);
	`); err != nil {
		return nil, fmt.Errorf("storage: migrate snapshots: %w", err)
	}
	return s, nil
}

// Save implements SnapshotStore.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap envelope.StateSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (task_id, version, data_json, checkpoint, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, version) DO UPDATE SET
			data_json = excluded.data_json,
			checkpoint = excluded.checkpoint,
			created_at = excluded.created_at
	`, snap.TaskID, snap.Version, string(snap.Data), snap.Checkpoint, snap.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: save snapshot: %w", err)
	}
	return nil
}

// Get implements SnapshotStore.
func (s *SQLiteSnapshotStore) Get(ctx context.Context, taskID string, version *int64) (envelope.StateSnapshot, bool, error) {
	var row *sql.Row
	if version != nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT task_id, version, data_json, checkpoint, created_at
			FROM snapshots WHERE task_id = ? AND version = ?
		`, taskID, *version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT task_id, version, data_json, checkpoint, created_at
			FROM snapshots WHERE task_id = ? ORDER BY version DESC LIMIT 1
		`, taskID)
	}
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (envelope.StateSnapshot, bool, error) {
	var (
		snap      envelope.StateSnapshot
		dataJSON  string
		createdAt string
	)
	if err := row.Scan(&snap.TaskID, &snap.Version, &dataJSON, &snap.Checkpoint, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return envelope.StateSnapshot{}, false, nil
		}
		return envelope.StateSnapshot{}, false, fmt.Errorf("storage: get snapshot: %w", err)
	}
	snap.Data = json.RawMessage(dataJSON)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return snap, true, nil
}

// ListVersions implements SnapshotStore.
func (s *SQLiteSnapshotStore) ListVersions(ctx context.Context, taskID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version FROM snapshots WHERE task_id = ? ORDER BY version ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Delete implements SnapshotStore. The latest-pointer and task-cleanup
// behavior fall out of the table having no separate "latest" column:
// Get(taskID, nil) always derives latest from MAX(version), and deleting
// the last row for a task leaves nothing to query.
func (s *SQLiteSnapshotStore) Delete(ctx context.Context, taskID string, version *int64) error {
	var err error
	if version != nil {
		_, err = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE task_id = ? AND version = ?`, taskID, *version)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE task_id = ?`, taskID)
	}
	if err != nil {
		return fmt.Errorf("storage: delete snapshot: %w", err)
	}
	return nil
}
