package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asap-proto/asap/pkg/envelope"
)

// ErrTaskDepthExceeded is returned by Create when a subtask would exceed
// envelope.MaxTaskDepth, preventing unbounded subtask recursion.
var ErrTaskDepthExceeded = errors.New("storage: task depth exceeds MaxTaskDepth")

// TaskStore persists Task/Message/Artifact lifecycle records, following
// the same dual in-memory/SQLite backend pattern as SnapshotStore and
// Meter.
type TaskStore interface {
	Create(ctx context.Context, task envelope.Task) error
	Get(ctx context.Context, taskID string) (envelope.Task, bool, error)
	UpdateStatus(ctx context.Context, taskID string, status envelope.TaskStatus) error
	AppendMessage(ctx context.Context, msg envelope.Message) error
	AddArtifact(ctx context.Context, artifact envelope.Artifact) error
	ListByConversation(ctx context.Context, conversationID string) ([]envelope.Task, error)
	Messages(ctx context.Context, taskID string) ([]envelope.Message, error)
	Artifacts(ctx context.Context, taskID string) ([]envelope.Artifact, error)
}

// InMemoryTaskStore is a mutex-guarded TaskStore for tests and
// single-process deployments.
type InMemoryTaskStore struct {
	mu        sync.Mutex
	tasks     map[string]envelope.Task
	messages  map[string][]envelope.Message
	artifacts map[string][]envelope.Artifact
}

// NewInMemoryTaskStore creates an empty store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks:     make(map[string]envelope.Task),
		messages:  make(map[string][]envelope.Message),
		artifacts: make(map[string][]envelope.Artifact),
	}
}

// Create implements TaskStore.
func (s *InMemoryTaskStore) Create(_ context.Context, task envelope.Task) error {
	if task.Depth > envelope.MaxTaskDepth {
		return ErrTaskDepthExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// Get implements TaskStore.
func (s *InMemoryTaskStore) Get(_ context.Context, taskID string) (envelope.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok, nil
}

// UpdateStatus implements TaskStore.
func (s *InMemoryTaskStore) UpdateStatus(_ context.Context, taskID string, status envelope.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("storage: unknown task %s", taskID)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = t
	return nil
}

// AppendMessage implements TaskStore.
func (s *InMemoryTaskStore) AppendMessage(_ context.Context, msg envelope.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.TaskID] = append(s.messages[msg.TaskID], msg)
	return nil
}

// AddArtifact implements TaskStore.
func (s *InMemoryTaskStore) AddArtifact(_ context.Context, artifact envelope.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.TaskID] = append(s.artifacts[artifact.TaskID], artifact)
	return nil
}

// ListByConversation implements TaskStore.
func (s *InMemoryTaskStore) ListByConversation(_ context.Context, conversationID string) ([]envelope.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []envelope.Task
	for _, t := range s.tasks {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Messages implements TaskStore.
func (s *InMemoryTaskStore) Messages(_ context.Context, taskID string) ([]envelope.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.Message, len(s.messages[taskID]))
	copy(out, s.messages[taskID])
	return out, nil
}

// Artifacts implements TaskStore.
func (s *InMemoryTaskStore) Artifacts(_ context.Context, taskID string) ([]envelope.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.Artifact, len(s.artifacts[taskID]))
	copy(out, s.artifacts[taskID])
	return out, nil
}

// SQLiteTaskStore is the durable TaskStore backend, adding three tables
// (tasks, messages, artifacts) to the shared storage file alongside
// snapshots/usage_events.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore wraps db, creating the task tables if absent.
func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	s := &SQLiteTaskStore{db: db}
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			status TEXT NOT NULL,
			depth INTEGER NOT NULL DEFAULT 0,
			parent_task_id TEXT NOT NULL DEFAULT '',
			input_json TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);
		CREATE TABLE IF NOT EXISTS task_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id);
		CREATE TABLE IF NOT EXISTS task_artifacts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			data BLOB,
			blob_ref TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id);
	`); err != nil {
		return nil, fmt.Errorf("storage: migrate task tables: %w", err)
	}
	return s, nil
}

// Create implements TaskStore.
func (s *SQLiteTaskStore) Create(ctx context.Context, task envelope.Task) error {
	if task.Depth > envelope.MaxTaskDepth {
		return ErrTaskDepthExceeded
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, conversation_id, skill_id, status, depth, parent_task_id, input_json, result_json, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ConversationID, task.SkillID, string(task.Status), task.Depth, task.ParentTaskID,
		string(task.Input), string(task.Result), task.Error, now, now)
	if err != nil {
		return fmt.Errorf("storage: create task: %w", err)
	}
	return nil
}

// Get implements TaskStore.
func (s *SQLiteTaskStore) Get(ctx context.Context, taskID string) (envelope.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, skill_id, status, depth, parent_task_id, input_json, result_json, error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (envelope.Task, bool, error) {
	var (
		t                    envelope.Task
		status               string
		inputJSON, resultJSON string
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.SkillID, &status, &t.Depth, &t.ParentTaskID, &inputJSON, &resultJSON, &t.Error, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return envelope.Task{}, false, nil
		}
		return envelope.Task{}, false, fmt.Errorf("storage: get task: %w", err)
	}
	t.Status = envelope.TaskStatus(status)
	if inputJSON != "" {
		t.Input = json.RawMessage(inputJSON)
	}
	if resultJSON != "" {
		t.Result = json.RawMessage(resultJSON)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, true, nil
}

// UpdateStatus implements TaskStore.
func (s *SQLiteTaskStore) UpdateStatus(ctx context.Context, taskID string, status envelope.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("storage: update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: unknown task %s", taskID)
	}
	return nil
}

// AppendMessage implements TaskStore.
func (s *SQLiteTaskStore) AppendMessage(ctx context.Context, msg envelope.Message) error {
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("storage: marshal message parts: %w", err)
	}
	id := msg.ID
	if id == "" {
		id = envelope.NewULID()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_messages (id, task_id, role, parts_json, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, msg.TaskID, string(msg.Role), string(partsJSON), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: append message: %w", err)
	}
	return nil
}

// AddArtifact implements TaskStore.
func (s *SQLiteTaskStore) AddArtifact(ctx context.Context, artifact envelope.Artifact) error {
	id := artifact.ID
	if id == "" {
		id = envelope.NewULID()
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_artifacts (id, task_id, name, content_type, data, blob_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, artifact.TaskID, artifact.Name, artifact.ContentType, artifact.Data, artifact.BlobRef, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: add artifact: %w", err)
	}
	return nil
}

// ListByConversation implements TaskStore.
func (s *SQLiteTaskStore) ListByConversation(ctx context.Context, conversationID string) ([]envelope.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, skill_id, status, depth, parent_task_id, input_json, result_json, error, created_at, updated_at
		FROM tasks WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list by conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []envelope.Task
	for rows.Next() {
		var (
			t                     envelope.Task
			status                string
			inputJSON, resultJSON string
			createdAt, updatedAt  string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.SkillID, &status, &t.Depth, &t.ParentTaskID, &inputJSON, &resultJSON, &t.Error, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.Status = envelope.TaskStatus(status)
		if inputJSON != "" {
			t.Input = json.RawMessage(inputJSON)
		}
		if resultJSON != "" {
			t.Result = json.RawMessage(resultJSON)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Messages implements TaskStore.
func (s *SQLiteTaskStore) Messages(ctx context.Context, taskID string) ([]envelope.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, parts_json, created_at FROM task_messages WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []envelope.Message
	for rows.Next() {
		var (
			m         envelope.Message
			role      string
			partsJSON string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &role, &partsJSON, &createdAt); err != nil {
			return nil, err
		}
		m.Role = envelope.MessageRole(role)
		if err := json.Unmarshal([]byte(partsJSON), &m.Parts); err != nil {
			return nil, fmt.Errorf("storage: unmarshal parts: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Artifacts implements TaskStore.
func (s *SQLiteTaskStore) Artifacts(ctx context.Context, taskID string) ([]envelope.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, content_type, data, blob_ref, created_at FROM task_artifacts WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []envelope.Artifact
	for rows.Next() {
		var (
			a         envelope.Artifact
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.ContentType, &a.Data, &a.BlobRef, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
