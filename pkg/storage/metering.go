package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asap-proto/asap/pkg/envelope"
)

// Metrics is the typed payload of one usage event: a quantified
// occurrence of something worth billing or rate-reporting on, plus
// free-form metadata. Stored as metrics_json.
type Metrics struct {
	EventType string         `json:"event_type"`
	Quantity  int64          `json:"quantity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UsageEvent is a single metered occurrence, scoped to the agent that
// did the work, the consumer on whose behalf it was done, and the task
// it happened within.
type UsageEvent struct {
	ID         string
	TaskID     string
	AgentID    string
	ConsumerID string
	Metrics    Metrics
	Timestamp  time.Time
}

// Aggregation is one of the four grouping keys a Meter.Aggregate call
// accepts.
type Aggregation string

const (
	AggregateByAgent    Aggregation = "agent"
	AggregateByConsumer Aggregation = "consumer"
	AggregateByDay      Aggregation = "day"
	AggregateByWeek     Aggregation = "week"
)

// UsageQuery windows and filters a Meter.Query/Aggregate call. Zero
// values for AgentID/ConsumerID/TaskID mean "any"; a zero Start/End
// means unbounded on that side.
type UsageQuery struct {
	AgentID    string
	ConsumerID string
	TaskID     string
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}

// AggregateBucket is one row of an Aggregate result: a group key (the
// agent id, consumer id, or bucket-start date depending on Aggregation)
// with its summed quantity and event count.
type AggregateBucket struct {
	Key      string
	Quantity int64
	Count    int64
}

// Meter records and queries usage events.
type Meter interface {
	Record(ctx context.Context, event UsageEvent) error
	RecordBatch(ctx context.Context, events []UsageEvent) error
	Query(ctx context.Context, q UsageQuery) ([]UsageEvent, error)
	Aggregate(ctx context.Context, q UsageQuery, by Aggregation) ([]AggregateBucket, error)
	// PurgeExpired removes events older than ttl and returns the count
	// removed.
	PurgeExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// InMemoryMeter is a mutex-guarded Meter for tests and single-process
// deployments.
type InMemoryMeter struct {
	mu     sync.Mutex
	events []UsageEvent
	seq    int64
	now    func() time.Time
}

// NewInMemoryMeter creates an empty in-memory meter.
func NewInMemoryMeter() *InMemoryMeter {
	return &InMemoryMeter{now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (m *InMemoryMeter) WithClock(now func() time.Time) *InMemoryMeter {
	m.now = now
	return m
}

// Record implements Meter.
func (m *InMemoryMeter) Record(_ context.Context, event UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(event)
	return nil
}

// RecordBatch implements Meter.
func (m *InMemoryMeter) RecordBatch(_ context.Context, events []UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range events {
		m.recordLocked(event)
	}
	return nil
}

func (m *InMemoryMeter) recordLocked(event UsageEvent) {
	m.seq++
	if event.ID == "" {
		event.ID = envelope.NewULID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}
	m.events = append(m.events, event)
}

func matches(e UsageEvent, q UsageQuery) bool {
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.ConsumerID != "" && e.ConsumerID != q.ConsumerID {
		return false
	}
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !e.Timestamp.Before(q.End) {
		return false
	}
	return true
}

// Query implements Meter.
func (m *InMemoryMeter) Query(_ context.Context, q UsageQuery) ([]UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []UsageEvent
	for _, e := range m.events {
		if matches(e, q) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Aggregate implements Meter.
func (m *InMemoryMeter) Aggregate(_ context.Context, q UsageQuery, by Aggregation) ([]AggregateBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := make(map[string]*AggregateBucket)
	for _, e := range m.events {
		if !matches(e, q) {
			continue
		}
		key := aggregateKey(e, by)
		b, ok := buckets[key]
		if !ok {
			b = &AggregateBucket{Key: key}
			buckets[key] = b
		}
		b.Quantity += e.Metrics.Quantity
		b.Count++
	}

	out := make([]AggregateBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func aggregateKey(e UsageEvent, by Aggregation) string {
	switch by {
	case AggregateByAgent:
		return e.AgentID
	case AggregateByConsumer:
		return e.ConsumerID
	case AggregateByWeek:
		year, week := e.Timestamp.UTC().ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case AggregateByDay:
		fallthrough
	default:
		return e.Timestamp.UTC().Format("2006-01-02")
	}
}

// PurgeExpired implements Meter.
func (m *InMemoryMeter) PurgeExpired(_ context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-ttl)
	kept := m.events[:0]
	removed := 0
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

// SQLiteMeter is the durable Meter backend: a single `usage_events`
// table in the shared storage file.
type SQLiteMeter struct {
	db *sql.DB
}

// NewSQLiteMeter wraps db, creating the usage_events table if absent.
func NewSQLiteMeter(db *sql.DB) (*SQLiteMeter, error) {
	s := &SQLiteMeter{db: db}
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			consumer_id TEXT NOT NULL DEFAULT '',
			metrics_json TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_scope ON usage_events(agent_id, consumer_id, task_id, timestamp);
	`); err != nil {
		return nil, fmt.Errorf("storage: migrate usage_events: %w", err)
	}
	return s, nil
}

// Record implements Meter.
func (s *SQLiteMeter) Record(ctx context.Context, event UsageEvent) error {
	return s.RecordBatch(ctx, []UsageEvent{event})
}

// RecordBatch implements Meter, inserting all events in one transaction.
func (s *SQLiteMeter) RecordBatch(ctx context.Context, events []UsageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin usage_events tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (id, task_id, agent_id, consumer_id, metrics_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare usage_events insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, e := range events {
		if e.ID == "" {
			e.ID = envelope.NewULID()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		metricsJSON, err := json.Marshal(e.Metrics)
		if err != nil {
			return fmt.Errorf("storage: marshal metrics: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.TaskID, e.AgentID, e.ConsumerID, string(metricsJSON), e.Timestamp.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("storage: insert usage_event: %w", err)
		}
	}

	return tx.Commit()
}

// Query implements Meter.
func (s *SQLiteMeter) Query(ctx context.Context, q UsageQuery) ([]UsageEvent, error) {
	clause, args := whereClause(q)
	query := fmt.Sprintf(`
		SELECT id, task_id, agent_id, consumer_id, metrics_json, timestamp
		FROM usage_events %s ORDER BY timestamp ASC
	`, clause)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query usage_events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageEvent
	for rows.Next() {
		e, err := scanUsageEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Aggregate implements Meter by scanning matching rows and folding them
// in Go — the bucket key (agent/consumer/day/week) is computed the same
// way the in-memory implementation does it, so behavior is identical
// across backends.
func (s *SQLiteMeter) Aggregate(ctx context.Context, q UsageQuery, by Aggregation) ([]AggregateBucket, error) {
	clause, args := whereClause(q)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, task_id, agent_id, consumer_id, metrics_json, timestamp
		FROM usage_events %s
	`, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: aggregate usage_events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	buckets := make(map[string]*AggregateBucket)
	for rows.Next() {
		e, err := scanUsageEvent(rows)
		if err != nil {
			return nil, err
		}
		key := aggregateKey(e, by)
		b, ok := buckets[key]
		if !ok {
			b = &AggregateBucket{Key: key}
			buckets[key] = b
		}
		b.Quantity += e.Metrics.Quantity
		b.Count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]AggregateBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PurgeExpired implements Meter.
func (s *SQLiteMeter) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge usage_events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func whereClause(q UsageQuery) (string, []any) {
	var clauses []string
	var args []any
	if q.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.ConsumerID != "" {
		clauses = append(clauses, "consumer_id = ?")
		args = append(args, q.ConsumerID)
	}
	if q.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if !q.Start.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, q.End.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := "WHERE "
	for i, c := range clauses {
		if i > 0 {
			where += " AND "
		}
		where += c
	}
	return where, args
}

func scanUsageEvent(rows *sql.Rows) (UsageEvent, error) {
	var (
		e           UsageEvent
		metricsJSON string
		timestamp   string
	)
	if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.ConsumerID, &metricsJSON, &timestamp); err != nil {
		return UsageEvent{}, err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &e.Metrics); err != nil {
		return UsageEvent{}, fmt.Errorf("storage: unmarshal metrics: %w", err)
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	return e, nil
}
