package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asap-proto/asap/pkg/envelope"
)

func int64p(v int64) *int64 { return &v }

func TestSnapshotStoreLatestAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySnapshotStore()

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, store.Save(ctx, envelope.StateSnapshot{
			TaskID: "t1", Version: v, Data: json.RawMessage(`{"v":1}`), CreatedAt: time.Now(),
		}))
	}

	latest, ok, err := store.Get(ctx, "t1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), latest.Version)

	versions, err := store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, versions)

	// Deleting the latest version refreshes the latest pointer to the
	// new maximum.
	require.NoError(t, store.Delete(ctx, "t1", int64p(3)))
	latest, ok, err = store.Get(ctx, "t1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), latest.Version)

	// Deleting every remaining version removes the task entry entirely.
	require.NoError(t, store.Delete(ctx, "t1", int64p(2)))
	require.NoError(t, store.Delete(ctx, "t1", int64p(1)))
	_, ok, err = store.Get(ctx, "t1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotStoreOverwriteIsAllowed(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySnapshotStore()

	snap := envelope.StateSnapshot{TaskID: "t1", Version: 1, Data: json.RawMessage(`{"a":1}`), CreatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, snap))
	snap.Data = json.RawMessage(`{"a":2}`)
	require.NoError(t, store.Save(ctx, snap))

	got, ok, err := store.Get(ctx, "t1", int64p(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":2}`, string(got.Data))
}

func TestMeterAggregateByAgent(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryMeter()

	require.NoError(t, m.Record(ctx, UsageEvent{AgentID: "a1", ConsumerID: "c1", Metrics: Metrics{EventType: "task", Quantity: 3}}))
	require.NoError(t, m.Record(ctx, UsageEvent{AgentID: "a1", ConsumerID: "c2", Metrics: Metrics{EventType: "task", Quantity: 2}}))
	require.NoError(t, m.Record(ctx, UsageEvent{AgentID: "a2", ConsumerID: "c1", Metrics: Metrics{EventType: "task", Quantity: 5}}))

	buckets, err := m.Aggregate(ctx, UsageQuery{}, AggregateByAgent)
	require.NoError(t, err)

	totals := map[string]int64{}
	for _, b := range buckets {
		totals[b.Key] = b.Quantity
	}
	assert.Equal(t, int64(5), totals["a1"])
	assert.Equal(t, int64(5), totals["a2"])
}

func TestMeterPurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	m := NewInMemoryMeter().WithClock(func() time.Time { return clock })

	require.NoError(t, m.Record(ctx, UsageEvent{AgentID: "a1", Metrics: Metrics{Quantity: 1}, Timestamp: clock.Add(-48 * time.Hour)}))
	require.NoError(t, m.Record(ctx, UsageEvent{AgentID: "a1", Metrics: Metrics{Quantity: 1}, Timestamp: clock}))

	removed, err := m.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	remaining, err := m.Query(ctx, UsageQuery{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestTaskStoreDepthLimit(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTaskStore()

	err := store.Create(ctx, envelope.Task{ID: "deep", Depth: envelope.MaxTaskDepth + 1})
	require.ErrorIs(t, err, ErrTaskDepthExceeded)

	require.NoError(t, store.Create(ctx, envelope.Task{ID: "ok", Depth: 1, ConversationID: "c1", Status: envelope.TaskSubmitted}))
	got, ok, err := store.Get(ctx, "ok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, envelope.TaskSubmitted, got.Status)
}

func TestTaskStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTaskStore()

	require.NoError(t, store.Create(ctx, envelope.Task{ID: "t1", ConversationID: "conv1", Status: envelope.TaskSubmitted}))
	require.NoError(t, store.UpdateStatus(ctx, "t1", envelope.TaskCompleted))
	require.NoError(t, store.AppendMessage(ctx, envelope.Message{TaskID: "t1", Role: envelope.RoleAgent, Parts: []envelope.Part{{Kind: "text", Text: "done"}}}))
	require.NoError(t, store.AddArtifact(ctx, envelope.Artifact{TaskID: "t1", Name: "out.txt", ContentType: "text/plain", Data: []byte("hi")}))

	got, ok, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, envelope.TaskCompleted, got.Status)

	msgs, err := store.Messages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	artifacts, err := store.Artifacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	byConv, err := store.ListByConversation(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, byConv, 1)
}

func TestSQLiteStoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(t.TempDir() + "/asap.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	snaps, err := NewSQLiteSnapshotStore(db)
	require.NoError(t, err)
	require.NoError(t, snaps.Save(ctx, envelope.StateSnapshot{TaskID: "t1", Version: 1, Data: json.RawMessage(`{"k":"v"}`), CreatedAt: time.Now()}))
	require.NoError(t, snaps.Save(ctx, envelope.StateSnapshot{TaskID: "t1", Version: 2, Data: json.RawMessage(`{"k":"v2"}`), CreatedAt: time.Now()}))
	latest, ok, err := snaps.Get(ctx, "t1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), latest.Version)

	tasks, err := NewSQLiteTaskStore(db)
	require.NoError(t, err)
	require.NoError(t, tasks.Create(ctx, envelope.Task{ID: "t1", ConversationID: "c1", SkillID: "echo", Status: envelope.TaskSubmitted}))
	require.NoError(t, tasks.UpdateStatus(ctx, "t1", envelope.TaskWorking))
	got, ok, err := tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, envelope.TaskWorking, got.Status)
	require.NoError(t, tasks.AddArtifact(ctx, envelope.Artifact{TaskID: "t1", Name: "out", Data: []byte("payload")}))
	arts, err := tasks.Artifacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, []byte("payload"), arts[0].Data)
}

func TestFileBlobStorePutGetIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("artifact bytes")
	ref, err := blobs.Put(ctx, data)
	require.NoError(t, err)
	assert.Contains(t, ref, "sha256:")

	// Same bytes, same ref.
	ref2, err := blobs.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := blobs.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := blobs.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, blobs.Delete(ctx, ref))
	exists, err = blobs.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestArtifactOffloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	store := NewArtifactOffload(NewInMemoryTaskStore(), blobs, 8)

	small := envelope.Artifact{ID: "a1", TaskID: "t1", Name: "small", Data: []byte("hi")}
	big := envelope.Artifact{ID: "a2", TaskID: "t1", Name: "big", Data: []byte("this payload exceeds the threshold")}
	require.NoError(t, store.AddArtifact(ctx, small))
	require.NoError(t, store.AddArtifact(ctx, big))

	// The inner store holds a ref, not the payload, for the big one.
	raw, err := store.TaskStore.Artifacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Empty(t, raw[1].Data)
	assert.NotEmpty(t, raw[1].BlobRef)

	// Callers get the original bytes back.
	arts, err := store.Artifacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, []byte("hi"), arts[0].Data)
	assert.Equal(t, big.Data, arts[1].Data)
}
