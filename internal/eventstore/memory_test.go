package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "liteskill.io/chatlog/internal/pkg/errors"
)

func eventData(eventType string) EventData {
	return EventData{
		EventType: eventType,
		Data:      json.RawMessage(`{"k":"v"}`),
	}
}

func TestAppendAssignsConsecutiveVersions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	stored, err := store.Append(ctx, "conversation-s1", 0, []EventData{
		eventData("ConversationCreated"),
		eventData("UserMessageAdded"),
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].StreamVersion)
	assert.Equal(t, int64(2), stored[1].StreamVersion)
	assert.NotEqual(t, stored[0].ID, stored[1].ID)

	version, err := store.CurrentVersion(ctx, "conversation-s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestAppendStaleExpectedVersionConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, "conversation-s1", 0, []EventData{
		eventData("ConversationCreated"),
		eventData("UserMessageAdded"),
	})
	require.NoError(t, err)

	// Same expected version again: stale writer.
	_, err = store.Append(ctx, "conversation-s1", 0, []EventData{eventData("UserMessageAdded")})
	assert.True(t, errors.Is(err, pkgerrors.ErrVersionConflict))

	// Nothing was persisted by the losing append.
	version, err := store.CurrentVersion(ctx, "conversation-s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestAppendGapExpectedVersionConflicts(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Append(context.Background(), "conversation-s1", 5, []EventData{eventData("UserMessageAdded")})
	assert.True(t, errors.Is(err, pkgerrors.ErrVersionConflict))
}

func TestConcurrentAppendExactlyOneWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, "conversation-s1", 0, []EventData{eventData("ConversationCreated")})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, "conversation-s1", 1, []EventData{eventData("UserMessageAdded")})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, pkgerrors.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error class: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	// Versions stay gapless and monotonic.
	events, err := store.ReadForward(ctx, "conversation-s1", 1, 0)
	require.NoError(t, err)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.StreamVersion)
	}
}

func TestReadForwardPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var batch []EventData
	for i := 0; i < 5; i++ {
		batch = append(batch, eventData("UserMessageAdded"))
	}
	_, err := store.Append(ctx, "conversation-s1", 0, batch)
	require.NoError(t, err)

	page, err := store.ReadForward(ctx, "conversation-s1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].StreamVersion)
	assert.Equal(t, int64(3), page[1].StreamVersion)

	tail, err := store.ReadForward(ctx, "conversation-s1", 6, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestEmptyAppendIsNoop(t *testing.T) {
	store := NewMemoryStore()

	stored, err := store.Append(context.Background(), "conversation-s1", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, stored)

	version, err := store.CurrentVersion(context.Background(), "conversation-s1")
	require.NoError(t, err)
	assert.Zero(t, version)
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]StoredEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, events []StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, events)
	return nil
}

func TestAppendPublishesOncePerBatch(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	store.SetPublisher(pub)
	ctx := context.Background()

	_, err := store.Append(ctx, "conversation-s1", 0, []EventData{
		eventData("ConversationCreated"),
		eventData("UserMessageAdded"),
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, "conversation-s1", 0, []EventData{eventData("UserMessageAdded")})
	require.Error(t, err)

	require.Len(t, pub.batches, 1, "failed append must not publish")
	assert.Len(t, pub.batches[0], 2)
}

func TestSnapshotLatestPicksHighestVersion(t *testing.T) {
	snaps := NewMemorySnapshots()
	ctx := context.Background()

	require.NoError(t, snaps.Save(ctx, Snapshot{StreamID: "conversation-s1", StreamVersion: 2, SnapshotType: "conversation", Data: json.RawMessage(`{"n":2}`)}))
	require.NoError(t, snaps.Save(ctx, Snapshot{StreamID: "conversation-s1", StreamVersion: 7, SnapshotType: "conversation", Data: json.RawMessage(`{"n":7}`)}))
	require.NoError(t, snaps.Save(ctx, Snapshot{StreamID: "conversation-s1", StreamVersion: 5, SnapshotType: "conversation", Data: json.RawMessage(`{"n":5}`)}))

	latest, err := snaps.Latest(ctx, "conversation-s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), latest.StreamVersion)
}

func TestSnapshotLatestMissingIsNotFound(t *testing.T) {
	snaps := NewMemorySnapshots()

	_, err := snaps.Latest(context.Background(), "conversation-missing")
	assert.True(t, errors.Is(err, pkgerrors.ErrNotFound))
}
