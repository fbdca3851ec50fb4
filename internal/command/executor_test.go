package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/errors"
)

func newExecutor(t *testing.T, store eventstore.Store, opts ...Option) *Executor {
	t.Helper()
	e := NewExecutor(store, eventstore.NewMemorySnapshots(), opts...)
	e.Register(conversation.Aggregate{})
	return e
}

// seedConversation creates an active conversation with one user message and
// returns its stream id.
func seedConversation(t *testing.T, e *Executor) string {
	t.Helper()
	ctx := context.Background()
	streamID := conversation.StreamID("c1")
	_, _, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.Create{
		ConversationID: "c1", UserID: "u1", Title: "Untitled", ModelID: "claude-sonnet-4",
	})
	require.NoError(t, err)
	_, _, err = e.Execute(ctx, conversation.AggregateType, streamID, conversation.AddUserMessage{
		MessageID: "m1", Content: "hello",
	})
	require.NoError(t, err)
	return streamID
}

func TestExecuteAssignsSequentialVersions(t *testing.T) {
	store := eventstore.NewMemoryStore()
	e := newExecutor(t, store)
	ctx := context.Background()
	streamID := conversation.StreamID("c1")

	state, stored, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.Create{
		ConversationID: "c1", UserID: "u1", Title: "Untitled",
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1), stored[0].StreamVersion)
	assert.Equal(t, conversation.StatusCreated, state.(*conversation.State).Status)

	state, stored, err = e.Execute(ctx, conversation.AggregateType, streamID, conversation.AddUserMessage{
		MessageID: "m1", Content: "hello",
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(2), stored[0].StreamVersion)
	assert.Equal(t, conversation.StatusActive, state.(*conversation.State).Status)
}

func TestExecuteStampsCausationMetadata(t *testing.T) {
	e := newExecutor(t, eventstore.NewMemoryStore())
	streamID := seedConversation(t, e)
	ctx := context.Background()

	_, _, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.StartAssistantResponse{MessageID: "m2"})
	require.NoError(t, err)
	_, stored, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.Archive{})
	require.NoError(t, err)

	// Archive mid-stream emits two events sharing one correlation id.
	require.Len(t, stored, 2)
	assert.Equal(t, "archive_conversation", stored[0].Metadata[MetaCommand])
	assert.Equal(t, "archive_conversation", stored[1].Metadata[MetaCommand])
	assert.NotEmpty(t, stored[0].Metadata[MetaCorrelationID])
	assert.Equal(t, stored[0].Metadata[MetaCorrelationID], stored[1].Metadata[MetaCorrelationID])
}

func TestExecuteNoOpSkipsTheLog(t *testing.T) {
	store := eventstore.NewMemoryStore()
	e := newExecutor(t, store)
	streamID := seedConversation(t, e)
	ctx := context.Background()

	before, err := store.CurrentVersion(ctx, streamID)
	require.NoError(t, err)

	state, stored, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.Rename{Title: "Untitled"})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, "Untitled", state.(*conversation.State).Title)

	after, err := store.CurrentVersion(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecuteSurfacesRejectionUnchanged(t *testing.T) {
	e := newExecutor(t, eventstore.NewMemoryStore())
	streamID := seedConversation(t, e)

	_, _, err := e.Execute(context.Background(), conversation.AggregateType, streamID, conversation.Create{ConversationID: "c1"})
	assert.ErrorIs(t, err, errors.ErrCommandRejected)
}

// conflictingStore injects a concurrent writer between the executor's load
// and its append.
type conflictingStore struct {
	*eventstore.MemoryStore
	armed bool
}

func (s *conflictingStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []eventstore.EventData) ([]eventstore.StoredEvent, error) {
	if s.armed {
		s.armed = false
		rival, err := conversation.NewEventData(&conversation.ConversationRenamed{Title: "raced"})
		if err != nil {
			return nil, err
		}
		if _, err := s.MemoryStore.Append(ctx, streamID, expectedVersion, []eventstore.EventData{rival}); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.Append(ctx, streamID, expectedVersion, events)
}

func TestExecuteReturnsVersionConflictUnretried(t *testing.T) {
	store := &conflictingStore{MemoryStore: eventstore.NewMemoryStore()}
	e := NewExecutor(store, eventstore.NewMemorySnapshots())
	e.Register(conversation.Aggregate{})
	streamID := seedConversation(t, e)

	store.armed = true
	_, _, err := e.Execute(context.Background(), conversation.AggregateType, streamID, conversation.Rename{Title: "mine"})
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
}

func TestLoadIsDeterministic(t *testing.T) {
	e := newExecutor(t, eventstore.NewMemoryStore())
	streamID := seedConversation(t, e)
	ctx := context.Background()

	state1, v1, err := e.Load(ctx, conversation.AggregateType, streamID)
	require.NoError(t, err)
	state2, v2, err := e.Load(ctx, conversation.AggregateType, streamID)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, state1, state2)
}

func TestLoadPaginatesLongStreams(t *testing.T) {
	e := newExecutor(t, eventstore.NewMemoryStore(), WithPageLimit(2))
	streamID := seedConversation(t, e)
	ctx := context.Background()

	_, _, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.StartAssistantResponse{MessageID: "m2"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _, err = e.Execute(ctx, conversation.AggregateType, streamID, conversation.AppendAssistantChunk{
			MessageID: "m2", ChunkIndex: i, DeltaType: "text_delta", DeltaText: "x",
		})
		require.NoError(t, err)
	}

	state, version, err := e.Load(ctx, conversation.AggregateType, streamID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), version)
	assert.Equal(t, 5, state.(*conversation.State).ChunkCount)
}

// readCountingStore counts events returned by ReadForward.
type readCountingStore struct {
	*eventstore.MemoryStore
	eventsRead int
}

func (s *readCountingStore) ReadForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]eventstore.StoredEvent, error) {
	events, err := s.MemoryStore.ReadForward(ctx, streamID, fromVersion, maxCount)
	s.eventsRead += len(events)
	return events, err
}

func TestLoadFromSnapshotMatchesFullReplay(t *testing.T) {
	store := &readCountingStore{MemoryStore: eventstore.NewMemoryStore()}
	snapshots := eventstore.NewMemorySnapshots()
	e := NewExecutor(store, snapshots)
	e.Register(conversation.Aggregate{})
	streamID := seedConversation(t, e)
	ctx := context.Background()

	// Full replay of the 2-event stream.
	replayed, replayedVersion, err := e.Load(ctx, conversation.AggregateType, streamID)
	require.NoError(t, err)
	require.Equal(t, int64(2), replayedVersion)

	// Snapshot at version 2, then one more event.
	snap, err := eventstore.NewSnapshot(streamID, replayedVersion, conversation.AggregateType, replayed)
	require.NoError(t, err)
	require.NoError(t, snapshots.Save(ctx, snap))

	expected, _, err := e.Execute(ctx, conversation.AggregateType, streamID, conversation.Rename{Title: "Trip planning"})
	require.NoError(t, err)

	store.eventsRead = 0
	state, version, err := e.Load(ctx, conversation.AggregateType, streamID)
	require.NoError(t, err)

	// Exactly one event replayed after the snapshot, same final state as the
	// executor's post-append fold.
	assert.Equal(t, 1, store.eventsRead)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, expected, state)
}

func TestExecuteUnknownAggregateType(t *testing.T) {
	e := NewExecutor(eventstore.NewMemoryStore(), eventstore.NewMemorySnapshots())
	_, _, err := e.Execute(context.Background(), "order", "order-1", conversation.Archive{})
	assert.Error(t, err)
}
