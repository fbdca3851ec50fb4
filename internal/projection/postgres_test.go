package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liteskill.io/chatlog/internal/command"
	"liteskill.io/chatlog/internal/domain"
	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/projection"
	"liteskill.io/chatlog/internal/testutil"
)

type pgFixture struct {
	t        *testing.T
	pool     *pgxpool.Pool
	log      *eventstore.PostgresStore
	store    *projection.PostgresStore
	executor *command.Executor
	convID   string
	streamID string
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	pool := testutil.OpenPGXPool(t, "projection")
	log := eventstore.NewPostgresStore(pool)
	e := command.NewExecutor(log, eventstore.NewPostgresSnapshots(pool))
	e.Register(conversation.Aggregate{})
	convID := uuid.NewString()
	return &pgFixture{
		t:        t,
		pool:     pool,
		log:      log,
		store:    projection.NewPostgresStore(pool),
		executor: e,
		convID:   convID,
		streamID: conversation.StreamID(convID),
	}
}

func (f *pgFixture) execute(cmd domain.Command) {
	f.t.Helper()
	_, _, err := f.executor.Execute(context.Background(), conversation.AggregateType, f.streamID, cmd)
	require.NoError(f.t, err)
}

func (f *pgFixture) events() []eventstore.StoredEvent {
	f.t.Helper()
	events, err := f.log.ReadForward(context.Background(), f.streamID, 1, 0)
	require.NoError(f.t, err)
	return events
}

func TestPostgresProjectionLifecycle(t *testing.T) {
	f := newPGFixture(t)
	userMsg, assistantMsg := uuid.NewString(), uuid.NewString()
	ctx := context.Background()

	f.execute(conversation.Create{ConversationID: f.convID, UserID: "u1", Title: "Untitled", ModelID: "claude-sonnet-4"})
	f.execute(conversation.AddUserMessage{MessageID: userMsg, Content: "hello"})
	f.execute(conversation.StartAssistantResponse{MessageID: assistantMsg})
	f.execute(conversation.AppendAssistantChunk{MessageID: assistantMsg, ChunkIndex: 0, DeltaType: "text_delta", DeltaText: "hi"})
	f.execute(conversation.CompleteAssistantResponse{MessageID: assistantMsg, Content: "hi", StopReason: "end_turn", InputTokens: 9, OutputTokens: 1, LatencyMS: 500})

	events := f.events()
	require.NoError(t, f.store.Apply(ctx, f.streamID, events))

	pool := f.pool
	var status string
	var messageCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, message_count FROM conversations WHERE id = $1`, f.convID,
	).Scan(&status, &messageCount))
	assert.Equal(t, conversation.StatusActive, status)
	assert.Equal(t, 2, messageCount)

	var role, msgStatus, content string
	var position, totalTokens int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT role, status, content, position, total_tokens FROM messages WHERE id = $1`, assistantMsg,
	).Scan(&role, &msgStatus, &content, &position, &totalTokens))
	assert.Equal(t, projection.RoleAssistant, role)
	assert.Equal(t, projection.MessageCompleted, msgStatus)
	assert.Equal(t, "hi", content)
	assert.Equal(t, 2, position)
	assert.Equal(t, 10, totalTokens)

	var chunkCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_chunks WHERE message_id = $1`, assistantMsg,
	).Scan(&chunkCount))
	assert.Equal(t, 1, chunkCount)

	// Scenario: redeliver the whole batch; rows and counters are unchanged.
	require.NoError(t, f.store.Apply(ctx, f.streamID, events))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, message_count FROM conversations WHERE id = $1`, f.convID,
	).Scan(&status, &messageCount))
	assert.Equal(t, 2, messageCount)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_chunks WHERE message_id = $1`, assistantMsg,
	).Scan(&chunkCount))
	assert.Equal(t, 1, chunkCount)

	last, err := f.store.LastVersion(ctx, f.streamID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)), last)
}

func TestPostgresProjectionLaggingAndStuck(t *testing.T) {
	f := newPGFixture(t)
	assistantMsg := uuid.NewString()
	ctx := context.Background()

	f.execute(conversation.Create{ConversationID: f.convID, UserID: "u1"})
	f.execute(conversation.AddUserMessage{MessageID: uuid.NewString(), Content: "hello"})
	f.execute(conversation.StartAssistantResponse{MessageID: assistantMsg, ModelID: "claude-sonnet-4"})

	lags, err := f.store.LaggingStreams(ctx)
	require.NoError(t, err)
	require.Len(t, lags, 1)
	assert.Equal(t, f.streamID, lags[0].StreamID)
	assert.Zero(t, lags[0].ProjectedVersion)
	assert.Equal(t, int64(3), lags[0].CurrentVersion)

	require.NoError(t, f.store.Apply(ctx, f.streamID, f.events()))
	lags, err = f.store.LaggingStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, lags)

	// Fresh streaming conversations are not stuck yet.
	stuck, err := f.store.StuckStreaming(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// Backdate the conversation to simulate a crash mid-stream.
	_, err = f.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = now() - interval '10 minutes' WHERE id = $1`, f.convID)
	require.NoError(t, err)

	stuck, err = f.store.StuckStreaming(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, f.streamID, stuck[0].StreamID)
	assert.Equal(t, f.convID, stuck[0].ConversationID)
	assert.Equal(t, assistantMsg, stuck[0].MessageID)
}
