package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/errors"
)

// PostgresStore is the production read-model store. One transaction per
// Apply batch: row mutations and the progress update commit together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over a shared connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LastVersion implements Store.
func (s *PostgresStore) LastVersion(ctx context.Context, streamID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT last_version FROM projection_progress WHERE stream_id = $1), 0)`,
		streamID,
	).Scan(&version)
	if err != nil {
		return 0, errors.Storagef(err, "reading projection progress")
	}
	return version, nil
}

// Apply implements Store. The progress row is locked for the duration of the
// batch, serializing concurrent appliers per stream; events at or below the
// recorded version are skipped so redelivery cannot double-apply.
func (s *PostgresStore) Apply(ctx context.Context, streamID string, events []eventstore.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Storagef(err, "beginning projection transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO projection_progress (stream_id, last_version) VALUES ($1, 0)
		 ON CONFLICT (stream_id) DO NOTHING`,
		streamID,
	); err != nil {
		return errors.Storagef(err, "ensuring projection progress row")
	}

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT last_version FROM projection_progress WHERE stream_id = $1 FOR UPDATE`,
		streamID,
	).Scan(&last); err != nil {
		return errors.Storagef(err, "locking projection progress row")
	}

	applied := last
	for _, event := range events {
		if event.StreamVersion <= applied {
			continue
		}
		if err := s.applyEvent(ctx, tx, streamID, event); err != nil {
			return fmt.Errorf("projecting %s v%d (%s): %w",
				streamID, event.StreamVersion, event.EventType, err)
		}
		applied = event.StreamVersion
	}
	if applied == last {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE projection_progress SET last_version = $2, updated_at = now() WHERE stream_id = $1`,
		streamID, applied,
	); err != nil {
		return errors.Storagef(err, "updating projection progress")
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) applyEvent(ctx context.Context, tx pgx.Tx, streamID string, event eventstore.StoredEvent) error {
	payload, err := conversation.DecodeEvent(event)
	if err != nil {
		return err
	}
	convID := conversationID(streamID)

	switch e := payload.(type) {
	case *conversation.ConversationCreated:
		_, err = tx.Exec(ctx,
			`INSERT INTO conversations
			   (id, stream_id, user_id, title, model_id, system_prompt, status,
			    parent_conversation_id, fork_at_version, inserted_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			 ON CONFLICT (id) DO NOTHING`,
			e.ConversationID, streamID, e.UserID, e.Title, e.ModelID, e.SystemPrompt,
			conversation.StatusCreated, nullUUID(e.ParentConversationID), nullInt64(e.ForkAtVersion),
			e.Timestamp,
		)

	case *conversation.UserMessageAdded:
		if _, err = tx.Exec(ctx,
			`INSERT INTO messages
			   (id, conversation_id, role, content, status, stream_version, position, inserted_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6,
			         (SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE conversation_id = $2),
			         $7, now())
			 ON CONFLICT (id) DO NOTHING`,
			e.MessageID, convID, RoleUser, e.Content, MessageCompleted,
			event.StreamVersion, e.Timestamp,
		); err != nil {
			break
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations
			 SET status = CASE WHEN status = $2 THEN $3 ELSE status END,
			     message_count = message_count + 1,
			     last_message_at = $4,
			     updated_at = now()
			 WHERE id = $1`,
			convID, conversation.StatusCreated, conversation.StatusActive, e.Timestamp,
		)

	case *conversation.AssistantResponseStarted:
		if _, err = tx.Exec(ctx,
			`INSERT INTO messages
			   (id, conversation_id, role, content, status, model_id, stream_version, position, inserted_at, updated_at)
			 VALUES ($1, $2, $3, '', $4, $5, $6,
			         (SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE conversation_id = $2),
			         $7, now())
			 ON CONFLICT (id) DO NOTHING`,
			e.MessageID, convID, RoleAssistant, MessageStreaming, e.ModelID,
			event.StreamVersion, e.Timestamp,
		); err != nil {
			break
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations
			 SET status = $2, message_count = message_count + 1, last_message_at = $3, updated_at = now()
			 WHERE id = $1`,
			convID, conversation.StatusStreaming, e.Timestamp,
		)

	case *conversation.AssistantChunkReceived:
		_, err = tx.Exec(ctx,
			`INSERT INTO message_chunks
			   (id, message_id, chunk_index, content_block_index, delta_type, delta_text)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (message_id, chunk_index) DO NOTHING`,
			uuid.New(), e.MessageID, e.ChunkIndex, e.ContentBlockIndex, e.DeltaType, e.DeltaText,
		)

	case *conversation.AssistantResponseCompleted:
		if _, err = tx.Exec(ctx,
			`UPDATE messages
			 SET content = $2, status = $3, stop_reason = $4,
			     input_tokens = $5, output_tokens = $6, total_tokens = $5 + $6,
			     latency_ms = $7, updated_at = now()
			 WHERE id = $1`,
			e.MessageID, e.Content, MessageCompleted, e.StopReason,
			e.InputTokens, e.OutputTokens, e.LatencyMS,
		); err != nil {
			break
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET status = $2, last_message_at = $3, updated_at = now() WHERE id = $1`,
			convID, conversation.StatusActive, e.Timestamp,
		)

	case *conversation.AssistantResponseFailed:
		if _, err = tx.Exec(ctx,
			`UPDATE messages SET status = $2, stop_reason = $3, updated_at = now() WHERE id = $1`,
			e.MessageID, MessageFailed, e.Reason,
		); err != nil {
			break
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET status = $2, last_message_at = $3, updated_at = now() WHERE id = $1`,
			convID, conversation.StatusActive, e.Timestamp,
		)

	case *conversation.ToolCallStarted:
		input, merr := json.Marshal(e.Input)
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO tool_calls (id, message_id, tool_use_id, tool_name, input, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tool_use_id) DO NOTHING`,
			uuid.New(), e.MessageID, e.ToolUseID, e.ToolName, input, ToolCallRunning,
		)

	case *conversation.ToolCallCompleted:
		output, merr := json.Marshal(e.Output)
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(ctx,
			`UPDATE tool_calls SET output = $2, status = $3, duration_ms = $4 WHERE tool_use_id = $1`,
			e.ToolUseID, output, ToolCallCompleted, e.DurationMS,
		)

	case *conversation.ToolCallFailed:
		output, merr := json.Marshal(map[string]any{"error": e.Reason})
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(ctx,
			`UPDATE tool_calls SET output = $2, status = $3, duration_ms = $4 WHERE tool_use_id = $1`,
			e.ToolUseID, output, ToolCallFailed, e.DurationMS,
		)

	case *conversation.ConversationRenamed:
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`,
			convID, e.Title,
		)

	case *conversation.ConversationArchived:
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`,
			convID, conversation.StatusArchived,
		)

	default:
		return errors.UnknownEventTypef(event.EventType)
	}
	if err != nil {
		return errors.Storagef(err, "writing projection row")
	}
	return nil
}

// LaggingStreams implements Store. A stream lags when it has events above
// its recorded progress, including streams never projected at all.
func (s *PostgresStore) LaggingStreams(ctx context.Context) ([]Lag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.stream_id,
		        COALESCE(p.last_version, 0) AS projected,
		        MAX(e.stream_version) AS current
		 FROM events e
		 LEFT JOIN projection_progress p ON p.stream_id = e.stream_id
		 GROUP BY e.stream_id, p.last_version
		 HAVING MAX(e.stream_version) > COALESCE(p.last_version, 0)
		 ORDER BY e.stream_id`,
	)
	if err != nil {
		return nil, errors.Storagef(err, "listing lagging streams")
	}
	defer rows.Close()

	var lags []Lag
	for rows.Next() {
		var lag Lag
		if err := rows.Scan(&lag.StreamID, &lag.ProjectedVersion, &lag.CurrentVersion); err != nil {
			return nil, errors.Storagef(err, "scanning lagging stream")
		}
		lags = append(lags, lag)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storagef(err, "iterating lagging streams")
	}
	return lags, nil
}

// StuckStreaming implements Store.
func (s *PostgresStore) StuckStreaming(ctx context.Context, olderThan time.Duration) ([]StuckConversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.stream_id, c.id, m.id
		 FROM conversations c
		 JOIN messages m ON m.conversation_id = c.id AND m.status = $1
		 WHERE c.status = $2 AND c.updated_at < now() - make_interval(secs => $3)`,
		MessageStreaming, conversation.StatusStreaming, olderThan.Seconds(),
	)
	if err != nil {
		return nil, errors.Storagef(err, "querying stuck streams")
	}
	defer rows.Close()

	var stuck []StuckConversation
	for rows.Next() {
		var sc StuckConversation
		if err := rows.Scan(&sc.StreamID, &sc.ConversationID, &sc.MessageID); err != nil {
			return nil, errors.Storagef(err, "scanning stuck stream")
		}
		stuck = append(stuck, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storagef(err, "iterating stuck streams")
	}
	return stuck, nil
}

func nullUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
