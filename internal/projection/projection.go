// Package projection maintains the denormalized read model: eventually
// consistent mirrors of the event log in the conversations, messages,
// message_chunks and tool_calls tables, owned exclusively by the projector.
//
// Every mutation is idempotent. Progress is tracked per stream in
// projection_progress, and events at or below the recorded version are
// skipped, so redelivered notifications and catch-up replays are safe.
//
// Import Path: liteskill.io/chatlog/internal/projection
package projection

import (
	"context"
	"strings"
	"time"

	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
)

// Message roles and statuses as stored in the read model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessageCompleted = "completed"
	MessageStreaming = "streaming"
	MessageFailed    = "failed"

	ToolCallRunning   = "running"
	ToolCallCompleted = "completed"
	ToolCallFailed    = "failed"
)

// Lag describes a stream whose projection trails the event log.
type Lag struct {
	StreamID         string
	ProjectedVersion int64
	CurrentVersion   int64
}

// StuckConversation is a conversation whose projected status has stayed
// streaming past the recovery timeout.
type StuckConversation struct {
	StreamID       string
	ConversationID string
	MessageID      string
}

// Store applies committed events to the read model.
type Store interface {
	// LastVersion returns the highest projected version of the stream,
	// 0 when nothing has been projected.
	LastVersion(ctx context.Context, streamID string) (int64, error)

	// Apply projects events in ascending version order. Events at or below
	// the stream's recorded progress are skipped; the whole batch and the
	// progress update commit atomically.
	Apply(ctx context.Context, streamID string, events []eventstore.StoredEvent) error

	// LaggingStreams lists streams whose projected version trails the log.
	LaggingStreams(ctx context.Context) ([]Lag, error)

	// StuckStreaming lists conversations left in streaming status for
	// longer than olderThan.
	StuckStreaming(ctx context.Context, olderThan time.Duration) ([]StuckConversation, error)
}

// conversationID extracts the entity id from a stream id, e.g.
// "conversation-<uuid>" -> "<uuid>".
func conversationID(streamID string) string {
	return strings.TrimPrefix(streamID, conversation.AggregateType+"-")
}
