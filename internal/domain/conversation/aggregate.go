package conversation

import (
	"fmt"
	"time"

	"liteskill.io/chatlog/internal/domain"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/errors"
)

// AggregateType is the entity kind used in stream ids and snapshot rows.
const AggregateType = "conversation"

// Conversation lifecycle statuses.
const (
	StatusCreated   = "created"
	StatusActive    = "active"
	StatusStreaming = "streaming"
	StatusArchived  = "archived"
)

// Tool call outcomes tracked in state.
const (
	toolCallRunning   = "running"
	toolCallCompleted = "completed"
	toolCallFailed    = "failed"
)

// State is the folded conversation state. JSON-serializable so it round-trips
// through the snapshot store unchanged.
type State struct {
	ConversationID       string    `json:"conversation_id"`
	UserID               string    `json:"user_id"`
	Title                string    `json:"title"`
	ModelID              string    `json:"model_id"`
	SystemPrompt         string    `json:"system_prompt"`
	ParentConversationID string    `json:"parent_conversation_id,omitempty"`
	ForkAtVersion        int64     `json:"fork_at_version,omitempty"`
	Status               string    `json:"status"`
	MessageCount         int       `json:"message_count"`
	LastMessageAt        time.Time `json:"last_message_at"`

	// Streaming turn in flight, empty unless Status == streaming.
	StreamingMessageID string `json:"streaming_message_id,omitempty"`
	StreamingModelID   string `json:"streaming_model_id,omitempty"`
	ChunkCount         int    `json:"chunk_count,omitempty"`

	// ToolCalls maps tool_use_id to its outcome so completions can be
	// matched to starts across replays.
	ToolCalls map[string]string `json:"tool_calls,omitempty"`
}

// Exists reports whether a ConversationCreated event has been applied.
func (s *State) Exists() bool { return s.Status != "" }

// Aggregate implements domain.Aggregate for conversations.
type Aggregate struct{}

// AggregateType implements domain.Aggregate.
func (Aggregate) AggregateType() string { return AggregateType }

// NewState implements domain.Aggregate.
func (Aggregate) NewState() domain.State { return &State{} }

// ApplyEvent implements domain.Aggregate. Pure: the input state is mutated
// and returned, which is safe because the executor never shares a state
// value across loads.
func (Aggregate) ApplyEvent(state domain.State, event eventstore.StoredEvent) (domain.State, error) {
	s, ok := state.(*State)
	if !ok {
		return nil, fmt.Errorf("conversation aggregate got state of type %T", state)
	}
	payload, err := DecodeEvent(event)
	if err != nil {
		return nil, err
	}

	switch e := payload.(type) {
	case *ConversationCreated:
		s.ConversationID = e.ConversationID
		s.UserID = e.UserID
		s.Title = e.Title
		s.ModelID = e.ModelID
		s.SystemPrompt = e.SystemPrompt
		s.ParentConversationID = e.ParentConversationID
		s.ForkAtVersion = e.ForkAtVersion
		s.Status = StatusCreated

	case *UserMessageAdded:
		s.MessageCount++
		s.LastMessageAt = e.Timestamp
		if s.Status == StatusCreated {
			s.Status = StatusActive
		}

	case *AssistantResponseStarted:
		s.Status = StatusStreaming
		s.StreamingMessageID = e.MessageID
		s.StreamingModelID = e.ModelID
		s.ChunkCount = 0
		s.MessageCount++
		s.LastMessageAt = e.Timestamp

	case *AssistantChunkReceived:
		s.ChunkCount++

	case *AssistantResponseCompleted:
		s.Status = StatusActive
		s.StreamingMessageID = ""
		s.StreamingModelID = ""
		s.ChunkCount = 0
		s.LastMessageAt = e.Timestamp

	case *AssistantResponseFailed:
		s.Status = StatusActive
		s.StreamingMessageID = ""
		s.StreamingModelID = ""
		s.ChunkCount = 0
		s.LastMessageAt = e.Timestamp

	case *ToolCallStarted:
		if s.ToolCalls == nil {
			s.ToolCalls = make(map[string]string)
		}
		s.ToolCalls[e.ToolUseID] = toolCallRunning

	case *ToolCallCompleted:
		if s.ToolCalls == nil {
			s.ToolCalls = make(map[string]string)
		}
		s.ToolCalls[e.ToolUseID] = toolCallCompleted

	case *ToolCallFailed:
		if s.ToolCalls == nil {
			s.ToolCalls = make(map[string]string)
		}
		s.ToolCalls[e.ToolUseID] = toolCallFailed

	case *ConversationRenamed:
		s.Title = e.Title

	case *ConversationArchived:
		s.Status = StatusArchived
		s.StreamingMessageID = ""
		s.StreamingModelID = ""
		s.ChunkCount = 0

	default:
		return nil, errors.UnknownEventTypef(event.EventType)
	}
	return s, nil
}

// HandleCommand implements domain.Aggregate: the pure decision function of
// the state machine created -> active <-> streaming -> archived.
func (Aggregate) HandleCommand(state domain.State, cmd domain.Command) ([]eventstore.EventData, error) {
	s, ok := state.(*State)
	if !ok {
		return nil, fmt.Errorf("conversation aggregate got state of type %T", state)
	}
	now := time.Now().UTC()

	switch c := cmd.(type) {
	case Create:
		if s.Exists() {
			return nil, errors.CommandRejectedf(errors.CodeConversationExists, "conversation already created")
		}
		return []eventstore.EventData{mustEventData(&ConversationCreated{
			ConversationID:       c.ConversationID,
			UserID:               c.UserID,
			Title:                c.Title,
			ModelID:              c.ModelID,
			SystemPrompt:         c.SystemPrompt,
			ParentConversationID: c.ParentConversationID,
			ForkAtVersion:        c.ForkAtVersion,
			Timestamp:            now,
		})}, nil

	case AddUserMessage:
		if err := requireStatus(s, StatusCreated, StatusActive); err != nil {
			return nil, err
		}
		return []eventstore.EventData{mustEventData(&UserMessageAdded{
			MessageID: c.MessageID,
			Content:   c.Content,
			Timestamp: now,
		})}, nil

	case StartAssistantResponse:
		if err := requireStatus(s, StatusActive); err != nil {
			return nil, err
		}
		modelID := c.ModelID
		if modelID == "" {
			modelID = s.ModelID
		}
		return []eventstore.EventData{mustEventData(&AssistantResponseStarted{
			MessageID: c.MessageID,
			ModelID:   modelID,
			Timestamp: now,
		})}, nil

	case AppendAssistantChunk:
		if err := requireStreaming(s, c.MessageID); err != nil {
			return nil, err
		}
		return []eventstore.EventData{mustEventData(&AssistantChunkReceived{
			MessageID:         c.MessageID,
			ChunkIndex:        c.ChunkIndex,
			ContentBlockIndex: c.ContentBlockIndex,
			DeltaType:         c.DeltaType,
			DeltaText:         c.DeltaText,
		})}, nil

	case CompleteAssistantResponse:
		if err := requireStreaming(s, c.MessageID); err != nil {
			return nil, err
		}
		return []eventstore.EventData{mustEventData(&AssistantResponseCompleted{
			MessageID:    c.MessageID,
			Content:      c.Content,
			StopReason:   c.StopReason,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			LatencyMS:    c.LatencyMS,
			Timestamp:    now,
		})}, nil

	case FailAssistantResponse:
		// No-op when nothing is streaming: the recovery sweep can redeliver
		// this command safely, and a race with a normal completion resolves
		// to whichever event committed first.
		if s.Status != StatusStreaming {
			return nil, nil
		}
		if c.MessageID != "" && c.MessageID != s.StreamingMessageID {
			return nil, nil
		}
		return []eventstore.EventData{mustEventData(&AssistantResponseFailed{
			MessageID: s.StreamingMessageID,
			Reason:    c.Reason,
			Timestamp: now,
		})}, nil

	case StartToolCall:
		if err := requireStatus(s, StatusActive, StatusStreaming); err != nil {
			return nil, err
		}
		if _, exists := s.ToolCalls[c.ToolUseID]; exists {
			return nil, errors.CommandRejectedf(errors.CodeToolCallExists, "tool call already started")
		}
		return []eventstore.EventData{mustEventData(&ToolCallStarted{
			MessageID: c.MessageID,
			ToolUseID: c.ToolUseID,
			ToolName:  c.ToolName,
			Input:     c.Input,
			Timestamp: now,
		})}, nil

	case CompleteToolCall:
		if err := requireRunningToolCall(s, c.ToolUseID); err != nil {
			return nil, err
		}
		return []eventstore.EventData{mustEventData(&ToolCallCompleted{
			ToolUseID:  c.ToolUseID,
			Output:     c.Output,
			DurationMS: c.DurationMS,
		})}, nil

	case FailToolCall:
		if err := requireRunningToolCall(s, c.ToolUseID); err != nil {
			return nil, err
		}
		return []eventstore.EventData{mustEventData(&ToolCallFailed{
			ToolUseID:  c.ToolUseID,
			Reason:     c.Reason,
			DurationMS: c.DurationMS,
		})}, nil

	case Rename:
		if err := requireExists(s); err != nil {
			return nil, err
		}
		if s.Status == StatusArchived {
			return nil, errors.CommandRejectedf(errors.CodeConversationArchived, "conversation is archived")
		}
		if c.Title == s.Title {
			return nil, nil
		}
		return []eventstore.EventData{mustEventData(&ConversationRenamed{
			Title:     c.Title,
			Timestamp: now,
		})}, nil

	case Archive:
		if err := requireExists(s); err != nil {
			return nil, err
		}
		if s.Status == StatusArchived {
			return nil, nil
		}
		events := make([]eventstore.EventData, 0, 2)
		// Archiving mid-stream fails the in-flight response first so the
		// stream never ends with a dangling streaming turn.
		if s.Status == StatusStreaming {
			events = append(events, mustEventData(&AssistantResponseFailed{
				MessageID: s.StreamingMessageID,
				Reason:    "interrupted",
				Timestamp: now,
			}))
		}
		events = append(events, mustEventData(&ConversationArchived{Timestamp: now}))
		return events, nil

	default:
		return nil, errors.CommandRejectedf(errors.CodeCommandUnknown,
			fmt.Sprintf("conversation aggregate does not handle %T", cmd))
	}
}

func requireExists(s *State) error {
	if !s.Exists() {
		return errors.CommandRejectedf(errors.CodeConversationMissing, "conversation does not exist")
	}
	return nil
}

// requireStatus rejects when the conversation is missing, archived, or in
// none of the allowed states.
func requireStatus(s *State, allowed ...string) error {
	if err := requireExists(s); err != nil {
		return err
	}
	if s.Status == StatusArchived {
		return errors.CommandRejectedf(errors.CodeConversationArchived, "conversation is archived")
	}
	for _, status := range allowed {
		if s.Status == status {
			return nil
		}
	}
	if s.Status == StatusStreaming {
		return errors.CommandRejectedf(errors.CodeConversationBusy, "assistant response in progress")
	}
	return errors.CommandRejectedf(errors.CodeInvalidState, "command not valid in this state").
		WithParams(map[string]interface{}{"status": s.Status})
}

// requireStreaming checks there is an in-flight response and the command
// targets it.
func requireStreaming(s *State, messageID string) error {
	if err := requireExists(s); err != nil {
		return err
	}
	if s.Status == StatusArchived {
		return errors.CommandRejectedf(errors.CodeConversationArchived, "conversation is archived")
	}
	if s.Status != StatusStreaming {
		return errors.CommandRejectedf(errors.CodeNotStreaming, "no assistant response in progress")
	}
	if messageID != s.StreamingMessageID {
		return errors.CommandRejectedf(errors.CodeMessageMismatch, "message id does not match the streaming response").
			WithParams(map[string]interface{}{
				"message_id": messageID,
				"streaming":  s.StreamingMessageID,
			})
	}
	return nil
}

func requireRunningToolCall(s *State, toolUseID string) error {
	if err := requireStatus(s, StatusActive, StatusStreaming); err != nil {
		return err
	}
	if s.ToolCalls[toolUseID] != toolCallRunning {
		return errors.CommandRejectedf(errors.CodeToolCallUnknown, "no running tool call with this id").
			WithParams(map[string]interface{}{"tool_use_id": toolUseID})
	}
	return nil
}

// StreamID builds the canonical stream id for a conversation.
func StreamID(conversationID string) string {
	return AggregateType + "-" + conversationID
}
