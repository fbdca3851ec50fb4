// Package conversation implements the conversation aggregate: a finite state
// machine over the conversation lifecycle, from creation through message
// exchange and streaming assistant responses to archival.
//
// Import Path: liteskill.io/chatlog/internal/domain/conversation
package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/errors"
)

// EventType tags for every event the conversation aggregate produces. The
// string is the wire/storage format; payload shapes map one-to-one.
const (
	EventConversationCreated        = "ConversationCreated"
	EventUserMessageAdded           = "UserMessageAdded"
	EventAssistantResponseStarted   = "AssistantResponseStarted"
	EventAssistantChunkReceived     = "AssistantChunkReceived"
	EventAssistantResponseCompleted = "AssistantResponseCompleted"
	EventAssistantResponseFailed    = "AssistantResponseFailed"
	EventToolCallStarted            = "ToolCallStarted"
	EventToolCallCompleted          = "ToolCallCompleted"
	EventToolCallFailed             = "ToolCallFailed"
	EventConversationRenamed        = "ConversationRenamed"
	EventConversationArchived       = "ConversationArchived"
)

// ConversationCreated opens a new stream. Fork fields are set when the
// conversation branches off an existing one at a specific version.
type ConversationCreated struct {
	ConversationID       string    `json:"conversation_id"`
	UserID               string    `json:"user_id"`
	Title                string    `json:"title"`
	ModelID              string    `json:"model_id"`
	SystemPrompt         string    `json:"system_prompt"`
	ParentConversationID string    `json:"parent_conversation_id,omitempty"`
	ForkAtVersion        int64     `json:"fork_at_version,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// UserMessageAdded appends a user turn. The first one activates the
// conversation.
type UserMessageAdded struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AssistantResponseStarted begins a streaming assistant turn.
type AssistantResponseStarted struct {
	MessageID string    `json:"message_id"`
	ModelID   string    `json:"model_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AssistantChunkReceived is one streamed delta of the in-flight response.
type AssistantChunkReceived struct {
	MessageID         string `json:"message_id"`
	ChunkIndex        int    `json:"chunk_index"`
	ContentBlockIndex int    `json:"content_block_index"`
	DeltaType         string `json:"delta_type"`
	DeltaText         string `json:"delta_text"`
}

// AssistantResponseCompleted closes the streaming turn with the full content
// and usage accounting.
type AssistantResponseCompleted struct {
	MessageID    string    `json:"message_id"`
	Content      string    `json:"content"`
	StopReason   string    `json:"stop_reason"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// AssistantResponseFailed aborts the streaming turn. Also appended
// synthetically by the recovery sweep when a stream is stuck.
type AssistantResponseFailed struct {
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallStarted records a tool round-trip request inside a turn.
type ToolCallStarted struct {
	MessageID string         `json:"message_id"`
	ToolUseID string         `json:"tool_use_id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolCallCompleted records the tool's result.
type ToolCallCompleted struct {
	ToolUseID  string         `json:"tool_use_id"`
	Output     map[string]any `json:"output"`
	DurationMS int64          `json:"duration_ms"`
}

// ToolCallFailed records a tool error.
type ToolCallFailed struct {
	ToolUseID  string `json:"tool_use_id"`
	Reason     string `json:"reason"`
	DurationMS int64  `json:"duration_ms"`
}

// ConversationRenamed changes the title.
type ConversationRenamed struct {
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationArchived is terminal.
type ConversationArchived struct {
	Timestamp time.Time `json:"timestamp"`
}

// payloadFactories maps event types to empty payload values for decoding.
var payloadFactories = map[string]func() any{
	EventConversationCreated:        func() any { return &ConversationCreated{} },
	EventUserMessageAdded:           func() any { return &UserMessageAdded{} },
	EventAssistantResponseStarted:   func() any { return &AssistantResponseStarted{} },
	EventAssistantChunkReceived:     func() any { return &AssistantChunkReceived{} },
	EventAssistantResponseCompleted: func() any { return &AssistantResponseCompleted{} },
	EventAssistantResponseFailed:    func() any { return &AssistantResponseFailed{} },
	EventToolCallStarted:            func() any { return &ToolCallStarted{} },
	EventToolCallCompleted:          func() any { return &ToolCallCompleted{} },
	EventToolCallFailed:             func() any { return &ToolCallFailed{} },
	EventConversationRenamed:        func() any { return &ConversationRenamed{} },
	EventConversationArchived:       func() any { return &ConversationArchived{} },
}

// eventTypeOf returns the wire tag for a payload value.
func eventTypeOf(payload any) (string, error) {
	switch payload.(type) {
	case *ConversationCreated, ConversationCreated:
		return EventConversationCreated, nil
	case *UserMessageAdded, UserMessageAdded:
		return EventUserMessageAdded, nil
	case *AssistantResponseStarted, AssistantResponseStarted:
		return EventAssistantResponseStarted, nil
	case *AssistantChunkReceived, AssistantChunkReceived:
		return EventAssistantChunkReceived, nil
	case *AssistantResponseCompleted, AssistantResponseCompleted:
		return EventAssistantResponseCompleted, nil
	case *AssistantResponseFailed, AssistantResponseFailed:
		return EventAssistantResponseFailed, nil
	case *ToolCallStarted, ToolCallStarted:
		return EventToolCallStarted, nil
	case *ToolCallCompleted, ToolCallCompleted:
		return EventToolCallCompleted, nil
	case *ToolCallFailed, ToolCallFailed:
		return EventToolCallFailed, nil
	case *ConversationRenamed, ConversationRenamed:
		return EventConversationRenamed, nil
	case *ConversationArchived, ConversationArchived:
		return EventConversationArchived, nil
	default:
		return "", fmt.Errorf("no event type registered for %T", payload)
	}
}

// NewEventData marshals a typed payload into the store's string-keyed
// representation.
func NewEventData(payload any) (eventstore.EventData, error) {
	eventType, err := eventTypeOf(payload)
	if err != nil {
		return eventstore.EventData{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return eventstore.EventData{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return eventstore.EventData{EventType: eventType, Data: data}, nil
}

// DecodeEvent unmarshals a stored event back into its typed payload.
// Unknown event types are a programming error.
func DecodeEvent(event eventstore.StoredEvent) (any, error) {
	factory, ok := payloadFactories[event.EventType]
	if !ok {
		return nil, errors.UnknownEventTypef(event.EventType)
	}
	payload := factory()
	if err := json.Unmarshal(event.Data, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", event.EventType, err)
	}
	return payload, nil
}

// mustEventData is NewEventData for handler-built payloads whose
// serialization cannot fail.
func mustEventData(payload any) eventstore.EventData {
	data, err := NewEventData(payload)
	if err != nil {
		panic(err)
	}
	return data
}
