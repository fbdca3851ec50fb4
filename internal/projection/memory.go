package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/errors"
)

// Read-model rows, mirroring the projection tables.

// ConversationRow is one row of the conversations table.
type ConversationRow struct {
	ID                   string
	StreamID             string
	UserID               string
	Title                string
	ModelID              string
	SystemPrompt         string
	Status               string
	ParentConversationID string
	ForkAtVersion        int64
	MessageCount         int
	LastMessageAt        time.Time
	UpdatedAt            time.Time
}

// MessageRow is one row of the messages table.
type MessageRow struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Status         string
	ModelID        string
	StopReason     string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	LatencyMS      int64
	StreamVersion  int64
	Position       int
}

// ChunkRow is one row of the message_chunks table.
type ChunkRow struct {
	MessageID         string
	ChunkIndex        int
	ContentBlockIndex int
	DeltaType         string
	DeltaText         string
}

// ToolCallRow is one row of the tool_calls table.
type ToolCallRow struct {
	MessageID  string
	ToolUseID  string
	ToolName   string
	Input      map[string]any
	Output     map[string]any
	Status     string
	DurationMS int64
}

type chunkKey struct {
	messageID  string
	chunkIndex int
}

// MemoryStore is an in-memory read model with the same semantics as the
// Postgres store. Test support for the projector and jobs.
type MemoryStore struct {
	mu            sync.Mutex
	log           *eventstore.MemoryStore
	progress      map[string]int64
	conversations map[string]*ConversationRow
	messages      map[string]*MessageRow
	chunks        map[chunkKey]ChunkRow
	toolCalls     map[string]*ToolCallRow
}

// NewMemoryStore creates an empty read model over the given in-memory log.
func NewMemoryStore(log *eventstore.MemoryStore) *MemoryStore {
	return &MemoryStore{
		log:           log,
		progress:      make(map[string]int64),
		conversations: make(map[string]*ConversationRow),
		messages:      make(map[string]*MessageRow),
		chunks:        make(map[chunkKey]ChunkRow),
		toolCalls:     make(map[string]*ToolCallRow),
	}
}

// LastVersion implements Store.
func (s *MemoryStore) LastVersion(_ context.Context, streamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[streamID], nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, streamID string, events []eventstore.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.progress[streamID]
	for _, event := range events {
		if event.StreamVersion <= last {
			continue
		}
		if err := s.applyEvent(streamID, event); err != nil {
			return err
		}
		last = event.StreamVersion
	}
	s.progress[streamID] = last
	return nil
}

func (s *MemoryStore) applyEvent(streamID string, event eventstore.StoredEvent) error {
	payload, err := conversation.DecodeEvent(event)
	if err != nil {
		return err
	}
	convID := conversationID(streamID)
	now := time.Now().UTC()

	switch e := payload.(type) {
	case *conversation.ConversationCreated:
		if _, exists := s.conversations[e.ConversationID]; exists {
			return nil
		}
		s.conversations[e.ConversationID] = &ConversationRow{
			ID:                   e.ConversationID,
			StreamID:             streamID,
			UserID:               e.UserID,
			Title:                e.Title,
			ModelID:              e.ModelID,
			SystemPrompt:         e.SystemPrompt,
			Status:               conversation.StatusCreated,
			ParentConversationID: e.ParentConversationID,
			ForkAtVersion:        e.ForkAtVersion,
			UpdatedAt:            now,
		}

	case *conversation.UserMessageAdded:
		s.insertMessage(&MessageRow{
			ID:             e.MessageID,
			ConversationID: convID,
			Role:           RoleUser,
			Content:        e.Content,
			Status:         MessageCompleted,
			StreamVersion:  event.StreamVersion,
		})
		if c := s.conversations[convID]; c != nil {
			if c.Status == conversation.StatusCreated {
				c.Status = conversation.StatusActive
			}
			c.MessageCount++
			c.LastMessageAt = e.Timestamp
			c.UpdatedAt = now
		}

	case *conversation.AssistantResponseStarted:
		s.insertMessage(&MessageRow{
			ID:             e.MessageID,
			ConversationID: convID,
			Role:           RoleAssistant,
			Status:         MessageStreaming,
			ModelID:        e.ModelID,
			StreamVersion:  event.StreamVersion,
		})
		if c := s.conversations[convID]; c != nil {
			c.Status = conversation.StatusStreaming
			c.MessageCount++
			c.LastMessageAt = e.Timestamp
			c.UpdatedAt = now
		}

	case *conversation.AssistantChunkReceived:
		key := chunkKey{messageID: e.MessageID, chunkIndex: e.ChunkIndex}
		if _, exists := s.chunks[key]; !exists {
			s.chunks[key] = ChunkRow{
				MessageID:         e.MessageID,
				ChunkIndex:        e.ChunkIndex,
				ContentBlockIndex: e.ContentBlockIndex,
				DeltaType:         e.DeltaType,
				DeltaText:         e.DeltaText,
			}
		}

	case *conversation.AssistantResponseCompleted:
		if m := s.messages[e.MessageID]; m != nil {
			m.Content = e.Content
			m.Status = MessageCompleted
			m.StopReason = e.StopReason
			m.InputTokens = e.InputTokens
			m.OutputTokens = e.OutputTokens
			m.TotalTokens = e.InputTokens + e.OutputTokens
			m.LatencyMS = e.LatencyMS
		}
		if c := s.conversations[convID]; c != nil {
			c.Status = conversation.StatusActive
			c.LastMessageAt = e.Timestamp
			c.UpdatedAt = now
		}

	case *conversation.AssistantResponseFailed:
		if m := s.messages[e.MessageID]; m != nil {
			m.Status = MessageFailed
			m.StopReason = e.Reason
		}
		if c := s.conversations[convID]; c != nil {
			c.Status = conversation.StatusActive
			c.LastMessageAt = e.Timestamp
			c.UpdatedAt = now
		}

	case *conversation.ToolCallStarted:
		if _, exists := s.toolCalls[e.ToolUseID]; !exists {
			s.toolCalls[e.ToolUseID] = &ToolCallRow{
				MessageID: e.MessageID,
				ToolUseID: e.ToolUseID,
				ToolName:  e.ToolName,
				Input:     e.Input,
				Status:    ToolCallRunning,
			}
		}

	case *conversation.ToolCallCompleted:
		if tc := s.toolCalls[e.ToolUseID]; tc != nil {
			tc.Output = e.Output
			tc.Status = ToolCallCompleted
			tc.DurationMS = e.DurationMS
		}

	case *conversation.ToolCallFailed:
		if tc := s.toolCalls[e.ToolUseID]; tc != nil {
			tc.Output = map[string]any{"error": e.Reason}
			tc.Status = ToolCallFailed
			tc.DurationMS = e.DurationMS
		}

	case *conversation.ConversationRenamed:
		if c := s.conversations[convID]; c != nil {
			c.Title = e.Title
			c.UpdatedAt = now
		}

	case *conversation.ConversationArchived:
		if c := s.conversations[convID]; c != nil {
			c.Status = conversation.StatusArchived
			c.UpdatedAt = now
		}

	default:
		return errors.UnknownEventTypef(event.EventType)
	}
	return nil
}

func (s *MemoryStore) insertMessage(row *MessageRow) {
	if _, exists := s.messages[row.ID]; exists {
		return
	}
	position := 0
	for _, m := range s.messages {
		if m.ConversationID == row.ConversationID && m.Position > position {
			position = m.Position
		}
	}
	row.Position = position + 1
	s.messages[row.ID] = row
}

// LaggingStreams implements Store.
func (s *MemoryStore) LaggingStreams(ctx context.Context) ([]Lag, error) {
	var lags []Lag
	for _, streamID := range s.log.Streams() {
		current, err := s.log.CurrentVersion(ctx, streamID)
		if err != nil {
			return nil, err
		}
		projected, _ := s.LastVersion(ctx, streamID)
		if current > projected {
			lags = append(lags, Lag{StreamID: streamID, ProjectedVersion: projected, CurrentVersion: current})
		}
	}
	sort.Slice(lags, func(i, j int) bool { return lags[i].StreamID < lags[j].StreamID })
	return lags, nil
}

// StuckStreaming implements Store.
func (s *MemoryStore) StuckStreaming(_ context.Context, olderThan time.Duration) ([]StuckConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var stuck []StuckConversation
	for _, c := range s.conversations {
		if c.Status != conversation.StatusStreaming || c.UpdatedAt.After(cutoff) {
			continue
		}
		sc := StuckConversation{StreamID: c.StreamID, ConversationID: c.ID}
		for _, m := range s.messages {
			if m.ConversationID == c.ID && m.Status == MessageStreaming {
				sc.MessageID = m.ID
				break
			}
		}
		stuck = append(stuck, sc)
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].StreamID < stuck[j].StreamID })
	return stuck, nil
}

// Conversation returns a copy of a projected conversation row, or nil.
func (s *MemoryStore) Conversation(id string) *ConversationRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		out := *c
		return &out
	}
	return nil
}

// Message returns a copy of a projected message row, or nil.
func (s *MemoryStore) Message(id string) *MessageRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		out := *m
		return &out
	}
	return nil
}

// Chunks returns the projected chunks of a message in chunk order.
func (s *MemoryStore) Chunks(messageID string) []ChunkRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChunkRow
	for key, chunk := range s.chunks {
		if key.messageID == messageID {
			out = append(out, chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

// ToolCall returns a copy of a projected tool call row, or nil.
func (s *MemoryStore) ToolCall(toolUseID string) *ToolCallRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.toolCalls[toolUseID]; ok {
		out := *tc
		return &out
	}
	return nil
}
