package conversation

// Commands for the conversation aggregate. Each is plain data; validation
// happens in HandleCommand against the folded state.

// Create opens a conversation stream. ParentConversationID and ForkAtVersion
// are set together when forking an existing conversation.
type Create struct {
	ConversationID       string
	UserID               string
	Title                string
	ModelID              string
	SystemPrompt         string
	ParentConversationID string
	ForkAtVersion        int64
}

func (Create) CommandName() string { return "create_conversation" }

// AddUserMessage appends a user turn.
type AddUserMessage struct {
	MessageID string
	Content   string
}

func (AddUserMessage) CommandName() string { return "add_user_message" }

// StartAssistantResponse begins a streaming assistant turn.
type StartAssistantResponse struct {
	MessageID string
	ModelID   string
}

func (StartAssistantResponse) CommandName() string { return "start_assistant_response" }

// AppendAssistantChunk records one streamed delta for the in-flight turn.
type AppendAssistantChunk struct {
	MessageID         string
	ChunkIndex        int
	ContentBlockIndex int
	DeltaType         string
	DeltaText         string
}

func (AppendAssistantChunk) CommandName() string { return "append_assistant_chunk" }

// CompleteAssistantResponse finishes the streaming turn.
type CompleteAssistantResponse struct {
	MessageID    string
	Content      string
	StopReason   string
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
}

func (CompleteAssistantResponse) CommandName() string { return "complete_assistant_response" }

// FailAssistantResponse aborts the streaming turn. A no-op when the
// conversation is not streaming, which makes it safe for the recovery sweep
// to redeliver.
type FailAssistantResponse struct {
	MessageID string
	Reason    string
}

func (FailAssistantResponse) CommandName() string { return "fail_assistant_response" }

// StartToolCall records a tool round-trip request.
type StartToolCall struct {
	MessageID string
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

func (StartToolCall) CommandName() string { return "start_tool_call" }

// CompleteToolCall records a tool result for a previously started call.
type CompleteToolCall struct {
	ToolUseID  string
	Output     map[string]any
	DurationMS int64
}

func (CompleteToolCall) CommandName() string { return "complete_tool_call" }

// FailToolCall records a tool error for a previously started call.
type FailToolCall struct {
	ToolUseID  string
	Reason     string
	DurationMS int64
}

func (FailToolCall) CommandName() string { return "fail_tool_call" }

// Rename changes the conversation title. Renaming to the current title is a
// no-op.
type Rename struct {
	Title string
}

func (Rename) CommandName() string { return "rename_conversation" }

// Archive closes the conversation. Idempotent: archiving an archived
// conversation is a no-op. Archiving mid-stream first fails the in-flight
// response so no stream is left dangling.
type Archive struct{}

func (Archive) CommandName() string { return "archive_conversation" }
