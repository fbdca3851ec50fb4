package errors

// Error code constants. Errors carry code + params; log output stays English.

// Event log error codes.
const (
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeStreamNotFound   = "STREAM_NOT_FOUND"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeStorageFailure   = "STORAGE_FAILURE"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
)

// Command rejection codes (conversation state machine).
const (
	CodeConversationExists   = "CONVERSATION_ALREADY_EXISTS"
	CodeConversationArchived = "CONVERSATION_ARCHIVED"
	CodeConversationMissing  = "CONVERSATION_NOT_CREATED"
	CodeConversationBusy     = "CONVERSATION_BUSY"
	CodeNotStreaming         = "RESPONSE_NOT_STREAMING"
	CodeMessageMismatch      = "MESSAGE_ID_MISMATCH"
	CodeToolCallExists       = "TOOL_CALL_ALREADY_STARTED"
	CodeToolCallUnknown      = "TOOL_CALL_NOT_FOUND"
	CodeInvalidState         = "INVALID_CONVERSATION_STATE"
	CodeCommandUnknown       = "UNKNOWN_COMMAND"
)

// Convenience constructors using predefined codes.

// VersionConflictf creates a version conflict error for a stream.
func VersionConflictf(streamID string, expected, actual int64) *DomainError {
	return New(ErrVersionConflict, CodeVersionConflict, "expected version does not match stream head").
		WithParams(map[string]interface{}{
			"stream_id": streamID,
			"expected":  expected,
			"actual":    actual,
		})
}

// CommandRejectedf creates a command rejection with a state-machine code.
func CommandRejectedf(code, message string) *DomainError {
	return New(ErrCommandRejected, code, message)
}

// SnapshotNotFoundf reports a missing snapshot; loaders treat this as the
// full-replay case rather than a failure.
func SnapshotNotFoundf(streamID string) *DomainError {
	return New(ErrNotFound, CodeSnapshotNotFound, "no snapshot for stream").
		WithParams(map[string]interface{}{"stream_id": streamID})
}

// Storagef wraps a driver or transport failure.
func Storagef(cause error, message string) *DomainError {
	return Wrap(ErrStorage, cause, CodeStorageFailure, message)
}

// UnknownEventTypef reports an event type the aggregate does not recognize.
// This is a programming error, never a silently-ignored case.
func UnknownEventTypef(eventType string) *DomainError {
	return (&DomainError{
		Code:    CodeUnknownEventType,
		Message: "unrecognized event type",
	}).WithParams(map[string]interface{}{"event_type": eventType})
}
