// Package domain defines the aggregate contract the command executor is
// generic over.
//
// Aggregates are stateless values: state is reconstructed on every load by
// folding the event stream over NewState, and nothing holds a long-lived
// per-aggregate process or lock. Concurrency safety comes entirely from the
// event log's version uniqueness check.
//
// Import Path: liteskill.io/chatlog/internal/domain
package domain

import (
	"liteskill.io/chatlog/internal/eventstore"
)

// State is an aggregate's in-memory state. Implementations are pointers to
// JSON-serializable structs so snapshots round-trip through the snapshot
// store's string-keyed representation.
type State any

// Command is a request to change an aggregate. Pure data; the name feeds
// causation metadata on the resulting events.
type Command interface {
	CommandName() string
}

// Aggregate is implemented once per entity type.
type Aggregate interface {
	// AggregateType tags snapshots and stream id prefixes,
	// e.g. "conversation".
	AggregateType() string

	// NewState returns the empty state before any events.
	NewState() State

	// ApplyEvent folds one stored event into the state. Pure and
	// deterministic. It must handle every event type the aggregate can
	// produce; an unrecognized type is a programming error, never a
	// silently-ignored case.
	ApplyEvent(state State, event eventstore.StoredEvent) (State, error)

	// HandleCommand decides which events a command produces, without side
	// effects. An empty slice means the command was valid but changes
	// nothing (idempotent no-op) and must not reach the event log.
	// Invalid commands return an ErrCommandRejected-classified error.
	HandleCommand(state State, cmd Command) ([]eventstore.EventData, error)
}
