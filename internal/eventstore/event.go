// Package eventstore persists the append-only conversation event log and the
// snapshot cache that bounds replay cost.
//
// Invariants: (stream_id, stream_version) is unique, versions are 1-based and
// gapless within a stream, and a stored row is never updated or deleted.
// Concurrency control is optimistic: the uniqueness constraint decides races
// at commit time, there are no aggregate-level locks anywhere.
//
// Import Path: liteskill.io/chatlog/internal/eventstore
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventData is an event produced by an aggregate, not yet assigned a version.
type EventData struct {
	// EventType tags the payload shape, e.g. "UserMessageAdded".
	EventType string

	// Data is the string-keyed JSON payload for the event type.
	Data json.RawMessage

	// Metadata carries causation info (command name, correlation id).
	Metadata map[string]string
}

// StoredEvent is an immutable, versioned row of the event log.
type StoredEvent struct {
	ID            uuid.UUID         `json:"id"`
	StreamID      string            `json:"stream_id"`
	StreamVersion int64             `json:"stream_version"`
	EventType     string            `json:"event_type"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata"`
	InsertedAt    time.Time         `json:"inserted_at"`
}

// Snapshot is a cached materialization of aggregate state at a version.
// Purely derivable from events: deleting every snapshot changes replay cost,
// never observable behavior.
type Snapshot struct {
	StreamID      string          `json:"stream_id"`
	StreamVersion int64           `json:"stream_version"`
	SnapshotType  string          `json:"snapshot_type"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SnapshotCandidate is a stream whose head has outrun its latest snapshot.
type SnapshotCandidate struct {
	StreamID        string
	HeadVersion     int64
	SnapshotVersion int64
}

// NewSnapshot serializes aggregate state into a snapshot at a version.
func NewSnapshot(streamID string, version int64, snapshotType string, state any) (Snapshot, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		StreamID:      streamID,
		StreamVersion: version,
		SnapshotType:  snapshotType,
		Data:          data,
	}, nil
}

// DecodeSnapshot deserializes snapshot data into the given state value.
func DecodeSnapshot(snap *Snapshot, state any) error {
	return json.Unmarshal(snap.Data, state)
}

// Store is the append-only event log.
type Store interface {
	// Append assigns each event a consecutive version starting at
	// expectedVersion+1 and persists all of them in one transaction, or
	// none. A stale expectedVersion (or a concurrent writer winning the
	// race) yields ErrVersionConflict. On success the batch is published
	// to the notification channel exactly once before Append returns.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []EventData) ([]StoredEvent, error)

	// ReadForward returns up to maxCount events of the stream in ascending
	// version order, starting at fromVersion. maxCount <= 0 is unbounded.
	ReadForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]StoredEvent, error)

	// CurrentVersion returns the highest stored version of the stream,
	// 0 when the stream has no events.
	CurrentVersion(ctx context.Context, streamID string) (int64, error)
}

// SnapshotStore caches aggregate state at a version. Never required for
// correctness.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error

	// Latest returns the highest-version snapshot of the stream, or an
	// ErrNotFound-classified error when none exists.
	Latest(ctx context.Context, streamID string) (*Snapshot, error)
}

// Publisher receives the stored events of each successful append. Delivery is
// best-effort and in-process; the projector's catch-up pass compensates for
// anything dropped here. Implemented by internal/bus.
type Publisher interface {
	Publish(ctx context.Context, streamID string, events []StoredEvent) error
}
