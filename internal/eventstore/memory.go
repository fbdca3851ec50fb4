package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"liteskill.io/chatlog/internal/pkg/errors"
)

// MemoryStore is an in-memory Store with semantics identical to the Postgres
// implementation. Test support for the executor, projector, and jobs.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string][]StoredEvent
	publisher Publisher
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]StoredEvent)}
}

// SetPublisher wires a notification channel, mirroring WithPublisher.
func (s *MemoryStore) SetPublisher(p Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []EventData) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Storagef(err, "append cancelled")
	}

	s.mu.Lock()
	stream := s.streams[streamID]
	current := int64(len(stream))
	if current != expectedVersion {
		s.mu.Unlock()
		return nil, errors.VersionConflictf(streamID, expectedVersion, current)
	}

	now := time.Now().UTC()
	stored := make([]StoredEvent, len(events))
	for i, ev := range events {
		meta := ev.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		stored[i] = StoredEvent{
			ID:            uuid.New(),
			StreamID:      streamID,
			StreamVersion: expectedVersion + int64(i) + 1,
			EventType:     ev.EventType,
			Data:          append([]byte(nil), ev.Data...),
			Metadata:      meta,
			InsertedAt:    now,
		}
	}
	s.streams[streamID] = append(stream, stored...)
	publisher := s.publisher
	s.mu.Unlock()

	if publisher != nil {
		_ = publisher.Publish(ctx, streamID, stored)
	}
	return stored, nil
}

// ReadForward implements Store.
func (s *MemoryStore) ReadForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Storagef(err, "read cancelled")
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	if int64(len(stream)) < fromVersion {
		return nil, nil
	}
	slice := stream[fromVersion-1:]
	if maxCount > 0 && len(slice) > maxCount {
		slice = slice[:maxCount]
	}
	out := make([]StoredEvent, len(slice))
	copy(out, slice)
	return out, nil
}

// CurrentVersion implements Store.
func (s *MemoryStore) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Storagef(err, "read cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[streamID])), nil
}

// Streams lists every stream id holding at least one event.
func (s *MemoryStore) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// MemorySnapshots is an in-memory SnapshotStore.
type MemorySnapshots struct {
	mu    sync.Mutex
	snaps map[string][]Snapshot
}

// NewMemorySnapshots creates an empty in-memory snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snaps: make(map[string][]Snapshot)}
}

// Save implements SnapshotStore.
func (s *MemorySnapshots) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return errors.Storagef(err, "save cancelled")
	}
	snap.CreatedAt = time.Now().UTC()
	snap.Data = append([]byte(nil), snap.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.snaps[snap.StreamID] {
		if existing.StreamVersion == snap.StreamVersion {
			s.snaps[snap.StreamID][i] = snap
			return nil
		}
	}
	s.snaps[snap.StreamID] = append(s.snaps[snap.StreamID], snap)
	return nil
}

// Latest implements SnapshotStore.
func (s *MemorySnapshots) Latest(ctx context.Context, streamID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Storagef(err, "load cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Snapshot
	for i := range s.snaps[streamID] {
		snap := s.snaps[streamID][i]
		if best == nil || snap.StreamVersion > best.StreamVersion {
			best = &snap
		}
	}
	if best == nil {
		return nil, errors.SnapshotNotFoundf(streamID)
	}
	out := *best
	return &out, nil
}
