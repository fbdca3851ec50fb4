// Package command implements the stateless command-execution pipeline:
// load state by folding the stream (optionally from a snapshot), decide via
// the aggregate's pure handler, append with optimistic concurrency.
//
// Import Path: liteskill.io/chatlog/internal/command
package command

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"liteskill.io/chatlog/internal/domain"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/errors"
)

// DefaultPageLimit bounds a single readForward page during load. Longer
// streams are paginated automatically.
const DefaultPageLimit = 500

// Metadata keys stamped on every appended event.
const (
	MetaCommand       = "command"
	MetaCorrelationID = "correlation_id"
)

// Executor drives commands against aggregates. It keeps no per-stream state:
// every call reloads from the snapshot store and event log, so any number of
// executors can run concurrently across processes.
type Executor struct {
	store      eventstore.Store
	snapshots  eventstore.SnapshotStore
	aggregates map[string]domain.Aggregate
	pageLimit  int
}

// Option configures an Executor.
type Option func(*Executor)

// WithPageLimit overrides the replay page size.
func WithPageLimit(limit int) Option {
	return func(e *Executor) {
		if limit > 0 {
			e.pageLimit = limit
		}
	}
}

// NewExecutor creates an executor over the given stores.
func NewExecutor(store eventstore.Store, snapshots eventstore.SnapshotStore, opts ...Option) *Executor {
	e := &Executor{
		store:      store,
		snapshots:  snapshots,
		aggregates: make(map[string]domain.Aggregate),
		pageLimit:  DefaultPageLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register makes an aggregate type executable. Not safe to call concurrently
// with Execute; registration happens at bootstrap.
func (e *Executor) Register(agg domain.Aggregate) {
	e.aggregates[agg.AggregateType()] = agg
}

func (e *Executor) aggregate(aggregateType string) (domain.Aggregate, error) {
	agg, ok := e.aggregates[aggregateType]
	if !ok {
		return nil, fmt.Errorf("no aggregate registered for type %q", aggregateType)
	}
	return agg, nil
}

// Load reconstructs (state, version) for a stream. It starts from the latest
// snapshot when one exists, otherwise from the aggregate's empty state, then
// folds the remaining events in pages until the stream is exhausted.
func (e *Executor) Load(ctx context.Context, aggregateType, streamID string) (domain.State, int64, error) {
	agg, err := e.aggregate(aggregateType)
	if err != nil {
		return nil, 0, err
	}

	state := agg.NewState()
	var version int64

	snap, err := e.snapshots.Latest(ctx, streamID)
	switch {
	case err == nil:
		if err := eventstore.DecodeSnapshot(snap, state); err != nil {
			return nil, 0, fmt.Errorf("decoding snapshot for %s: %w", streamID, err)
		}
		version = snap.StreamVersion
	case stderrors.Is(err, errors.ErrNotFound):
		// Full replay from version 0.
	default:
		return nil, 0, err
	}

	for {
		events, err := e.store.ReadForward(ctx, streamID, version+1, e.pageLimit)
		if err != nil {
			return nil, 0, err
		}
		for _, event := range events {
			state, err = agg.ApplyEvent(state, event)
			if err != nil {
				return nil, 0, fmt.Errorf("replaying %s v%d: %w", streamID, event.StreamVersion, err)
			}
			version = event.StreamVersion
		}
		if len(events) < e.pageLimit {
			return state, version, nil
		}
	}
}

// Execute loads the stream, lets the aggregate decide, and appends the
// resulting events at the loaded version.
//
// An empty decision short-circuits without touching the log. A
// VersionConflict from a concurrent writer is returned unretried; retry
// policy belongs to the caller.
func (e *Executor) Execute(ctx context.Context, aggregateType, streamID string, cmd domain.Command) (domain.State, []eventstore.StoredEvent, error) {
	agg, err := e.aggregate(aggregateType)
	if err != nil {
		return nil, nil, err
	}

	state, version, err := e.Load(ctx, aggregateType, streamID)
	if err != nil {
		return nil, nil, err
	}

	events, err := agg.HandleCommand(state, cmd)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return state, nil, nil
	}

	correlationID := uuid.NewString()
	for i := range events {
		if events[i].Metadata == nil {
			events[i].Metadata = make(map[string]string, 2)
		}
		events[i].Metadata[MetaCommand] = cmd.CommandName()
		events[i].Metadata[MetaCorrelationID] = correlationID
	}

	stored, err := e.store.Append(ctx, streamID, version, events)
	if err != nil {
		return nil, nil, err
	}
	for _, event := range stored {
		state, err = agg.ApplyEvent(state, event)
		if err != nil {
			return nil, nil, fmt.Errorf("applying appended %s v%d: %w", streamID, event.StreamVersion, err)
		}
	}
	return state, stored, nil
}
