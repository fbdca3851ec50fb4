package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/command"
	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/logger"
)

// DefaultSnapshotEvery is the number of events a stream may accumulate past
// its last snapshot before compaction snapshots it again.
const DefaultSnapshotEvery = 100

// CandidateLister finds streams whose head has moved at least `every` events
// past their latest snapshot. Implemented by the Postgres event store.
type CandidateLister interface {
	SnapshotCandidates(ctx context.Context, every int) ([]eventstore.SnapshotCandidate, error)
}

// SnapshotCompactionArgs is the periodic job that refreshes snapshots for
// long streams. Snapshots only bound replay cost; skipping a pass is safe.
type SnapshotCompactionArgs struct{}

// Kind returns the job kind identifier for snapshot compaction.
func (SnapshotCompactionArgs) Kind() string { return "snapshot_compaction" }

// InsertOpts ensures at most one compaction pass is queued per hour.
func (SnapshotCompactionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SnapshotCompactionWorker loads each candidate stream through the executor
// and saves the resulting state as a snapshot at the loaded version.
type SnapshotCompactionWorker struct {
	river.WorkerDefaults[SnapshotCompactionArgs]
	lister    CandidateLister
	snapshots eventstore.SnapshotStore
	executor  *command.Executor
	every     int
}

// NewSnapshotCompactionWorker creates a compaction worker. Non-positive
// thresholds fall back to the default.
func NewSnapshotCompactionWorker(lister CandidateLister, snapshots eventstore.SnapshotStore, executor *command.Executor, every int) *SnapshotCompactionWorker {
	if every <= 0 {
		every = DefaultSnapshotEvery
	}
	return &SnapshotCompactionWorker{lister: lister, snapshots: snapshots, executor: executor, every: every}
}

// Work snapshots every stream that accumulated enough events since its last
// snapshot.
func (w *SnapshotCompactionWorker) Work(ctx context.Context, _ *river.Job[SnapshotCompactionArgs]) error {
	if w == nil || w.lister == nil || w.snapshots == nil || w.executor == nil {
		return fmt.Errorf("snapshot compaction worker is not initialized")
	}

	candidates, err := w.lister.SnapshotCandidates(ctx, w.every)
	if err != nil {
		return fmt.Errorf("list snapshot candidates: %w", err)
	}

	saved := 0
	for _, c := range candidates {
		if !strings.HasPrefix(c.StreamID, conversation.AggregateType+"-") {
			continue
		}
		state, version, err := w.executor.Load(ctx, conversation.AggregateType, c.StreamID)
		if err != nil {
			logger.Error("compaction load failed", zap.String("stream_id", c.StreamID), zap.Error(err))
			continue
		}
		snap, err := eventstore.NewSnapshot(c.StreamID, version, conversation.AggregateType, state)
		if err != nil {
			logger.Error("compaction snapshot encode failed", zap.String("stream_id", c.StreamID), zap.Error(err))
			continue
		}
		if err := w.snapshots.Save(ctx, snap); err != nil {
			logger.Error("compaction snapshot save failed", zap.String("stream_id", c.StreamID), zap.Error(err))
			continue
		}
		saved++
	}

	if len(candidates) > 0 {
		logger.Info("snapshot compaction completed",
			zap.Int("candidates", len(candidates)),
			zap.Int("saved", saved),
			zap.Int("threshold", w.every),
		)
	}
	return nil
}
