// Package jobs holds the periodic background jobs: the stream recovery sweep
// and snapshot compaction. Both run through River on the shared Postgres
// pool; scheduling, uniqueness and retries come from the queue, not from
// hand-rolled timers.
//
// Import Path: liteskill.io/chatlog/internal/jobs
package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/command"
	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/pkg/errors"
	"liteskill.io/chatlog/internal/pkg/logger"
	"liteskill.io/chatlog/internal/projection"
)

// DefaultStreamingTimeout is how long a conversation may stay in streaming
// status before the sweep considers it stuck.
const DefaultStreamingTimeout = 2 * time.Minute

// StuckStreamReason is the failure reason appended by the sweep.
const StuckStreamReason = "stream timed out"

// StreamRecoveryArgs is the periodic sweep for conversations stuck in
// streaming status after a crash mid-response.
type StreamRecoveryArgs struct{}

// Kind returns the job kind identifier for the recovery sweep.
func (StreamRecoveryArgs) Kind() string { return "stream_recovery" }

// InsertOpts ensures at most one sweep is queued at a time.
func (StreamRecoveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// StreamRecoveryWorker appends a synthetic failure event to each stuck
// stream through the normal command pipeline. The ordinary projection path
// then brings the read model back in sync; the projection tables are never
// written directly.
type StreamRecoveryWorker struct {
	river.WorkerDefaults[StreamRecoveryArgs]
	store    projection.Store
	executor *command.Executor
	timeout  time.Duration
}

// NewStreamRecoveryWorker creates a sweep worker. Non-positive timeout falls
// back to the default.
func NewStreamRecoveryWorker(store projection.Store, executor *command.Executor, timeout time.Duration) *StreamRecoveryWorker {
	if timeout <= 0 {
		timeout = DefaultStreamingTimeout
	}
	return &StreamRecoveryWorker{store: store, executor: executor, timeout: timeout}
}

// Work fails every conversation whose projected status has stayed streaming
// past the timeout.
func (w *StreamRecoveryWorker) Work(ctx context.Context, _ *river.Job[StreamRecoveryArgs]) error {
	if w == nil || w.store == nil || w.executor == nil {
		return fmt.Errorf("stream recovery worker is not initialized")
	}

	stuck, err := w.store.StuckStreaming(ctx, w.timeout)
	if err != nil {
		return fmt.Errorf("query stuck streams: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	recovered := 0
	for _, sc := range stuck {
		_, stored, err := w.executor.Execute(ctx, conversation.AggregateType, sc.StreamID, conversation.FailAssistantResponse{
			MessageID: sc.MessageID,
			Reason:    StuckStreamReason,
		})
		switch {
		case err == nil:
			// Zero events means the stream already resolved itself between
			// the projection lagging and this sweep.
			if len(stored) > 0 {
				recovered++
			}
		case stderrors.Is(err, errors.ErrVersionConflict):
			// A live writer beat the sweep; the next pass re-evaluates.
			logger.Debug("recovery lost append race", zap.String("stream_id", sc.StreamID))
		default:
			logger.Error("stream recovery failed",
				zap.String("stream_id", sc.StreamID),
				zap.Error(err),
			)
		}
	}

	logger.Info("stream recovery sweep completed",
		zap.Int("stuck", len(stuck)),
		zap.Int("recovered", recovered),
		zap.Duration("timeout", w.timeout),
	)
	return nil
}
