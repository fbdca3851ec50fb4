package projection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/bus"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/logger"
	"liteskill.io/chatlog/internal/pkg/worker"
)

// DefaultCatchupPage bounds one readForward page during gap replay.
const DefaultCatchupPage = 500

// Projector is the single logical consumer of the event log. It subscribes
// to append notifications and runs a catch-up pass at startup, replaying any
// gap between the projected version and the log head. The pass also covers
// notifications dropped while no subscriber was listening.
//
// Projector failures never reach the write path: errors here are logged and
// the next notification or catch-up pass recovers via idempotent re-apply.
type Projector struct {
	log   eventstore.Store
	store Store
	bus   bus.Bus
	pool  *worker.Pool
	page  int
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithCatchupPage overrides the gap-replay page size.
func WithCatchupPage(page int) ProjectorOption {
	return func(p *Projector) {
		if page > 0 {
			p.page = page
		}
	}
}

// NewProjector wires a projector over the log, read model, bus, and catch-up
// worker pool.
func NewProjector(log eventstore.Store, store Store, b bus.Bus, pool *worker.Pool, opts ...ProjectorOption) *Projector {
	p := &Projector{log: log, store: store, bus: b, pool: pool, page: DefaultCatchupPage}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run subscribes, catches up, and consumes notifications until the context
// is cancelled or the bus closes. Subscription happens before catch-up so no
// append can fall between the two.
func (p *Projector) Run(ctx context.Context) error {
	ch, cancel, err := p.bus.Subscribe()
	if err != nil {
		return err
	}
	defer cancel()

	if err := p.CatchUp(ctx); err != nil {
		logger.Error("projection catch-up failed; continuing on notifications", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			p.handle(ctx, n)
		}
	}
}

// CatchUp replays every lagging stream, fanning out across the worker pool.
// It returns after all streams have been attempted; per-stream failures are
// logged, not fatal.
func (p *Projector) CatchUp(ctx context.Context) error {
	lags, err := p.store.LaggingStreams(ctx)
	if err != nil {
		return err
	}
	if len(lags) == 0 {
		return nil
	}
	logger.Info("projection catch-up", zap.Int("streams", len(lags)))

	var wg sync.WaitGroup
	for _, lag := range lags {
		lag := lag
		wg.Add(1)
		err := p.pool.Submit(ctx, func(ctx context.Context) {
			defer wg.Done()
			if err := p.replayGap(ctx, lag.StreamID, lag.ProjectedVersion); err != nil {
				logger.Error("catch-up replay failed",
					zap.String("stream_id", lag.StreamID),
					zap.Int64("from_version", lag.ProjectedVersion),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			wg.Done()
			logger.Error("catch-up submit failed", zap.String("stream_id", lag.StreamID), zap.Error(err))
		}
	}
	wg.Wait()
	return nil
}

// replayGap reads the stream forward from the projected version and applies
// it page by page.
func (p *Projector) replayGap(ctx context.Context, streamID string, fromVersion int64) error {
	next := fromVersion + 1
	for {
		events, err := p.log.ReadForward(ctx, streamID, next, p.page)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := p.store.Apply(ctx, streamID, events); err != nil {
			return err
		}
		if len(events) < p.page {
			return nil
		}
		next = events[len(events)-1].StreamVersion + 1
	}
}

// handle applies one notification. A version gap ahead of the notification
// means earlier notifications were dropped; the log is replayed from the
// projected version instead, which also covers the notified events.
func (p *Projector) handle(ctx context.Context, n bus.Notification) {
	if len(n.Events) == 0 {
		return
	}
	last, err := p.store.LastVersion(ctx, n.StreamID)
	if err != nil {
		logger.Error("reading projection progress failed", zap.String("stream_id", n.StreamID), zap.Error(err))
		return
	}

	if n.Events[0].StreamVersion > last+1 {
		if err := p.replayGap(ctx, n.StreamID, last); err != nil {
			logger.Error("gap replay failed", zap.String("stream_id", n.StreamID), zap.Error(err))
		}
		return
	}

	if err := p.store.Apply(ctx, n.StreamID, n.Events); err != nil {
		logger.Error("applying notification failed",
			zap.String("stream_id", n.StreamID),
			zap.Int64("first_version", n.Events[0].StreamVersion),
			zap.Error(err),
		)
	}
}
