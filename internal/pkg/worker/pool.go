// Package worker provides goroutine pool management. Background concurrency
// goes through a Pool with context propagation rather than naked goroutines.
//
// Import Path: liteskill.io/chatlog/internal/pkg/worker
package worker

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/pkg/logger"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission and unified panic
// recovery.
type Pool struct {
	pool *ants.Pool
	name string
}

// DefaultPoolSize bounds the projector's catch-up concurrency.
const DefaultPoolSize = 16

// NewPool creates a named pool of the given size.
func NewPool(name string, size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(func(v interface{}) {
			logger.Error("worker panic recovered",
				zap.String("pool", name),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name}, nil
}

// Submit submits a context-aware task. If the context is already cancelled
// the task is not submitted; a task that was queued before cancellation is
// skipped when it surfaces.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
}

// Shutdown releases the pool, waiting up to the timeout for running tasks.
func (p *Pool) Shutdown(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("worker pool shutdown timeout",
			zap.String("pool", p.name),
			zap.Error(err),
		)
	}
}

// Running reports the number of tasks currently executing.
func (p *Pool) Running() int { return p.pool.Running() }
