package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// Start starts the background services: the projector loop and the River
// workers running the recovery sweep and snapshot compaction.
func (a *Application) Start(ctx context.Context) error {
	projectorCtx, cancel := context.WithCancel(ctx)
	a.projectorCancel = cancel
	a.projectorDone = make(chan struct{})
	go func() {
		defer close(a.projectorDone)
		if err := a.Projector.Run(projectorCtx); err != nil && projectorCtx.Err() == nil {
			logger.Error("projector stopped unexpectedly", zap.Error(err))
		}
	}()
	logger.Info("projector started")

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, periodic jobs scheduled")
	}
	return nil
}

// Shutdown gracefully stops all application components: projector first so
// no notification is half-applied, then River, pool, bus, database.
func (a *Application) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.projectorCancel != nil {
		a.projectorCancel()
		select {
		case <-a.projectorDone:
			logger.Info("projector stopped")
		case <-shutdownCtx.Done():
			logger.Warn("projector shutdown timeout")
		}
	}

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		} else {
			logger.Info("River client stopped")
		}
	}

	if a.catchupPool != nil {
		a.catchupPool.Shutdown(shutdownTimeout)
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			logger.Warn("bus close returned error", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
