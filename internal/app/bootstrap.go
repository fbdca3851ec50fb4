// Package app is the composition root: bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"liteskill.io/chatlog/internal/bus"
	"liteskill.io/chatlog/internal/command"
	"liteskill.io/chatlog/internal/config"
	"liteskill.io/chatlog/internal/domain/conversation"
	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/infrastructure"
	"liteskill.io/chatlog/internal/jobs"
	"liteskill.io/chatlog/internal/pkg/worker"
	"liteskill.io/chatlog/internal/projection"
)

// Application holds composed application dependencies.
type Application struct {
	Config    *config.Config
	DB        *infrastructure.DatabaseClients
	Bus       bus.Bus
	Store     *eventstore.PostgresStore
	Snapshots *eventstore.PostgresSnapshots
	Executor  *command.Executor
	Projector *projection.Projector

	catchupPool     *worker.Pool
	projectorCancel context.CancelFunc
	projectorDone   chan struct{}
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx, cfg.Database.DSN()); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	b, err := newBus(cfg.Bus)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bus: %w", err)
	}

	store := eventstore.NewPostgresStore(db.Pool,
		eventstore.WithPublisher(b),
		eventstore.WithOpTimeout(cfg.Database.OpTimeout),
	)
	snapshots := eventstore.NewPostgresSnapshots(db.Pool)

	executor := command.NewExecutor(store, snapshots, command.WithPageLimit(cfg.Executor.PageLimit))
	executor.Register(conversation.Aggregate{})

	projStore := projection.NewPostgresStore(db.Pool)
	catchupPool, err := worker.NewPool("catchup", cfg.Worker.CatchupPoolSize)
	if err != nil {
		b.Close()
		db.Close()
		return nil, fmt.Errorf("init catch-up pool: %w", err)
	}
	projector := projection.NewProjector(store, projStore, b, catchupPool,
		projection.WithCatchupPage(cfg.Executor.PageLimit),
	)

	workers, err := jobs.NewWorkers(
		jobs.NewStreamRecoveryWorker(projStore, executor, cfg.Projector.StreamingTimeout),
		jobs.NewSnapshotCompactionWorker(store, snapshots, executor, cfg.Projector.SnapshotEvery),
	)
	if err != nil {
		catchupPool.Shutdown(0)
		b.Close()
		db.Close()
		return nil, fmt.Errorf("init workers: %w", err)
	}
	periodic := jobs.PeriodicJobs(cfg.Projector.SweepInterval, cfg.Projector.SnapshotInterval)
	if err := db.InitRiverClient(workers, periodic, cfg.River); err != nil {
		catchupPool.Shutdown(0)
		b.Close()
		db.Close()
		return nil, fmt.Errorf("init river client: %w", err)
	}

	return &Application{
		Config:      cfg,
		DB:          db,
		Bus:         b,
		Store:       store,
		Snapshots:   snapshots,
		Executor:    executor,
		Projector:   projector,
		catchupPool: catchupPool,
	}, nil
}

func newBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Kind {
	case "nats":
		return bus.NewNATSBus(cfg.URL)
	case "noop":
		return bus.NoopBus{}, nil
	default:
		return bus.NewMemoryBus(cfg.BufferSize), nil
	}
}
