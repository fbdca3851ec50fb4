package jobs

import (
	"fmt"
	"time"

	"github.com/riverqueue/river"
)

// NewWorkers registers both periodic workers on a fresh River worker set.
func NewWorkers(recovery *StreamRecoveryWorker, compaction *SnapshotCompactionWorker) (*river.Workers, error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, recovery); err != nil {
		return nil, fmt.Errorf("register stream recovery worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, compaction); err != nil {
		return nil, fmt.Errorf("register snapshot compaction worker: %w", err)
	}
	return workers, nil
}

// PeriodicJobs schedules the recovery sweep and snapshot compaction. The
// sweep also runs once at startup to clear streams stuck across a restart.
func PeriodicJobs(sweepInterval, compactionInterval time.Duration) []*river.PeriodicJob {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if compactionInterval <= 0 {
		compactionInterval = time.Hour
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return StreamRecoveryArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(compactionInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return SnapshotCompactionArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}
