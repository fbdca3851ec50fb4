package eventstore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liteskill.io/chatlog/internal/pkg/errors"
)

// PostgresSnapshots is the PostgreSQL snapshot store. Multiple snapshots per
// stream may accumulate; only the highest version is ever consulted.
type PostgresSnapshots struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// NewPostgresSnapshots creates a snapshot store backed by the shared pool.
func NewPostgresSnapshots(pool *pgxpool.Pool) *PostgresSnapshots {
	return &PostgresSnapshots{pool: pool, opTimeout: DefaultOpTimeout}
}

// Save implements SnapshotStore. Re-saving the same (stream, version) is an
// idempotent overwrite so the compaction job can be retried safely.
func (s *PostgresSnapshots) Save(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (stream_id, stream_version, snapshot_type, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stream_id, stream_version)
		 DO UPDATE SET snapshot_type = EXCLUDED.snapshot_type, data = EXCLUDED.data`,
		snap.StreamID, snap.StreamVersion, snap.SnapshotType, []byte(snap.Data),
	)
	if err != nil {
		return errors.Storagef(err, "save snapshot")
	}
	return nil
}

// Latest implements SnapshotStore.
func (s *PostgresSnapshots) Latest(ctx context.Context, streamID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var snap Snapshot
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT stream_id, stream_version, snapshot_type, data, created_at
		 FROM snapshots
		 WHERE stream_id = $1
		 ORDER BY stream_version DESC
		 LIMIT 1`,
		streamID,
	).Scan(&snap.StreamID, &snap.StreamVersion, &snap.SnapshotType, &data, &snap.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.SnapshotNotFoundf(streamID)
	}
	if err != nil {
		return nil, errors.Storagef(err, "load latest snapshot")
	}
	snap.Data = data
	return &snap, nil
}
