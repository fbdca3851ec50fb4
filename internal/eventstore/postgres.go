package eventstore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/pkg/errors"
	"liteskill.io/chatlog/internal/pkg/logger"
)

const uniqueViolation = "23505"

// DefaultOpTimeout bounds every store call. A hung connection must surface a
// failure instead of blocking the command pipeline.
const DefaultOpTimeout = 5 * time.Second

// PostgresStore is the PostgreSQL event log. Rows live in the events table
// with a UNIQUE(stream_id, stream_version) constraint that settles concurrent
// appends at commit time.
type PostgresStore struct {
	pool      *pgxpool.Pool
	publisher Publisher
	opTimeout time.Duration
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPublisher wires the notification channel fed by successful appends.
func WithPublisher(p Publisher) PostgresStoreOption {
	return func(s *PostgresStore) { s.publisher = p }
}

// WithOpTimeout overrides the per-call timeout.
func WithOpTimeout(d time.Duration) PostgresStoreOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// NewPostgresStore creates an event log backed by the shared pool.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{pool: pool, opTimeout: DefaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements Store. All-or-nothing: either every event in the batch is
// persisted with consecutive versions from expectedVersion+1, or none is.
func (s *PostgresStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []EventData) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Storagef(err, "begin append transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Fast stale-writer check. The race between this read and the inserts
	// below is closed by the uniqueness constraint.
	var current int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_id = $1`,
		streamID,
	).Scan(&current)
	if err != nil {
		return nil, errors.Storagef(err, "read stream head")
	}
	if current != expectedVersion {
		return nil, errors.VersionConflictf(streamID, expectedVersion, current)
	}

	stored := make([]StoredEvent, len(events))
	batch := &pgx.Batch{}
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
			Data:          ev.Data,
			Metadata:      meta,
		}
		batch.Queue(
			`INSERT INTO events (id, stream_id, stream_version, event_type, data, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING inserted_at`,
			stored[i].ID, streamID, stored[i].StreamVersion, ev.EventType, []byte(ev.Data), meta,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range stored {
		if err := results.QueryRow().Scan(&stored[i].InsertedAt); err != nil {
			_ = results.Close()
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, errors.VersionConflictf(streamID, expectedVersion, stored[i].StreamVersion)
			}
			return nil, errors.Storagef(err, "insert event")
		}
	}
	if err := results.Close(); err != nil {
		return nil, errors.Storagef(err, "close append batch")
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, errors.VersionConflictf(streamID, expectedVersion, current)
		}
		return nil, errors.Storagef(err, "commit append transaction")
	}

	s.publish(ctx, streamID, stored)
	return stored, nil
}

// publish pushes the batch onto the notification channel. Best-effort: the
// events are durable regardless, and the projector reconciles via catch-up.
func (s *PostgresStore) publish(ctx context.Context, streamID string, events []StoredEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, streamID, events); err != nil {
		logger.Warn("append notification dropped",
			zap.String("stream_id", streamID),
			zap.Int64("from_version", events[0].StreamVersion),
			zap.Int("count", len(events)),
			zap.Error(err),
		)
	}
}

// ReadForward implements Store.
func (s *PostgresStore) ReadForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]StoredEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	query := `SELECT id, stream_id, stream_version, event_type, data, metadata, inserted_at
		  FROM events
		  WHERE stream_id = $1 AND stream_version >= $2
		  ORDER BY stream_version ASC`
	args := []any{streamID, fromVersion}
	if maxCount > 0 {
		query += ` LIMIT $3`
		args = append(args, maxCount)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Storagef(err, "read stream forward")
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.StreamVersion, &ev.EventType, &data, &ev.Metadata, &ev.InsertedAt); err != nil {
			return nil, errors.Storagef(err, "scan event row")
		}
		ev.Data = data
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storagef(err, "iterate event rows")
	}
	return out, nil
}

// SnapshotCandidates lists streams whose head has moved at least `every`
// events past their latest snapshot (or past version 0 when none exists).
// Feeds the snapshot compaction job.
func (s *PostgresStore) SnapshotCandidates(ctx context.Context, every int) ([]SnapshotCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT e.stream_id,
		        MAX(e.stream_version) AS head,
		        COALESCE(s.snap_version, 0) AS snapped
		 FROM events e
		 LEFT JOIN (
		     SELECT stream_id, MAX(stream_version) AS snap_version
		     FROM snapshots GROUP BY stream_id
		 ) s ON s.stream_id = e.stream_id
		 GROUP BY e.stream_id, s.snap_version
		 HAVING MAX(e.stream_version) - COALESCE(s.snap_version, 0) >= $1
		 ORDER BY e.stream_id`,
		every,
	)
	if err != nil {
		return nil, errors.Storagef(err, "list snapshot candidates")
	}
	defer rows.Close()

	var out []SnapshotCandidate
	for rows.Next() {
		var c SnapshotCandidate
		if err := rows.Scan(&c.StreamID, &c.HeadVersion, &c.SnapshotVersion); err != nil {
			return nil, errors.Storagef(err, "scan snapshot candidate")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storagef(err, "iterate snapshot candidates")
	}
	return out, nil
}

// CurrentVersion implements Store.
func (s *PostgresStore) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_id = $1`,
		streamID,
	).Scan(&version)
	if err != nil {
		return 0, errors.Storagef(err, "read current version")
	}
	return version, nil
}
