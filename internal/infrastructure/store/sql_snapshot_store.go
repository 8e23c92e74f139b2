package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLSnapshotStore keeps one snapshot row per stream.
type SQLSnapshotStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSnapshotStore(db *sql.DB, dialect Dialect) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db, dialect: dialect}
}

var snapshotColumns = []string{"stream_id", "stream_type", "version", "schema_version", "state", "last_event_at_ns", "created_at_ns"}

func (s *SQLSnapshotStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	query := s.dialect.rebind(s.dialect.upsert("snapshots", snapshotColumns, []string{"stream_id"}))
	_, err := s.db.ExecContext(ctx, query,
		snapshot.StreamID,
		snapshot.StreamType,
		snapshot.Version,
		snapshot.SchemaVersion,
		string(snapshot.State),
		snapshot.LastEventAt.UnixNano(),
		snapshot.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLSnapshotStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	var (
		snap                 Snapshot
		state                string
		lastEventNs, created int64
	)
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT stream_id, stream_type, version, schema_version, state, last_event_at_ns, created_at_ns
		FROM snapshots WHERE stream_id = ?`),
		streamID,
	).Scan(&snap.StreamID, &snap.StreamType, &snap.Version, &snap.SchemaVersion, &state, &lastEventNs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.State = []byte(state)
	snap.LastEventAt = time.Unix(0, lastEventNs).UTC()
	snap.CreatedAt = time.Unix(0, created).UTC()
	return &snap, nil
}

func (s *SQLSnapshotStore) DeleteSnapshot(ctx context.Context, streamID string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM snapshots WHERE stream_id = ?"), streamID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
