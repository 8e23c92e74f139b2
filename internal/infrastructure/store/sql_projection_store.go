package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLProjectionStore persists projection checkpoints and quarantined events.
type SQLProjectionStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLProjectionStore(db *sql.DB, dialect Dialect) *SQLProjectionStore {
	return &SQLProjectionStore{db: db, dialect: dialect}
}

var projectionStateColumns = []string{"name", "last_position", "last_event_id", "status", "updated_at_ns"}

func (s *SQLProjectionStore) GetProjectionState(ctx context.Context, name string) (*ProjectionState, error) {
	var (
		st      ProjectionState
		status  string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT name, last_position, last_event_id, status, updated_at_ns FROM projection_states WHERE name = ?"),
		name,
	).Scan(&st.Name, &st.LastPosition, &st.LastEventID, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get projection state: %w", err)
	}
	st.Status = ProjectionStatus(status)
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return &st, nil
}

func (s *SQLProjectionStore) SaveProjectionState(ctx context.Context, state *ProjectionState) error {
	query := s.dialect.rebind(s.dialect.upsert("projection_states", projectionStateColumns, []string{"name"}))
	_, err := s.db.ExecContext(ctx, query,
		state.Name, state.LastPosition, state.LastEventID, string(state.Status), state.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save projection state: %w", err)
	}
	return nil
}

func (s *SQLProjectionStore) DeleteProjectionState(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM projection_states WHERE name = ?"), name); err != nil {
		return fmt.Errorf("delete projection state: %w", err)
	}
	return nil
}

func (s *SQLProjectionStore) ListProjectionStates(ctx context.Context) ([]ProjectionState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, last_position, last_event_id, status, updated_at_ns FROM projection_states ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list projection states: %w", err)
	}
	defer rows.Close()

	var out []ProjectionState
	for rows.Next() {
		var (
			st      ProjectionState
			status  string
			updated int64
		)
		if err := rows.Scan(&st.Name, &st.LastPosition, &st.LastEventID, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan projection state: %w", err)
		}
		st.Status = ProjectionStatus(status)
		st.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

var quarantineColumns = []string{"projection", "event_id", "position", "event", "error_message", "attempts", "quarantined_at_ns"}

func (s *SQLProjectionStore) Quarantine(ctx context.Context, entry QuarantineEntry) error {
	raw, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("marshal quarantined event: %w", err)
	}
	query := s.dialect.rebind(s.dialect.upsert("projection_quarantine", quarantineColumns, []string{"projection", "event_id"}))
	_, err = s.db.ExecContext(ctx, query,
		entry.Projection, entry.Event.ID, entry.Event.Position, string(raw),
		entry.Error, entry.Attempts, entry.QuarantinedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("quarantine event: %w", err)
	}
	return nil
}

func (s *SQLProjectionStore) ListQuarantined(ctx context.Context, projection string) ([]QuarantineEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT event, error_message, attempts, quarantined_at_ns
		FROM projection_quarantine WHERE projection = ? ORDER BY position`),
		projection)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	out := []QuarantineEntry{}
	for rows.Next() {
		var (
			raw   string
			entry = QuarantineEntry{Projection: projection}
			at    int64
		)
		if err := rows.Scan(&raw, &entry.Error, &entry.Attempts, &at); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Event); err != nil {
			return nil, fmt.Errorf("unmarshal quarantined event: %w", err)
		}
		entry.QuarantinedAt = time.Unix(0, at).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLProjectionStore) ReleaseQuarantined(ctx context.Context, projection, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind("DELETE FROM projection_quarantine WHERE projection = ? AND event_id = ?"),
		projection, eventID)
	if err != nil {
		return fmt.Errorf("release quarantined event: %w", err)
	}
	return nil
}

func (s *SQLProjectionStore) ClearQuarantine(ctx context.Context, projection string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind("DELETE FROM projection_quarantine WHERE projection = ?"), projection)
	if err != nil {
		return fmt.Errorf("clear quarantine: %w", err)
	}
	return nil
}
