package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLEventStore stores events in a relational database.
//
// Position assignment goes through the single event_sequence row, locked
// for the rest of the append transaction. Commits therefore happen in
// position order and a reader tailing the log never observes position N+1
// before N.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLEventStore(db *sql.DB, dialect Dialect) *SQLEventStore {
	return &SQLEventStore{db: db, dialect: dialect}
}

// Migrate creates the tables used by all SQL stores if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", dialect.Name, err)
		}
	}
	return nil
}

// maxContendedAppends bounds the attempts of an append aborted by a
// deadlock or lock wait timeout.
const maxContendedAppends = 3

const eventColumns = `position, event_id, stream_id, stream_type, stream_version, event_type, schema_version, actor, data, occurred_at_ns`

// Append stores events in one transaction after checking the stream head
func (es *SQLEventStore) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []EventData) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	stored, err := es.appendTx(ctx, streamID, streamType, expectedVersion, events)
	for attempt := 1; es.dialect.IsLockContention(err); attempt++ {
		if attempt == maxContendedAppends {
			head, herr := es.Head(ctx, streamID)
			if herr != nil {
				return nil, fmt.Errorf("read head after lock contention: %w", herr)
			}
			return nil, conflict(streamID, expectedVersion, head)
		}
		// The transaction was rolled back; the retry sees the winner's head.
		stored, err = es.appendTx(ctx, streamID, streamType, expectedVersion, events)
	}
	if err != nil && es.dialect.IsUniqueViolation(err) {
		// A concurrent append won the race between our head check and insert.
		head, herr := es.Head(ctx, streamID)
		if herr != nil {
			return nil, fmt.Errorf("read head after conflict: %w", herr)
		}
		return nil, conflict(streamID, expectedVersion, head)
	}
	return stored, err
}

func (es *SQLEventStore) appendTx(ctx context.Context, streamID, streamType string, expectedVersion int64, events []EventData) (_ []Event, err error) {
	d := es.dialect
	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var head int64
	err = tx.QueryRowContext(ctx,
		d.rebind("SELECT version FROM stream_heads WHERE stream_id = ?"+d.forUpdate),
		streamID,
	).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read stream head: %w", err)
	}
	err = nil

	if err = checkExpected(streamID, expectedVersion, head); err != nil {
		return nil, err
	}

	var last int64
	if err = tx.QueryRowContext(ctx,
		d.rebind("SELECT position FROM event_sequence WHERE id = 1"+d.forUpdate),
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("read event sequence: %w", err)
	}

	stored := prepare(streamID, streamType, head, events)
	for i := range stored {
		stored[i].Position = last + int64(i) + 1
	}

	if _, err = tx.ExecContext(ctx,
		d.rebind("UPDATE event_sequence SET position = ? WHERE id = 1"),
		stored[len(stored)-1].Position,
	); err != nil {
		return nil, fmt.Errorf("advance event sequence: %w", err)
	}

	insert := d.rebind("INSERT INTO events (" + eventColumns + ") VALUES (" + placeholders(10) + ")")
	for _, e := range stored {
		if _, err = tx.ExecContext(ctx, insert,
			e.Position, e.ID, e.StreamID, e.StreamType, e.Version, e.EventType,
			e.SchemaVersion, e.Actor, string(e.Data), e.OccurredAt.UnixNano(),
		); err != nil {
			return nil, fmt.Errorf("insert event %d: %w", e.Version, err)
		}
	}

	newHead := stored[len(stored)-1].Version
	if head == 0 {
		_, err = tx.ExecContext(ctx,
			d.rebind("INSERT INTO stream_heads (stream_id, stream_type, version) VALUES (?, ?, ?)"),
			streamID, streamType, newHead)
		if err != nil {
			return nil, fmt.Errorf("insert stream head: %w", err)
		}
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			d.rebind("UPDATE stream_heads SET version = ? WHERE stream_id = ? AND version = ?"),
			newHead, streamID, head)
		if err != nil {
			return nil, fmt.Errorf("update stream head: %w", err)
		}
		var n int64
		if n, err = res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("update stream head: %w", err)
		}
		if n != 1 {
			err = conflict(streamID, expectedVersion, head)
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stored, nil
}

// Read returns events of a stream after fromVersion
func (es *SQLEventStore) Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	events, err := es.query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND stream_version > ? ORDER BY stream_version ASC",
		streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		head, err := es.Head(ctx, streamID)
		if err != nil {
			return nil, err
		}
		if head == 0 {
			return nil, ErrStreamNotFound
		}
	}
	return events, nil
}

// ReadAll returns events after fromPosition in global order
func (es *SQLEventStore) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]Event, error) {
	return es.query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE position > ? ORDER BY position ASC LIMIT ?",
		fromPosition, sqlLimit(limit))
}

// ReadFromTimestamp returns events that occurred at or after ts
func (es *SQLEventStore) ReadFromTimestamp(ctx context.Context, ts time.Time, fromPosition int64, limit int) ([]Event, error) {
	return es.query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE position > ? AND occurred_at_ns >= ? ORDER BY position ASC LIMIT ?",
		fromPosition, ts.UnixNano(), sqlLimit(limit))
}

func (es *SQLEventStore) Head(ctx context.Context, streamID string) (int64, error) {
	var head int64
	err := es.db.QueryRowContext(ctx,
		es.dialect.rebind("SELECT version FROM stream_heads WHERE stream_id = ?"),
		streamID,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	return head, nil
}

func (es *SQLEventStore) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := es.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	return pos, nil
}

func (es *SQLEventStore) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, es.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		e          Event
		data       string
		occurredNs int64
	)
	if err := row.Scan(&e.Position, &e.ID, &e.StreamID, &e.StreamType, &e.Version, &e.EventType,
		&e.SchemaVersion, &e.Actor, &data, &occurredNs); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Data = []byte(data)
	e.OccurredAt = time.Unix(0, occurredNs).UTC()
	return e, nil
}

// sqlLimit maps "no limit" to a large page size, since LIMIT is mandatory
// in the shared query text.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
