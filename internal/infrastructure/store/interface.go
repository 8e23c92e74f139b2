package store

import (
	"context"
	"time"
)

// EventReader is the read side of the event log.
type EventReader interface {
	// Read returns the events of a stream with Version > fromVersion, in order.
	// It fails with ErrStreamNotFound when the stream has no events.
	Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error)

	// ReadAll returns up to limit events with Position > fromPosition in
	// global order. An empty result means the caller is at the tail.
	ReadAll(ctx context.Context, fromPosition int64, limit int) ([]Event, error)

	// ReadFromTimestamp pages like ReadAll but only returns events with
	// OccurredAt >= ts.
	ReadFromTimestamp(ctx context.Context, ts time.Time, fromPosition int64, limit int) ([]Event, error)

	// Head returns the stream's head version, 0 when it does not exist.
	Head(ctx context.Context, streamID string) (int64, error)

	// LastPosition returns the global position of the newest event.
	LastPosition(ctx context.Context) (int64, error)
}

// EventStoreInterface defines the interface for event stores
type EventStoreInterface interface {
	EventReader

	// Append atomically checks that the stream head equals expectedVersion
	// (or that the stream does not exist for NoStream) and appends events
	// at consecutive versions. All or nothing.
	Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []EventData) ([]Event, error)
}

// SnapshotStore keeps at most one snapshot per stream.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	// GetSnapshot returns nil, nil when no snapshot exists.
	GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, streamID string) error
}

// ProjectionStateStore persists one checkpoint row per projection.
type ProjectionStateStore interface {
	// GetProjectionState returns nil, nil for an uninitialized projection.
	GetProjectionState(ctx context.Context, name string) (*ProjectionState, error)
	SaveProjectionState(ctx context.Context, state *ProjectionState) error
	DeleteProjectionState(ctx context.Context, name string) error
	ListProjectionStates(ctx context.Context) ([]ProjectionState, error)
}

// QuarantineStore holds events a projection could not process.
type QuarantineStore interface {
	Quarantine(ctx context.Context, entry QuarantineEntry) error
	ListQuarantined(ctx context.Context, projection string) ([]QuarantineEntry, error)
	ReleaseQuarantined(ctx context.Context, projection, eventID string) error
	ClearQuarantine(ctx context.Context, projection string) error
}
