package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Snapshot represents a point-in-time state of an aggregate. It is advisory:
// a snapshot at Version V only shortens replay of events after V.
type Snapshot struct {
	StreamID      string          `json:"stream_id"`
	StreamType    string          `json:"stream_type"`
	Version       int64           `json:"version"`        // stream_version the state reflects
	SchemaVersion int             `json:"schema_version"` // shape of State
	State         json.RawMessage `json:"state"`
	LastEventAt   time.Time       `json:"last_event_at"` // occurred_at of the event at Version
	CreatedAt     time.Time       `json:"created_at"`
}

// SnapshotMemoryStore keeps snapshots in memory, one per stream.
type SnapshotMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewSnapshotMemoryStore() *SnapshotMemoryStore {
	return &SnapshotMemoryStore{snapshots: make(map[string]Snapshot)}
}

func (s *SnapshotMemoryStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snapshot
	cp.State = append(json.RawMessage(nil), snapshot.State...)
	s.snapshots[snapshot.StreamID] = cp
	return nil
}

func (s *SnapshotMemoryStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamID]
	if !ok {
		return nil, nil
	}
	snap.State = append(json.RawMessage(nil), snap.State...)
	return &snap, nil
}

func (s *SnapshotMemoryStore) DeleteSnapshot(ctx context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, streamID)
	return nil
}
