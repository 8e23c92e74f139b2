package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ProjectionStatus is the persisted lifecycle state of a projection. An
// uninitialized projection has no state row at all.
type ProjectionStatus string

const (
	StatusCatchingUp ProjectionStatus = "catching_up"
	StatusLive       ProjectionStatus = "live"
	StatusStalled    ProjectionStatus = "stalled"
	StatusRebuilding ProjectionStatus = "rebuilding"
)

// ProjectionState is the checkpoint of one projection.
type ProjectionState struct {
	Name         string           `json:"name"`
	LastPosition int64            `json:"last_position"`
	LastEventID  string           `json:"last_event_id,omitempty"`
	Status       ProjectionStatus `json:"status"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// QuarantineEntry is an event a projection gave up on.
type QuarantineEntry struct {
	Projection    string    `json:"projection"`
	Event         Event     `json:"event"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// ProjectionMemoryStore implements ProjectionStateStore and QuarantineStore.
type ProjectionMemoryStore struct {
	mu         sync.RWMutex
	states     map[string]ProjectionState
	quarantine map[string][]QuarantineEntry
}

func NewProjectionMemoryStore() *ProjectionMemoryStore {
	return &ProjectionMemoryStore{
		states:     make(map[string]ProjectionState),
		quarantine: make(map[string][]QuarantineEntry),
	}
}

func (s *ProjectionMemoryStore) GetProjectionState(ctx context.Context, name string) (*ProjectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *ProjectionMemoryStore) SaveProjectionState(ctx context.Context, state *ProjectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Name] = *state
	return nil
}

func (s *ProjectionMemoryStore) DeleteProjectionState(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
	return nil
}

func (s *ProjectionMemoryStore) ListProjectionStates(ctx context.Context) ([]ProjectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProjectionState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *ProjectionMemoryStore) Quarantine(ctx context.Context, entry QuarantineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.quarantine[entry.Projection]
	for i, e := range entries {
		if e.Event.ID == entry.Event.ID {
			entries[i] = entry
			return nil
		}
	}
	entry.Event.Data = append(json.RawMessage(nil), entry.Event.Data...)
	s.quarantine[entry.Projection] = append(entries, entry)
	return nil
}

func (s *ProjectionMemoryStore) ListQuarantined(ctx context.Context, projection string) ([]QuarantineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QuarantineEntry, len(s.quarantine[projection]))
	copy(out, s.quarantine[projection])
	return out, nil
}

func (s *ProjectionMemoryStore) ReleaseQuarantined(ctx context.Context, projection, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.quarantine[projection]
	for i, e := range entries {
		if e.Event.ID == eventID {
			s.quarantine[projection] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *ProjectionMemoryStore) ClearQuarantine(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantine, projection)
	return nil
}
