package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// MockEventStore is a mock implementation of EventStoreInterface for testing.
// It delegates to the in-memory store and records every Append.
type MockEventStore struct {
	*store.EventStore

	mu sync.Mutex

	// For tracking calls in tests
	AppendCalls []AppendCall
	AppendErr   error
	// AppendCallback runs before the append; a non-nil error aborts it.
	AppendCallback func(ctx context.Context, call AppendCall) error
	ReadErr        error
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	StreamID        string
	StreamType      string
	ExpectedVersion int64
	Events          []store.EventData
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		EventStore:  store.NewEventStore(),
		AppendCalls: make([]AppendCall, 0),
	}
}

func (m *MockEventStore) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []store.EventData) ([]store.Event, error) {
	call := AppendCall{
		StreamID:        streamID,
		StreamType:      streamType,
		ExpectedVersion: expectedVersion,
		Events:          events,
	}

	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, call)
	cb, appendErr := m.AppendCallback, m.AppendErr
	m.mu.Unlock()

	if cb != nil {
		if err := cb(ctx, call); err != nil {
			return nil, err
		}
	}
	if appendErr != nil {
		return nil, appendErr
	}
	return m.EventStore.Append(ctx, streamID, streamType, expectedVersion, events)
}

func (m *MockEventStore) Read(ctx context.Context, streamID string, fromVersion int64) ([]store.Event, error) {
	m.mu.Lock()
	err := m.ReadErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.EventStore.Read(ctx, streamID, fromVersion)
}

// Calls returns a copy of the recorded Append calls
func (m *MockEventStore) Calls() []AppendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppendCall, len(m.AppendCalls))
	copy(out, m.AppendCalls)
	return out
}

// AddEvent appends a single event at the stream head for test setup
func (m *MockEventStore) AddEvent(ctx context.Context, streamID, streamType, eventType string, schemaVersion int, occurredAt time.Time, data any) (store.Event, error) {
	e, err := store.NewEventData(eventType, schemaVersion, "test", data)
	if err != nil {
		return store.Event{}, err
	}
	if !occurredAt.IsZero() {
		e.OccurredAt = occurredAt
	}
	head, err := m.EventStore.Head(ctx, streamID)
	if err != nil {
		return store.Event{}, err
	}
	stored, err := m.EventStore.Append(ctx, streamID, streamType, head, []store.EventData{e})
	if err != nil {
		return store.Event{}, err
	}
	return stored[0], nil
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventStore = store.NewEventStore()
	m.AppendCalls = make([]AppendCall, 0)
	m.AppendErr = nil
	m.AppendCallback = nil
	m.ReadErr = nil
}
