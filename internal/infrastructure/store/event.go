package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NoStream is the expected version meaning "the stream must not yet exist".
const NoStream int64 = -1

var (
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrStreamNotFound         = errors.New("stream not found")
	ErrNoEvents               = errors.New("no events to append")
	ErrInvalidExpectedVersion = errors.New("invalid expected version")
)

// Event is an immutable domain event as stored in the log.
type Event struct {
	ID            string          `json:"id"`
	StreamID      string          `json:"stream_id"`
	StreamType    string          `json:"stream_type"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Version       int64           `json:"version"`  // stream_version, 1-based
	Position      int64           `json:"position"` // global append order
	Actor         string          `json:"actor,omitempty"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EventData is an event produced by a business operation that has not been
// appended yet. Version and Position are assigned by the store.
type EventData struct {
	ID            string
	EventType     string
	SchemaVersion int
	Actor         string
	Data          json.RawMessage
	OccurredAt    time.Time
}

// NewEventData marshals payload and assigns a fresh event id.
func NewEventData(eventType string, schemaVersion int, actor string, payload any) (EventData, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventData{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return EventData{
		ID:            uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Actor:         actor,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// ConcurrencyConflictError reports an expected-version mismatch on append.
type ConcurrencyConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

func conflict(streamID string, expected, actual int64) error {
	return &ConcurrencyConflictError{StreamID: streamID, Expected: expected, Actual: actual}
}

// checkExpected validates expectedVersion against the current head.
func checkExpected(streamID string, expected, head int64) error {
	switch {
	case expected == NoStream:
		if head != 0 {
			return conflict(streamID, expected, head)
		}
	case expected < 0:
		return fmt.Errorf("%w: %d", ErrInvalidExpectedVersion, expected)
	case expected != head:
		return conflict(streamID, expected, head)
	}
	return nil
}

// prepare turns pending events into stored events starting at head+1.
// Positions are left zero; backends assign them.
func prepare(streamID, streamType string, head int64, pending []EventData) []Event {
	now := time.Now().UTC()
	out := make([]Event, len(pending))
	for i, p := range pending {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		occurred := p.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		schema := p.SchemaVersion
		if schema == 0 {
			schema = 1
		}
		out[i] = Event{
			ID:            id,
			StreamID:      streamID,
			StreamType:    streamType,
			EventType:     p.EventType,
			SchemaVersion: schema,
			Version:       head + int64(i) + 1,
			Actor:         p.Actor,
			Data:          p.Data,
			OccurredAt:    occurred.UTC(),
		}
	}
	return out
}
