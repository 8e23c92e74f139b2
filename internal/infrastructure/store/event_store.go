package store

import (
	"context"
	"sync"
	"time"
)

// EventStore is an in-memory event log.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]Event // streamID -> events
	log     []Event            // all events in position order
}

func NewEventStore() *EventStore {
	return &EventStore{
		streams: make(map[string][]Event),
	}
}

// Append verifies the expected version and appends events under one lock.
func (es *EventStore) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []EventData) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	head := int64(len(es.streams[streamID]))
	if err := checkExpected(streamID, expectedVersion, head); err != nil {
		return nil, err
	}

	stored := prepare(streamID, streamType, head, events)
	next := int64(len(es.log))
	for i := range stored {
		next++
		stored[i].Position = next
	}

	es.streams[streamID] = append(es.streams[streamID], stored...)
	es.log = append(es.log, stored...)

	out := make([]Event, len(stored))
	copy(out, stored)
	return out, nil
}

// Read returns the stream's events after fromVersion
func (es *EventStore) Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	events := es.streams[streamID]
	if len(events) == 0 {
		return nil, ErrStreamNotFound
	}
	if fromVersion < 0 {
		fromVersion = 0
	}
	if fromVersion >= int64(len(events)) {
		return []Event{}, nil
	}
	out := make([]Event, len(events)-int(fromVersion))
	copy(out, events[fromVersion:])
	return out, nil
}

// ReadAll returns events after fromPosition in append order
func (es *EventStore) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if fromPosition < 0 {
		fromPosition = 0
	}
	if fromPosition >= int64(len(es.log)) {
		return []Event{}, nil
	}
	rest := es.log[fromPosition:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Event, len(rest))
	copy(out, rest)
	return out, nil
}

// ReadFromTimestamp returns events after fromPosition that occurred at or after ts
func (es *EventStore) ReadFromTimestamp(ctx context.Context, ts time.Time, fromPosition int64, limit int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if fromPosition < 0 {
		fromPosition = 0
	}
	out := []Event{}
	for i := fromPosition; i < int64(len(es.log)); i++ {
		e := es.log[i]
		if e.OccurredAt.Before(ts) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (es *EventStore) Head(ctx context.Context, streamID string) (int64, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return int64(len(es.streams[streamID])), nil
}

func (es *EventStore) LastPosition(ctx context.Context) (int64, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return int64(len(es.log)), nil
}
