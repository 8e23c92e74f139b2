package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent(t *testing.T, eventType string, payload any) EventData {
	t.Helper()
	e, err := NewEventData(eventType, 1, "tester", payload)
	require.NoError(t, err)
	return e
}

// runEventStoreSuite exercises the EventStoreInterface contract against a
// backend. newStore must return an empty store.
func runEventStoreSuite(t *testing.T, newStore func(t *testing.T) EventStoreInterface) {
	ctx := context.Background()

	t.Run("append and read", func(t *testing.T) {
		es := newStore(t)

		stored, err := es.Append(ctx, "order-1", "Order", NoStream, []EventData{newTestEvent(t, "A1", map[string]int{"n": 1})})
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, "Order", stored[0].StreamType)
		assert.NotEmpty(t, stored[0].ID)

		stored, err = es.Append(ctx, "order-1", "Order", 1, []EventData{newTestEvent(t, "A2", map[string]int{"n": 2})})
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored[0].Version)

		events, err := es.Read(ctx, "order-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "A1", events[0].EventType)
		assert.Equal(t, "A2", events[1].EventType)
		assert.JSONEq(t, `{"n":2}`, string(events[1].Data))
		assert.Less(t, events[0].Position, events[1].Position)
	})

	t.Run("stale expected version reports actual head", func(t *testing.T) {
		es := newStore(t)

		_, err := es.Append(ctx, "order-1", "Order", 0, []EventData{newTestEvent(t, "A1", nil)})
		require.NoError(t, err)
		_, err = es.Append(ctx, "order-1", "Order", 1, []EventData{newTestEvent(t, "A2", nil)})
		require.NoError(t, err)

		_, err = es.Append(ctx, "order-1", "Order", 1, []EventData{newTestEvent(t, "A3", nil)})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		var cc *ConcurrencyConflictError
		require.True(t, errors.As(err, &cc))
		assert.Equal(t, int64(2), cc.Actual)
		assert.Equal(t, int64(1), cc.Expected)

		head, err := es.Head(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), head)
	})

	t.Run("no stream on existing stream conflicts", func(t *testing.T) {
		es := newStore(t)

		_, err := es.Append(ctx, "s", "T", NoStream, []EventData{newTestEvent(t, "E", nil)})
		require.NoError(t, err)
		_, err = es.Append(ctx, "s", "T", NoStream, []EventData{newTestEvent(t, "E", nil)})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("rejects empty and invalid appends", func(t *testing.T) {
		es := newStore(t)

		_, err := es.Append(ctx, "s", "T", 0, nil)
		assert.ErrorIs(t, err, ErrNoEvents)

		_, err = es.Append(ctx, "s", "T", -7, []EventData{newTestEvent(t, "E", nil)})
		assert.Error(t, err)

		head, err := es.Head(ctx, "s")
		require.NoError(t, err)
		assert.Zero(t, head)
	})

	t.Run("multi-event append is contiguous", func(t *testing.T) {
		es := newStore(t)

		batch := []EventData{
			newTestEvent(t, "E1", nil),
			newTestEvent(t, "E2", nil),
			newTestEvent(t, "E3", nil),
		}
		stored, err := es.Append(ctx, "s", "T", 0, batch)
		require.NoError(t, err)
		require.Len(t, stored, 3)
		for i, e := range stored {
			assert.Equal(t, int64(i+1), e.Version)
			if i > 0 {
				assert.Equal(t, stored[i-1].Position+1, e.Position)
			}
		}
	})

	t.Run("read from version", func(t *testing.T) {
		es := newStore(t)

		for i := 0; i < 5; i++ {
			_, err := es.Append(ctx, "s", "T", int64(i), []EventData{newTestEvent(t, fmt.Sprintf("E%d", i+1), nil)})
			require.NoError(t, err)
		}

		events, err := es.Read(ctx, "s", 3)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(4), events[0].Version)
		assert.Equal(t, int64(5), events[1].Version)

		events, err = es.Read(ctx, "s", 5)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("read unknown stream", func(t *testing.T) {
		es := newStore(t)

		_, err := es.Read(ctx, "missing", 0)
		assert.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("read all pages in append order", func(t *testing.T) {
		es := newStore(t)

		streams := []string{"a", "b", "a", "c", "b", "a"}
		heads := map[string]int64{}
		for i, s := range streams {
			_, err := es.Append(ctx, s, "T", heads[s], []EventData{newTestEvent(t, fmt.Sprintf("E%d", i), nil)})
			require.NoError(t, err)
			heads[s]++
		}

		var all []Event
		pos := int64(0)
		for {
			page, err := es.ReadAll(ctx, pos, 4)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			all = append(all, page...)
			pos = page[len(page)-1].Position
		}

		require.Len(t, all, len(streams))
		lastVersion := map[string]int64{}
		for i, e := range all {
			assert.Equal(t, streams[i], e.StreamID)
			assert.Equal(t, fmt.Sprintf("E%d", i), e.EventType)
			assert.Equal(t, lastVersion[e.StreamID]+1, e.Version)
			lastVersion[e.StreamID] = e.Version
			if i > 0 {
				assert.Greater(t, e.Position, all[i-1].Position)
			}
		}

		last, err := es.LastPosition(ctx)
		require.NoError(t, err)
		assert.Equal(t, all[len(all)-1].Position, last)

		var seqCount int
		for e, err := range EventsSeq(ctx, es, 0, 2) {
			require.NoError(t, err)
			assert.Equal(t, all[seqCount].ID, e.ID)
			seqCount++
		}
		assert.Equal(t, len(all), seqCount)
	})

	t.Run("read from timestamp", func(t *testing.T) {
		es := newStore(t)

		base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 4; i++ {
			e := newTestEvent(t, fmt.Sprintf("E%d", i), nil)
			e.OccurredAt = base.Add(time.Duration(i) * time.Hour)
			_, err := es.Append(ctx, "s", "T", int64(i), []EventData{e})
			require.NoError(t, err)
		}

		events, err := es.ReadFromTimestamp(ctx, base.Add(2*time.Hour), 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "E2", events[0].EventType)
		assert.True(t, events[0].OccurredAt.Equal(base.Add(2*time.Hour)))

		events, err = es.ReadFromTimestamp(ctx, base, 0, 1)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("concurrent appends with the same expected version", func(t *testing.T) {
		es := newStore(t)

		_, err := es.Append(ctx, "order-1", "Order", 0, []EventData{newTestEvent(t, "Placed", nil)})
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := es.Append(ctx, "order-1", "Order", 1, []EventData{newTestEvent(t, fmt.Sprintf("W%d", i), nil)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, writers-1, conflicts)

		events, err := es.Read(ctx, "order-1", 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("versions stay gapless under retried concurrent appends", func(t *testing.T) {
		es := newStore(t)

		const (
			writers = 4
			each    = 5
		)
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					for {
						head, err := es.Head(ctx, "hot")
						if err != nil {
							t.Errorf("head: %v", err)
							return
						}
						_, err = es.Append(ctx, "hot", "T", head, []EventData{newTestEvent(t, fmt.Sprintf("W%d-%d", w, i), nil)})
						if err == nil {
							break
						}
						if !errors.Is(err, ErrConcurrencyConflict) {
							t.Errorf("append: %v", err)
							return
						}
					}
				}
			}(w)
		}
		wg.Wait()

		events, err := es.Read(ctx, "hot", 0)
		require.NoError(t, err)
		require.Len(t, events, writers*each)
		seen := map[string]bool{}
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
			assert.False(t, seen[e.ID], "duplicate event id %s", e.ID)
			seen[e.ID] = true
			if i > 0 {
				assert.Greater(t, e.Position, events[i-1].Position)
			}
		}
	})
}

// ============================================
// In-memory EventStore
// ============================================

func TestEventStore_Contract(t *testing.T) {
	runEventStoreSuite(t, func(t *testing.T) EventStoreInterface {
		return NewEventStore()
	})
}

func TestEventStore_ReadReturnsCopies(t *testing.T) {
	es := NewEventStore()
	ctx := context.Background()

	_, err := es.Append(ctx, "s", "T", 0, []EventData{newTestEvent(t, "E", nil)})
	require.NoError(t, err)

	events, err := es.Read(ctx, "s", 0)
	require.NoError(t, err)
	events[0].EventType = "mutated"

	again, err := es.Read(ctx, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, "E", again[0].EventType)
}

func TestNewEventData(t *testing.T) {
	e, err := NewEventData("OrderPlaced", 3, "user-1", map[string]string{"order_id": "o-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "OrderPlaced", e.EventType)
	assert.Equal(t, 3, e.SchemaVersion)
	assert.Equal(t, "user-1", e.Actor)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(e.Data))
	assert.False(t, e.OccurredAt.IsZero())

	_, err = NewEventData("Bad", 1, "", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestConcurrencyConflictError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", conflict("order-1", 1, 2))

	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, ErrStreamNotFound)
	assert.Contains(t, err.Error(), "expected version 1, actual 2")
}

func TestEvent_JSONShape(t *testing.T) {
	e := Event{
		ID:            "evt-1",
		StreamID:      "order-1",
		StreamType:    "Order",
		EventType:     "OrderPaid",
		SchemaVersion: 1,
		Version:       2,
		Position:      10,
		Data:          json.RawMessage(`{"order_id":"order-1"}`),
		OccurredAt:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "order-1", m["stream_id"])
	assert.Equal(t, float64(10), m["position"])
	assert.NotContains(t, m, "actor")
}
