// Package upcast migrates stored event payloads from older schema versions
// to the shape current code expects.
package upcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
)

var ErrUpcastFailure = errors.New("upcast failure")

// Func rewrites one payload from version N to N+1.
type Func func(data json.RawMessage) (json.RawMessage, error)

// Error describes why an event could not be brought to its latest schema.
type Error struct {
	EventID       string
	EventType     string
	SchemaVersion int
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upcast %s v%d (event %s): %v", e.EventType, e.SchemaVersion, e.EventID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUpcastFailure }

type stepKey struct {
	eventType string
	version   int
}

type step struct {
	toType string
	fn     Func
}

// Chain holds the registered upcast steps. Register everything at startup;
// Upcast is safe for concurrent use.
type Chain struct {
	mu     sync.RWMutex
	steps  map[stepKey]step
	latest map[string]int
}

func NewChain() *Chain {
	return &Chain{
		steps:  make(map[stepKey]step),
		latest: make(map[string]int),
	}
}

// Register adds the step that turns (eventType, fromVersion) into
// (toType, fromVersion+1). An empty toType keeps the event type.
func (c *Chain) Register(eventType string, fromVersion int, toType string, fn Func) error {
	if eventType == "" || fn == nil {
		return errors.New("upcast: event type and function are required")
	}
	if fromVersion < 1 {
		return fmt.Errorf("upcast: %s: schema versions start at 1, got %d", eventType, fromVersion)
	}
	if toType == "" {
		toType = eventType
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := stepKey{eventType, fromVersion}
	if _, ok := c.steps[key]; ok {
		return fmt.Errorf("upcast: step for %s v%d already registered", eventType, fromVersion)
	}
	c.steps[key] = step{toType: toType, fn: fn}
	if v := fromVersion + 1; v > c.latest[toType] {
		c.latest[toType] = v
	}
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (c *Chain) MustRegister(eventType string, fromVersion int, toType string, fn Func) {
	if err := c.Register(eventType, fromVersion, toType, fn); err != nil {
		panic(err)
	}
}

// Latest returns the newest schema version known for eventType, 0 when no
// step produces it.
func (c *Chain) Latest(eventType string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest[eventType]
}

// Upcast applies registered steps until none matches. Identity fields of
// the event are never touched. The stored event is not modified.
func (c *Chain) Upcast(e store.Event) (store.Event, error) {
	if c == nil {
		return e, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := e
	for {
		s, ok := c.steps[stepKey{out.EventType, out.SchemaVersion}]
		if !ok {
			break
		}
		data, err := s.fn(out.Data)
		if err != nil {
			return e, &Error{EventID: e.ID, EventType: out.EventType, SchemaVersion: out.SchemaVersion, Err: err}
		}
		out.Data = data
		out.EventType = s.toType
		out.SchemaVersion++
	}

	if latest := c.latest[out.EventType]; out.SchemaVersion < latest {
		return e, &Error{
			EventID:       e.ID,
			EventType:     out.EventType,
			SchemaVersion: out.SchemaVersion,
			Err:           fmt.Errorf("no step registered below latest version %d", latest),
		}
	}
	return out, nil
}

// UpcastAll upcasts a slice, stopping at the first failure.
func (c *Chain) UpcastAll(events []store.Event) ([]store.Event, error) {
	out := make([]store.Event, len(events))
	for i, e := range events {
		u, err := c.Upcast(e)
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

// Transform builds a Func that edits the payload as a generic JSON object.
// Numbers are kept as json.Number so they survive the round trip unchanged.
func Transform(edit func(m map[string]any) error) Func {
	return func(data json.RawMessage) (json.RawMessage, error) {
		m := map[string]any{}
		if len(data) > 0 && string(data) != "null" {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			if err := dec.Decode(&m); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		if err := edit(m); err != nil {
			return nil, err
		}
		return json.Marshal(m)
	}
}

// Rename returns a Func that moves a field to a new name.
func Rename(from, to string) Func {
	return Transform(func(m map[string]any) error {
		if v, ok := m[from]; ok {
			m[to] = v
			delete(m, from)
		}
		return nil
	})
}

// Default returns a Func that sets field to value when it is absent.
func Default(field string, value any) Func {
	return Transform(func(m map[string]any) error {
		if _, ok := m[field]; !ok {
			m[field] = value
		}
		return nil
	})
}
