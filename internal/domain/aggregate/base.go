package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
)

var (
	// ErrDomainRuleViolation marks a business rule rejecting an operation.
	// It is never retried.
	ErrDomainRuleViolation = errors.New("domain rule violation")
	// ErrVersionGap means the stream handed to the fold skipped a version.
	ErrVersionGap = errors.New("event version gap")
	// ErrUnknownEvent is returned by a reducer for an event type, or schema
	// version, it has no case for. The stream cannot be loaded.
	ErrUnknownEvent = errors.New("unknown event")
)

// RuleViolation is returned by operations that refuse to run against the
// current state.
type RuleViolation struct {
	Reason string
	Err    error
}

func (e *RuleViolation) Error() string {
	if e.Reason == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

func (e *RuleViolation) Unwrap() error { return e.Err }

func (e *RuleViolation) Is(target error) bool { return target == ErrDomainRuleViolation }

// Violation builds a RuleViolation with a plain reason.
func Violation(reason string) error {
	return &RuleViolation{Reason: reason}
}

// Violationf formats the reason; %w verbs keep the wrapped error matchable.
func Violationf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &RuleViolation{Reason: err.Error(), Err: errors.Unwrap(err)}
}

// Definition describes one aggregate type. Apply must not mutate the state
// it receives; it returns the next state.
type Definition[S any] struct {
	StreamType string
	New        func() S
	Apply      func(state S, event store.Event) (S, error)
	// SnapshotVersion is the schema of the serialized state. Snapshots taken
	// under another schema are ignored on load.
	SnapshotVersion int
}

// Aggregate is a folded stream.
type Aggregate[S any] struct {
	StreamID    string
	StreamType  string
	Version     int64 // 0 when the stream does not exist yet
	LastEventAt time.Time
	State       S
}

// Exists reports whether any event has been applied.
func (a *Aggregate[S]) Exists() bool { return a.Version > 0 }

// Operation decides, from the current state alone, which events to append.
type Operation[S any] func(state S) ([]store.EventData, error)

// Cutoff limits a fold to a prefix of the stream. A zero field is ignored.
type Cutoff struct {
	AsOf    time.Time // keep events with OccurredAt <= AsOf
	Version int64     // keep events with Version <= Version
}

// includes reports whether e belongs to the prefix.
func (c *Cutoff) includes(e store.Event) bool {
	if c == nil {
		return true
	}
	if !c.AsOf.IsZero() && e.OccurredAt.After(c.AsOf) {
		return false
	}
	if c.Version > 0 && e.Version > c.Version {
		return false
	}
	return true
}

// allowsSnapshot reports whether a snapshot lies strictly inside the prefix.
func (c *Cutoff) allowsSnapshot(s *store.Snapshot) bool {
	if c == nil {
		return true
	}
	if !c.AsOf.IsZero() && !s.LastEventAt.Before(c.AsOf) {
		return false
	}
	if c.Version > 0 && s.Version > c.Version {
		return false
	}
	return true
}
