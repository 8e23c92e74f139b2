// Package metrics defines the instrumentation surface of the event store,
// the aggregate engine and the projection manager. Components depend on the
// Recorder interface; NewPrometheus and Nop provide implementations.
package metrics

import "time"

// Timer measures one operation. Call ObserveDuration when it completes.
type Timer interface {
	ObserveDuration()
}

// Recorder is implemented by metric backends. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// Write side
	AppendDuration(streamType string) Timer
	EventsAppended(streamType string, count int)
	LoadDuration(streamType string) Timer
	ConcurrencyConflict(streamType string)
	CommandRetry(streamType string)
	SnapshotSaved(streamType string, success bool)
	PublishFailed()

	// Projections
	ProjectionEventDuration(projection string) Timer
	ProjectionEventProcessed(projection string, success bool)
	ProjectionRetry(projection string)
	ProjectionQuarantined(projection string)
	ProjectionPosition(projection string, position int64)
	ProjectionLag(projection string, lag int64)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nop struct{}

func (nop) AppendDuration(string) Timer            { return nopTimer{} }
func (nop) EventsAppended(string, int)             {}
func (nop) LoadDuration(string) Timer              { return nopTimer{} }
func (nop) ConcurrencyConflict(string)             {}
func (nop) CommandRetry(string)                    {}
func (nop) SnapshotSaved(string, bool)             {}
func (nop) PublishFailed()                         {}
func (nop) ProjectionEventDuration(string) Timer   { return nopTimer{} }
func (nop) ProjectionEventProcessed(string, bool)  {}
func (nop) ProjectionRetry(string)                 {}
func (nop) ProjectionQuarantined(string)           {}
func (nop) ProjectionPosition(string, int64)       {}
func (nop) ProjectionLag(string, int64)            {}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nop{} }

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}

type funcTimer struct {
	observe func(seconds float64)
	start   time.Time
}

func (t *funcTimer) ObserveDuration() {
	t.observe(time.Since(t.start).Seconds())
}
