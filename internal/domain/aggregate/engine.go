package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/upcast"
)

const snapshotSaveTimeout = 10 * time.Second

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Snapshots     store.SnapshotStore // nil disables snapshots
	Upcaster      *upcast.Chain
	SnapshotEvery int64 // capture a snapshot each time the head crosses a multiple of this
	MaxRetries    int // conflict retries after the first attempt; negative disables
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Logger        *zap.Logger
	Metrics       metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 50 * o.BackoffBase
	}
	return o
}

// Engine loads, changes and persists aggregates of one type.
type Engine[S any] struct {
	def       Definition[S]
	events    store.EventStoreInterface
	snapshots store.SnapshotStore
	upcaster  *upcast.Chain
	opts      Options
	log       *zap.Logger
	metrics   metrics.Recorder

	inflight sync.WaitGroup
}

func NewEngine[S any](def Definition[S], events store.EventStoreInterface, opts Options) *Engine[S] {
	opts = opts.withDefaults()
	return &Engine[S]{
		def:       def,
		events:    events,
		snapshots: opts.Snapshots,
		upcaster:  opts.Upcaster,
		opts:      opts,
		log:       logger.OrNop(opts.Logger).With(zap.String("stream_type", def.StreamType)),
		metrics:   metrics.OrNop(opts.Metrics),
	}
}

func (e *Engine[S]) StreamType() string { return e.def.StreamType }

// Events exposes the underlying event store for read-side callers.
func (e *Engine[S]) Events() store.EventReader { return e.events }

// Zero returns the aggregate of a stream that has no events.
func (e *Engine[S]) Zero(streamID string) *Aggregate[S] {
	return &Aggregate[S]{
		StreamID:   streamID,
		StreamType: e.def.StreamType,
		State:      e.def.New(),
	}
}

// Load rebuilds the current state from the latest usable snapshot plus the
// events after it.
func (e *Engine[S]) Load(ctx context.Context, streamID string) (*Aggregate[S], error) {
	return e.load(ctx, streamID, nil)
}

// LoadUntil folds only the prefix of the stream selected by cutoff.
func (e *Engine[S]) LoadUntil(ctx context.Context, streamID string, cutoff Cutoff) (*Aggregate[S], error) {
	return e.load(ctx, streamID, &cutoff)
}

func (e *Engine[S]) load(ctx context.Context, streamID string, cutoff *Cutoff) (*Aggregate[S], error) {
	timer := e.metrics.LoadDuration(e.def.StreamType)
	defer timer.ObserveDuration()

	agg := e.Zero(streamID)
	if snap := e.usableSnapshot(ctx, streamID, cutoff); snap != nil {
		state := e.def.New()
		if err := json.Unmarshal(snap.State, &state); err != nil {
			e.log.Warn("ignoring undecodable snapshot",
				zap.String("stream_id", streamID), zap.Int64("version", snap.Version), zap.Error(err))
		} else {
			agg.State = state
			agg.Version = snap.Version
			agg.LastEventAt = snap.LastEventAt
		}
	}

	events, err := e.events.Read(ctx, streamID, agg.Version)
	if err != nil {
		return nil, err
	}
	return e.fold(agg, events, cutoff)
}

// usableSnapshot returns the stream's snapshot when it exists, matches the
// state schema and lies inside the cutoff. Snapshot read failures only cost
// a longer replay.
func (e *Engine[S]) usableSnapshot(ctx context.Context, streamID string, cutoff *Cutoff) *store.Snapshot {
	if e.snapshots == nil {
		return nil
	}
	snap, err := e.snapshots.GetSnapshot(ctx, streamID)
	if err != nil {
		e.log.Warn("snapshot read failed, replaying from the start",
			zap.String("stream_id", streamID), zap.Error(err))
		return nil
	}
	if snap == nil || snap.SchemaVersion != e.def.SnapshotVersion || !cutoff.allowsSnapshot(snap) {
		return nil
	}
	return snap
}

func (e *Engine[S]) fold(agg *Aggregate[S], events []store.Event, cutoff *Cutoff) (*Aggregate[S], error) {
	for _, ev := range events {
		if !cutoff.includes(ev) {
			break
		}
		if ev.Version != agg.Version+1 {
			return nil, fmt.Errorf("%w: stream %s expected version %d, got %d",
				ErrVersionGap, agg.StreamID, agg.Version+1, ev.Version)
		}
		up, err := e.upcaster.Upcast(ev)
		if err != nil {
			return nil, err
		}
		next, err := e.def.Apply(agg.State, up)
		if err != nil {
			return nil, fmt.Errorf("apply %s v%d to %s: %w", up.EventType, up.Version, agg.StreamID, err)
		}
		agg.State = next
		agg.Version = ev.Version
		agg.LastEventAt = ev.OccurredAt
	}
	return agg, nil
}

// Execute runs op against the aggregate's state. It has no side effects.
func (e *Engine[S]) Execute(agg *Aggregate[S], op Operation[S]) ([]store.EventData, error) {
	return op(agg.State)
}

// Append persists events produced from agg and returns the aggregate with
// them applied. The expected version is agg.Version.
func (e *Engine[S]) Append(ctx context.Context, agg *Aggregate[S], events []store.EventData) (*Aggregate[S], []store.Event, error) {
	if len(events) == 0 {
		return agg, nil, nil
	}

	pending := make([]store.EventData, len(events))
	copy(pending, events)
	floor := agg.LastEventAt
	now := time.Now().UTC()
	for i := range pending {
		if pending[i].OccurredAt.IsZero() {
			pending[i].OccurredAt = now
		}
		if pending[i].OccurredAt.Before(floor) {
			pending[i].OccurredAt = floor
		}
		floor = pending[i].OccurredAt
	}

	expected := agg.Version
	if expected == 0 {
		expected = store.NoStream
	}

	timer := e.metrics.AppendDuration(e.def.StreamType)
	stored, err := e.events.Append(ctx, agg.StreamID, e.def.StreamType, expected, pending)
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			e.metrics.ConcurrencyConflict(e.def.StreamType)
		}
		return nil, nil, err
	}
	e.metrics.EventsAppended(e.def.StreamType, len(stored))

	next := *agg
	if _, err := e.fold(&next, stored, nil); err != nil {
		return nil, nil, err
	}

	if n := e.opts.SnapshotEvery; n > 0 && e.snapshots != nil && agg.Version/n != next.Version/n {
		e.captureSnapshot(ctx, &next)
	}
	return &next, stored, nil
}

// captureSnapshot serializes the state now and stores it in the background.
func (e *Engine[S]) captureSnapshot(ctx context.Context, agg *Aggregate[S]) {
	state, err := json.Marshal(agg.State)
	if err != nil {
		e.log.Warn("snapshot marshal failed", zap.String("stream_id", agg.StreamID), zap.Error(err))
		return
	}
	snap := &store.Snapshot{
		StreamID:      agg.StreamID,
		StreamType:    agg.StreamType,
		Version:       agg.Version,
		SchemaVersion: e.def.SnapshotVersion,
		State:         state,
		LastEventAt:   agg.LastEventAt,
		CreatedAt:     time.Now().UTC(),
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotSaveTimeout)
		defer cancel()
		if err := e.snapshots.SaveSnapshot(sctx, snap); err != nil {
			e.metrics.SnapshotSaved(snap.StreamType, false)
			e.log.Warn("snapshot save failed",
				zap.String("stream_id", snap.StreamID), zap.Int64("version", snap.Version), zap.Error(err))
			return
		}
		e.metrics.SnapshotSaved(snap.StreamType, true)
		e.log.Debug("snapshot saved", zap.String("stream_id", snap.StreamID), zap.Int64("version", snap.Version))
	}()
}

// Close waits for snapshot captures that are still running.
func (e *Engine[S]) Close() {
	e.inflight.Wait()
}

type handleConfig struct {
	allowCreate bool
	expected    *int64
}

// HandleOption adjusts a single Handle call.
type HandleOption func(*handleConfig)

// AllowCreate lets Handle start from the zero state when the stream does
// not exist.
func AllowCreate() HandleOption {
	return func(c *handleConfig) { c.allowCreate = true }
}

// ExpectedVersion makes Handle fail with a concurrency conflict, without
// retrying, unless the stream head equals v.
func ExpectedVersion(v int64) HandleOption {
	return func(c *handleConfig) { c.expected = &v }
}

// Handle loads the stream, runs op and appends the result. Concurrency
// conflicts reload and retry with jittered exponential backoff; every other
// error is returned at once.
func (e *Engine[S]) Handle(ctx context.Context, streamID string, op Operation[S], opts ...HandleOption) (*Aggregate[S], []store.Event, error) {
	var cfg handleConfig
	for _, o := range opts {
		o(&cfg)
	}

	var (
		result *Aggregate[S]
		stored []store.Event
	)
	attempt := func() error {
		agg, err := e.Load(ctx, streamID)
		if errors.Is(err, store.ErrStreamNotFound) && cfg.allowCreate {
			agg, err = e.Zero(streamID), nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if cfg.expected != nil && *cfg.expected != agg.Version {
			e.metrics.ConcurrencyConflict(e.def.StreamType)
			return backoff.Permanent(&store.ConcurrencyConflictError{
				StreamID: streamID, Expected: *cfg.expected, Actual: agg.Version,
			})
		}

		events, err := e.Execute(agg, op)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, out, err := e.Append(ctx, agg, events)
		if err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) && cfg.expected == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		result, stored = next, out
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackoff(), uint64(e.opts.MaxRetries)), ctx)
	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		e.metrics.CommandRetry(e.def.StreamType)
		e.log.Debug("retrying after concurrency conflict",
			zap.String("stream_id", streamID), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, nil, err
	}
	return result, stored, nil
}

func (e *Engine[S]) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffBase
	b.MaxInterval = e.opts.BackoffMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}
