package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/upcast"
)

// StatusUninitialized is reported for projections without a checkpoint.
const StatusUninitialized store.ProjectionStatus = "uninitialized"

var (
	ErrProjectionHandlerFailure = errors.New("projection handler failure")
	ErrUnknownProjection        = errors.New("unknown projection")
	ErrNotStalled               = errors.New("projection is not stalled")
)

// Projection builds a read model from the event log. Handle must be
// idempotent: after a crash the events since the last checkpoint are
// delivered again.
type Projection interface {
	Name() string
	Handle(ctx context.Context, event store.Event) error
	// Reset deletes everything the projection has written.
	Reset(ctx context.Context) error
}

// Filter is implemented by projections interested in a subset of stream
// types. Other events advance the cursor without reaching Handle.
type Filter interface {
	StreamTypes() []string
}

// HandlerError reports an event a projection could not process after
// exhausting its retries.
type HandlerError struct {
	Projection string
	EventID    string
	Position   int64
	Attempts   int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("projection %s failed on event %s (position %d) after %d attempts: %v",
		e.Projection, e.EventID, e.Position, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrProjectionHandlerFailure }

// OnlyStalled reports whether err, typically from CatchUp, is made up of
// handler failures alone. errors.Is on a joined error is true as soon as one
// projection stalled, even when another hit a store error.
func OnlyStalled(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *HandlerError:
		return true
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if inner != nil && !OnlyStalled(inner) {
				return false
			}
		}
		return true
	case interface{ Unwrap() error }:
		return OnlyStalled(e.Unwrap())
	}
	return false
}

type Options struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Upcaster     *upcast.Chain
	Logger       *zap.Logger
	Metrics      metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 50 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	return o
}

// Info is the externally visible state of a projection.
type Info struct {
	Name         string                 `json:"name"`
	Status       store.ProjectionStatus `json:"status"`
	LastPosition int64                  `json:"last_position"`
	Lag          int64                  `json:"lag"`
	Quarantined  int                    `json:"quarantined"`
	UpdatedAt    time.Time              `json:"updated_at,omitempty"`
}

// ResumeOptions controls how a stalled projection continues.
type ResumeOptions struct {
	// Skip moves the cursor past the quarantined event instead of
	// retrying it. The quarantine entry is kept.
	Skip bool
}

type worker struct {
	p      Projection
	filter map[string]struct{}
	wake   chan struct{}

	// run is held while the worker processes events. Rebuild and Resume
	// take it to pause the worker.
	run sync.Mutex
}

func (w *worker) wants(e store.Event) bool {
	if w.filter == nil {
		return true
	}
	_, ok := w.filter[e.StreamType]
	return ok
}

// Manager drives projections from the global event log. Each projection
// has its own cursor, so a stalled projection never blocks the others.
type Manager struct {
	events     store.EventReader
	states     store.ProjectionStateStore
	quarantine store.QuarantineStore
	opts       Options
	log        *zap.Logger
	metrics    metrics.Recorder

	mu      sync.RWMutex
	workers map[string]*worker
	order   []string
}

func NewManager(events store.EventReader, states store.ProjectionStateStore, quarantine store.QuarantineStore, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		events:     events,
		states:     states,
		quarantine: quarantine,
		opts:       opts,
		log:        logger.OrNop(opts.Logger).With(zap.String("component", "projection")),
		metrics:    metrics.OrNop(opts.Metrics),
		workers:    make(map[string]*worker),
	}
}

// Register adds a projection. It must be called before Run.
func (m *Manager) Register(p Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := p.Name()
	if name == "" {
		return errors.New("projection: name is required")
	}
	if _, ok := m.workers[name]; ok {
		return fmt.Errorf("projection: %s already registered", name)
	}

	w := &worker{p: p, wake: make(chan struct{}, 1)}
	if f, ok := p.(Filter); ok {
		w.filter = make(map[string]struct{})
		for _, t := range f.StreamTypes() {
			w.filter[t] = struct{}{}
		}
	}
	m.workers[name] = w
	m.order = append(m.order, name)
	return nil
}

func (m *Manager) worker(name string) (*worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return w, nil
}

func (m *Manager) all() []*worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*worker, len(m.order))
	for i, name := range m.order {
		out[i] = m.workers[name]
	}
	return out
}

// Notify wakes every worker. It never blocks.
func (m *Manager) Notify() {
	for _, w := range m.all() {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Publish implements store.Publisher so the manager can be woken by appends.
func (m *Manager) Publish(ctx context.Context, events []store.Event) error {
	m.Notify()
	return nil
}

// Run starts one worker per projection and blocks until ctx is done. Workers
// poll every PollInterval and on Notify.
func (m *Manager) Run(ctx context.Context) error {
	workers := m.all()
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			m.loop(ctx, w)
			return nil
		})
	}
	m.log.Info("projection manager started", zap.Int("projections", len(workers)))
	<-ctx.Done()
	err := g.Wait()
	m.log.Info("projection manager stopped")
	return err
}

func (m *Manager) loop(ctx context.Context, w *worker) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.step(ctx, w); err != nil && ctx.Err() == nil && !errors.Is(err, ErrProjectionHandlerFailure) {
			m.log.Error("projection step failed",
				zap.String("projection", w.p.Name()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// CatchUp drives every projection to the current tail once. Projections run
// concurrently and independently; the returned error joins their failures.
func (m *Manager) CatchUp(ctx context.Context) error {
	workers := m.all()
	errs := make([]error, len(workers))

	var g errgroup.Group
	for i, w := range workers {
		g.Go(func() error {
			errs[i] = m.step(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) step(ctx context.Context, w *worker) error {
	w.run.Lock()
	defer w.run.Unlock()

	name := w.p.Name()
	st, err := m.states.GetProjectionState(ctx, name)
	if err != nil {
		return fmt.Errorf("load checkpoint of %s: %w", name, err)
	}
	switch {
	case st == nil:
		st = &store.ProjectionState{Name: name, Status: store.StatusCatchingUp}
		if err := m.save(ctx, st); err != nil {
			return err
		}
		m.log.Info("projection initialized", zap.String("projection", name))
	case st.Status == store.StatusStalled:
		return nil
	case st.Status == store.StatusRebuilding:
		m.log.Warn("restarting interrupted rebuild", zap.String("projection", name))
		return m.rebuild(ctx, w)
	}
	return m.drain(ctx, w, st)
}

// drain processes batches until the tail, committing the checkpoint after
// every batch.
func (m *Manager) drain(ctx context.Context, w *worker, st *store.ProjectionState) error {
	name := w.p.Name()
	for {
		batch, err := m.events.ReadAll(ctx, st.LastPosition, m.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("read events for %s: %w", name, err)
		}
		if len(batch) == 0 {
			m.metrics.ProjectionLag(name, 0)
			if st.Status != store.StatusLive {
				st.Status = store.StatusLive
				if err := m.save(ctx, st); err != nil {
					return err
				}
				m.log.Info("projection live",
					zap.String("projection", name), zap.Int64("position", st.LastPosition))
			}
			return nil
		}

		for _, e := range batch {
			if ctx.Err() != nil {
				m.saveDetached(ctx, st)
				return ctx.Err()
			}
			if w.wants(e) {
				attempts, err := m.apply(ctx, w, e)
				if err != nil {
					if ctx.Err() != nil {
						m.saveDetached(ctx, st)
						return ctx.Err()
					}
					return m.stall(ctx, w, st, e, attempts, err)
				}
			}
			st.LastPosition = e.Position
			st.LastEventID = e.ID
		}
		if err := m.save(ctx, st); err != nil {
			return err
		}
		m.metrics.ProjectionPosition(name, st.LastPosition)
		if last, err := m.events.LastPosition(ctx); err == nil {
			m.metrics.ProjectionLag(name, last-st.LastPosition)
		}
	}
}

// apply upcasts e and hands it to the projection, retrying failures with
// exponential backoff. Upcast failures are not retried.
func (m *Manager) apply(ctx context.Context, w *worker, e store.Event) (int, error) {
	name := w.p.Name()
	up, err := m.opts.Upcaster.Upcast(e)
	if err != nil {
		m.metrics.ProjectionEventProcessed(name, false)
		return 1, err
	}

	attempts := 0
	op := func() error {
		attempts++
		timer := m.metrics.ProjectionEventDuration(name)
		err := w.p.Handle(ctx, up)
		timer.ObserveDuration()
		m.metrics.ProjectionEventProcessed(name, err == nil)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), uint64(m.opts.MaxAttempts-1)), ctx)
	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		m.metrics.ProjectionRetry(name)
		m.log.Debug("retrying projection handler",
			zap.String("projection", name),
			zap.String("event_id", e.ID),
			zap.Int64("position", e.Position),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	return attempts, err
}

// stall quarantines e, marks the projection stalled and commits the cursor
// just before e.
func (m *Manager) stall(ctx context.Context, w *worker, st *store.ProjectionState, e store.Event, attempts int, cause error) error {
	name := w.p.Name()
	herr := &HandlerError{Projection: name, EventID: e.ID, Position: e.Position, Attempts: attempts, Err: cause}

	if err := m.quarantine.Quarantine(ctx, store.QuarantineEntry{
		Projection:    name,
		Event:         e,
		Error:         cause.Error(),
		Attempts:      attempts,
		QuarantinedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("quarantine event %s for %s: %w", e.ID, name, err)
	}
	st.Status = store.StatusStalled
	if err := m.save(ctx, st); err != nil {
		return err
	}
	m.metrics.ProjectionQuarantined(name)
	m.log.Error("projection stalled",
		zap.String("projection", name),
		zap.String("event_id", e.ID),
		zap.String("event_type", e.EventType),
		zap.Int64("position", e.Position),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	return herr
}

// Rebuild discards the projection's read model, checkpoint and quarantine
// and replays the whole log. The worker is paused meanwhile. If ctx is
// cancelled the projection stays in the rebuilding state and the next run
// starts over.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	w, err := m.worker(name)
	if err != nil {
		return err
	}
	w.run.Lock()
	defer w.run.Unlock()
	return m.rebuild(ctx, w)
}

func (m *Manager) rebuild(ctx context.Context, w *worker) error {
	name := w.p.Name()
	start := time.Now()
	m.log.Info("rebuilding projection", zap.String("projection", name))

	st := &store.ProjectionState{Name: name, Status: store.StatusRebuilding}
	if err := m.save(ctx, st); err != nil {
		return err
	}
	if err := w.p.Reset(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", name, err)
	}
	if err := m.quarantine.ClearQuarantine(ctx, name); err != nil {
		return fmt.Errorf("clear quarantine of %s: %w", name, err)
	}
	if err := m.drain(ctx, w, st); err != nil {
		return err
	}
	m.log.Info("projection rebuilt",
		zap.String("projection", name),
		zap.Int64("position", st.LastPosition),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Resume restarts a stalled projection, either retrying the quarantined
// event or skipping it.
func (m *Manager) Resume(ctx context.Context, name string, opts ResumeOptions) error {
	w, err := m.worker(name)
	if err != nil {
		return err
	}
	w.run.Lock()
	defer w.run.Unlock()

	st, err := m.states.GetProjectionState(ctx, name)
	if err != nil {
		return err
	}
	if st == nil || st.Status != store.StatusStalled {
		return fmt.Errorf("%w: %s", ErrNotStalled, name)
	}

	entries, err := m.quarantine.ListQuarantined(ctx, name)
	if err != nil {
		return err
	}
	var blocking *store.QuarantineEntry
	for i := range entries {
		e := &entries[i]
		if e.Event.Position > st.LastPosition && (blocking == nil || e.Event.Position < blocking.Event.Position) {
			blocking = e
		}
	}

	if blocking != nil {
		if opts.Skip {
			st.LastPosition = blocking.Event.Position
			st.LastEventID = blocking.Event.ID
		} else if err := m.quarantine.ReleaseQuarantined(ctx, name, blocking.Event.ID); err != nil {
			return err
		}
	}
	st.Status = store.StatusCatchingUp
	if err := m.save(ctx, st); err != nil {
		return err
	}
	m.log.Info("projection resumed",
		zap.String("projection", name), zap.Bool("skip", opts.Skip), zap.Int64("position", st.LastPosition))

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// States reports every registered projection in registration order.
func (m *Manager) States(ctx context.Context) ([]Info, error) {
	workers := m.all()
	out := make([]Info, 0, len(workers))
	for _, w := range workers {
		info, err := m.info(ctx, w.p.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

func (m *Manager) State(ctx context.Context, name string) (*Info, error) {
	if _, err := m.worker(name); err != nil {
		return nil, err
	}
	return m.info(ctx, name)
}

func (m *Manager) info(ctx context.Context, name string) (*Info, error) {
	info := &Info{Name: name, Status: StatusUninitialized}
	st, err := m.states.GetProjectionState(ctx, name)
	if err != nil {
		return nil, err
	}
	if st != nil {
		info.Status = st.Status
		info.LastPosition = st.LastPosition
		info.UpdatedAt = st.UpdatedAt
	}
	last, err := m.events.LastPosition(ctx)
	if err != nil {
		return nil, err
	}
	info.Lag = last - info.LastPosition
	q, err := m.quarantine.ListQuarantined(ctx, name)
	if err != nil {
		return nil, err
	}
	info.Quarantined = len(q)
	return info, nil
}

// Quarantined lists the events the projection gave up on.
func (m *Manager) Quarantined(ctx context.Context, name string) ([]store.QuarantineEntry, error) {
	if _, err := m.worker(name); err != nil {
		return nil, err
	}
	return m.quarantine.ListQuarantined(ctx, name)
}

func (m *Manager) save(ctx context.Context, st *store.ProjectionState) error {
	st.UpdatedAt = time.Now().UTC()
	if err := m.states.SaveProjectionState(ctx, st); err != nil {
		return fmt.Errorf("save checkpoint of %s: %w", st.Name, err)
	}
	return nil
}

// saveDetached commits progress made before ctx was cancelled.
func (m *Manager) saveDetached(ctx context.Context, st *store.ProjectionState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.save(ctx, st); err != nil {
		m.log.Warn("failed to commit checkpoint on shutdown", zap.String("projection", st.Name), zap.Error(err))
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.BackoffBase
	b.MaxInterval = m.opts.BackoffMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}
