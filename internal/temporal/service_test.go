package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/infrastructure/store/mocks"
)

const accountType = "Account"

type account struct {
	Balance  int `json:"balance"`
	Deposits int `json:"deposits"`
}

type deposited struct {
	Amount int `json:"amount"`
}

var accountDef = aggregate.Definition[account]{
	StreamType: accountType,
	New:        func() account { return account{} },
	Apply: func(a account, e store.Event) (account, error) {
		var d deposited
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return a, err
		}
		a.Balance += d.Amount
		a.Deposits++
		return a, nil
	},
	SnapshotVersion: 1,
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	events    *mocks.MockEventStore
	snapshots *store.SnapshotMemoryStore
	svc       *Service[account]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := mocks.NewMockEventStore()
	snapshots := store.NewSnapshotMemoryStore()
	eng := aggregate.NewEngine(accountDef, events, aggregate.Options{Snapshots: snapshots})
	t.Cleanup(eng.Close)
	return &fixture{events: events, snapshots: snapshots, svc: NewService(eng, nil)}
}

// deposit appends amount to streamID, occurring at t0 + minute minutes.
func (f *fixture) deposit(t *testing.T, streamID string, minute, amount int) store.Event {
	t.Helper()
	e, err := f.events.AddEvent(context.Background(), streamID, accountType, "Deposited", 1,
		t0.Add(time.Duration(minute)*time.Minute), deposited{Amount: amount})
	require.NoError(t, err)
	return e
}

// plantSnapshot stores a snapshot whose state could not come from folding,
// so tests can tell whether it was used.
func (f *fixture) plantSnapshot(t *testing.T, streamID string, e store.Event) {
	t.Helper()
	state, err := json.Marshal(account{Balance: 1_000_000, Deposits: int(e.Version)})
	require.NoError(t, err)
	require.NoError(t, f.snapshots.SaveSnapshot(context.Background(), &store.Snapshot{
		StreamID: streamID, StreamType: accountType, Version: e.Version, SchemaVersion: 1,
		State: state, LastEventAt: e.OccurredAt, CreatedAt: time.Now(),
	}))
}

// ============================================
// StateAt Tests
// ============================================

func TestStateAt_Prefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "acc-1", 0, 10)
	f.deposit(t, "acc-1", 10, 20)
	f.deposit(t, "acc-1", 20, 30)

	tests := []struct {
		name        string
		asOf        time.Time
		wantVersion int64
		wantBalance int
	}{
		{"before first event", t0.Add(-time.Second), 0, 0},
		{"exactly at first event", t0, 1, 10},
		{"between events", t0.Add(15 * time.Minute), 2, 30},
		{"after last event", t0.Add(time.Hour), 3, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := f.svc.StateAt(ctx, "acc-1", tt.asOf)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, agg.Version)
			assert.Equal(t, tt.wantBalance, agg.State.Balance)
		})
	}
}

func TestStateAt_StreamNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StateAt(context.Background(), "missing", t0)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestStateAt_RequiresTimestamp(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StateAt(context.Background(), "acc-1", time.Time{})
	assert.ErrorIs(t, err, ErrInvalidCutoff)
}

func TestStateAt_SnapshotBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "acc-1", 0, 10)
	second := f.deposit(t, "acc-1", 10, 20)
	f.deposit(t, "acc-1", 20, 30)
	f.plantSnapshot(t, "acc-1", second)

	// The cutoff equals the snapshot's last event time: replay from the start.
	agg, err := f.svc.StateAt(ctx, "acc-1", second.OccurredAt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Version)
	assert.Equal(t, 30, agg.State.Balance)

	// Strictly after: the snapshot is the starting point.
	agg, err = f.svc.StateAt(ctx, "acc-1", second.OccurredAt.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Version)
	assert.Equal(t, 1_000_000, agg.State.Balance)

	// Strictly before: the snapshot is ignored.
	agg, err = f.svc.StateAt(ctx, "acc-1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Version)
	assert.Equal(t, 10, agg.State.Balance)
}

func TestStateAt_Monotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		f.deposit(t, "acc-1", i*3, i+1)
	}

	var prev int64
	for m := -5; m <= 70; m++ {
		agg, err := f.svc.StateAt(ctx, "acc-1", t0.Add(time.Duration(m)*time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, agg.Version, prev, "minute %d", m)
		assert.Equal(t, int(agg.Version), agg.State.Deposits)
		prev = agg.Version
	}
	assert.Equal(t, int64(20), prev)
}

func TestStateAt_DoesNotWrite(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.deposit(t, "acc-1", i, 1)
	}

	_, err := f.svc.StateAt(context.Background(), "acc-1", t0.Add(time.Hour))
	require.NoError(t, err)

	snap, err := f.snapshots.GetSnapshot(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, f.events.Calls())
}

// ============================================
// StateAtVersion Tests
// ============================================

func TestStateAtVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "acc-1", 0, 10)
	f.deposit(t, "acc-1", 1, 20)
	third := f.deposit(t, "acc-1", 2, 30)
	f.deposit(t, "acc-1", 3, 40)

	agg, err := f.svc.StateAtVersion(ctx, "acc-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Version)
	assert.Equal(t, 30, agg.State.Balance)

	agg, err = f.svc.StateAtVersion(ctx, "acc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Version)
	assert.Equal(t, 0, agg.State.Balance)

	agg, err = f.svc.StateAtVersion(ctx, "acc-1", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(4), agg.Version)

	f.plantSnapshot(t, "acc-1", third)
	agg, err = f.svc.StateAtVersion(ctx, "acc-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 30, agg.State.Balance, "snapshot past the cutoff is ignored")

	agg, err = f.svc.StateAtVersion(ctx, "acc-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1_000_000, agg.State.Balance)
}

func TestStateAtVersion_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StateAtVersion(ctx, "acc-1", -1)
	assert.ErrorIs(t, err, ErrInvalidCutoff)

	_, err = f.svc.StateAtVersion(ctx, "missing", 0)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)

	_, err = f.svc.StateAtVersion(ctx, "missing", 3)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

// ============================================
// Aggregate-set Tests
// ============================================

func TestStatesAt(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("acc-%d", i)
		f.deposit(t, id, i, 5)
		f.deposit(t, id, 30, 5)
	}

	ids := []string{"acc-0", "acc-3", "acc-9", "missing"}
	states, err := f.svc.StatesAt(context.Background(), ids, t0.Add(5*time.Minute))
	require.NoError(t, err)

	require.Len(t, states, 2)
	assert.Equal(t, 5, states["acc-0"].State.Balance)
	assert.Equal(t, 5, states["acc-3"].State.Balance)
	assert.NotContains(t, states, "acc-9")
	assert.NotContains(t, states, "missing")
}

func TestStatesAt_PropagatesReadErrors(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acc-1", 0, 5)
	f.events.ReadErr = fmt.Errorf("connection reset")

	_, err := f.svc.StatesAt(context.Background(), []string{"acc-1"}, t0)
	assert.Error(t, err)
}

func TestStreamsChangedSince(t *testing.T) {
	f := newFixture(t)
	f.svc.pageSize = 2
	f.deposit(t, "acc-1", 0, 1)
	f.deposit(t, "acc-2", 5, 1)
	f.deposit(t, "acc-3", 10, 1)
	f.deposit(t, "acc-2", 15, 1)
	_, err := f.events.AddEvent(context.Background(), "other-1", "Other", "Deposited", 1, t0.Add(20*time.Minute), deposited{})
	require.NoError(t, err)

	ids, err := f.svc.StreamsChangedSince(context.Background(), t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-2", "acc-3"}, ids)

	ids, err = f.svc.StreamsChangedSince(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
