package command

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/infrastructure/store/mocks"
)

const counterType = "Counter"

type counter struct {
	Value int `json:"value"`
}

type incrementArgs struct {
	By int `json:"by"`
}

var counterDef = aggregate.Definition[counter]{
	StreamType: counterType,
	New:        func() counter { return counter{} },
	Apply: func(c counter, e store.Event) (counter, error) {
		var args incrementArgs
		if err := json.Unmarshal(e.Data, &args); err != nil {
			return c, err
		}
		c.Value += args.By
		return c, nil
	},
}

func increment(_ string, args incrementArgs, actor string) aggregate.Operation[counter] {
	return func(c counter) ([]store.EventData, error) {
		if args.By <= 0 {
			return nil, aggregate.Violation("increment must be positive")
		}
		e, err := store.NewEventData("Incremented", 1, actor, args)
		if err != nil {
			return nil, err
		}
		return []store.EventData{e}, nil
	}
}

func newTestHandler(t *testing.T, log *zap.Logger) (*Handler, *mocks.MockEventStore) {
	t.Helper()
	eventStore := mocks.NewMockEventStore()
	eng := aggregate.NewEngine(counterDef, eventStore, aggregate.Options{BackoffBase: time.Millisecond})

	h := NewHandler(log)
	require.NoError(t, h.Register(counterType, "create", Route(eng, true, increment)))
	require.NoError(t, h.Register(counterType, "increment", Route(eng, false, increment)))
	return h, eventStore
}

func incrementCmd(streamID, op string, by int) Command {
	return Command{
		StreamID:   streamID,
		StreamType: counterType,
		Operation:  op,
		Args:       json.RawMessage(`{"by":` + strconv.Itoa(by) + `}`),
		Actor:      "tester",
	}
}

// ============================================
// Register Tests
// ============================================

func TestHandler_Register(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	assert.ElementsMatch(t, []string{"Counter.create", "Counter.increment"}, h.Routes())
	assert.Error(t, h.Register(counterType, "create", func(context.Context, Command) (*Result, error) { return nil, nil }))
	assert.Error(t, h.Register("", "x", func(context.Context, Command) (*Result, error) { return nil, nil }))
	assert.Error(t, h.Register(counterType, "x", nil))
}

// ============================================
// Dispatch Tests
// ============================================

func TestHandler_Dispatch_CreateAndIncrement(t *testing.T) {
	h, eventStore := newTestHandler(t, nil)
	ctx := context.Background()

	res, err := h.Dispatch(ctx, incrementCmd("c-1", "create", 2))
	require.NoError(t, err)
	assert.Equal(t, "c-1", res.StreamID)
	assert.Equal(t, int64(1), res.Version)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "tester", res.Events[0].Actor)

	res, err = h.Dispatch(ctx, incrementCmd("c-1", "increment", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	calls := eventStore.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, store.NoStream, calls[0].ExpectedVersion)
	assert.Equal(t, int64(1), calls[1].ExpectedVersion)
}

func TestHandler_Dispatch_GeneratesStreamID(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	res, err := h.Dispatch(context.Background(), incrementCmd("", "create", 1))
	require.NoError(t, err)
	assert.NotEmpty(t, res.StreamID)
	assert.Equal(t, int64(1), res.Version)
}

func TestHandler_Dispatch_UnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	_, err := h.Dispatch(context.Background(), incrementCmd("c-1", "decrement", 1))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	cmd := incrementCmd("c-1", "create", 1)
	cmd.StreamType = "Other"
	_, err = h.Dispatch(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestHandler_Dispatch_InvalidArgs(t *testing.T) {
	h, eventStore := newTestHandler(t, nil)

	cmd := incrementCmd("c-1", "create", 1)
	cmd.Args = json.RawMessage(`{"by":"three"}`)
	_, err := h.Dispatch(context.Background(), cmd)

	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Empty(t, eventStore.Calls())
}

func TestHandler_Dispatch_MissingStreamID(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	_, err := h.Dispatch(context.Background(), incrementCmd("", "increment", 1))
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestHandler_Dispatch_StreamNotFound(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	_, err := h.Dispatch(context.Background(), incrementCmd("missing", "increment", 1))
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestHandler_Dispatch_RuleViolation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h, eventStore := newTestHandler(t, zap.New(core))

	_, err := h.Dispatch(context.Background(), incrementCmd("c-1", "create", 0))

	assert.ErrorIs(t, err, aggregate.ErrDomainRuleViolation)
	assert.Empty(t, eventStore.Calls())

	entries := logs.FilterMessage("command rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
}

func TestHandler_Dispatch_ExpectedVersion(t *testing.T) {
	h, eventStore := newTestHandler(t, nil)
	ctx := context.Background()

	_, err := h.Dispatch(ctx, incrementCmd("c-1", "create", 1))
	require.NoError(t, err)
	_, err = h.Dispatch(ctx, incrementCmd("c-1", "increment", 1))
	require.NoError(t, err)

	stale := int64(1)
	cmd := incrementCmd("c-1", "increment", 1)
	cmd.ExpectedVersion = &stale
	_, err = h.Dispatch(ctx, cmd)

	var cc *store.ConcurrencyConflictError
	require.True(t, errors.As(err, &cc))
	assert.Equal(t, int64(1), cc.Expected)
	assert.Equal(t, int64(2), cc.Actual)
	assert.Len(t, eventStore.Calls(), 2)

	current := int64(2)
	cmd.ExpectedVersion = &current
	res, err := h.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
}

func TestHandler_Dispatch_StoreFailureLogsWarning(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h, eventStore := newTestHandler(t, zap.New(core))
	eventStore.AppendErr = errors.New("disk full")

	_, err := h.Dispatch(context.Background(), incrementCmd("c-1", "create", 1))
	require.Error(t, err)

	entries := logs.FilterMessage("command rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}
