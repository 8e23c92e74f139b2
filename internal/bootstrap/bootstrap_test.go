package bootstrap

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/eventcore/internal/command"
	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/readmodel"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	t.Setenv("EVENT_STORE_BACKEND", backend)
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "events.db"))
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestOpenAndWire(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)

			b, err := Open(ctx, cfg, nil)
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, b.Close()) })

			core, err := NewCore(cfg, b, b.Events, nil, nil)
			require.NoError(t, err)
			t.Cleanup(core.Orders.Close)

			args, err := json.Marshal(command.PlaceOrder{
				UserID: "user-1",
				Items:  []command.OrderLine{{ProductID: "p-1", Quantity: 1, UnitPrice: 300}},
			})
			require.NoError(t, err)
			res, err := core.Commands.Dispatch(ctx, command.Command{
				StreamID: "order-1", StreamType: order.StreamType, Operation: order.OpPlace, Args: args,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Version)

			require.NoError(t, core.Projections.CatchUp(ctx))

			var got readmodel.OrderReadModel
			found, err := b.ReadStore.Get(ctx, readmodel.CollectionOrders, "order-1", &got)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 300, got.Total)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{StoreBackend: "cassandra"}, nil)
	assert.Error(t, err)
}
