package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

func runReadStoreSuite(t *testing.T, newStore func(t *testing.T) ReadStoreInterface) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		rs := newStore(t)

		require.NoError(t, rs.Set(ctx, "orders", "o-1", testDoc{ID: "o-1", Status: "placed", Total: 100}))
		require.NoError(t, rs.Set(ctx, "orders", "o-1", testDoc{ID: "o-1", Status: "paid", Total: 100}))

		var got testDoc
		ok, err := rs.Get(ctx, "orders", "o-1", &got)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "paid", got.Status)

		ok, err = rs.Get(ctx, "orders", "missing", &got)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = rs.Get(ctx, "other", "o-1", &got)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("get all is ordered by id", func(t *testing.T) {
		rs := newStore(t)

		for _, id := range []string{"o-3", "o-1", "o-2"} {
			require.NoError(t, rs.Set(ctx, "orders", id, testDoc{ID: id}))
		}
		require.NoError(t, rs.Set(ctx, "stats", "global", map[string]int{"orders": 3}))

		all, err := rs.GetAll(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, all, 3)
		var ids []string
		for _, raw := range all {
			var d testDoc
			require.NoError(t, json.Unmarshal(raw, &d))
			ids = append(ids, d.ID)
		}
		assert.Equal(t, []string{"o-1", "o-2", "o-3"}, ids)

		empty, err := rs.GetAll(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("delete and clear", func(t *testing.T) {
		rs := newStore(t)

		require.NoError(t, rs.Set(ctx, "orders", "o-1", testDoc{ID: "o-1"}))
		require.NoError(t, rs.Set(ctx, "orders", "o-2", testDoc{ID: "o-2"}))
		require.NoError(t, rs.Set(ctx, "stats", "global", map[string]int{"orders": 2}))

		require.NoError(t, rs.Delete(ctx, "orders", "o-1"))
		all, err := rs.GetAll(ctx, "orders")
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, rs.Clear(ctx, "orders"))
		all, err = rs.GetAll(ctx, "orders")
		require.NoError(t, err)
		assert.Empty(t, all)

		var stats map[string]int
		ok, err := rs.Get(ctx, "stats", "global", &stats)
		require.NoError(t, err)
		assert.True(t, ok, "clear only touches its collection")
		assert.Equal(t, 2, stats["orders"])
	})

	t.Run("unmarshalable document", func(t *testing.T) {
		rs := newStore(t)

		err := rs.Set(ctx, "orders", "bad", map[string]any{"f": func() {}})
		assert.Error(t, err)
	})
}

func TestReadStore_Contract(t *testing.T) {
	runReadStoreSuite(t, func(t *testing.T) ReadStoreInterface {
		return NewReadStore()
	})
}
