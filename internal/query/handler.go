package query

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/readmodel"
)

type Handler struct {
	readStore store.ReadStoreInterface
	log       *zap.Logger
}

func NewHandler(readStore store.ReadStoreInterface, log *zap.Logger) *Handler {
	return &Handler{
		readStore: readStore,
		log:       logger.OrNop(log).With(zap.String("component", "query")),
	}
}

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	UserID string
	Status string
}

func (f OrderFilter) matches(o *OrderReadModel) bool {
	return (f.UserID == "" || o.UserID == f.UserID) && (f.Status == "" || o.Status == f.Status)
}

// Orders
func (h *Handler) GetOrder(ctx context.Context, id string) (*OrderReadModel, bool, error) {
	var o OrderReadModel
	ok, err := h.readStore.Get(ctx, readmodel.CollectionOrders, id, &o)
	if err != nil {
		h.log.Error("failed to get order", zap.String("order_id", id), zap.Error(err))
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &o, true, nil
}

// ListOrders returns the orders matching f, ordered by id.
func (h *Handler) ListOrders(ctx context.Context, f OrderFilter) ([]*OrderReadModel, error) {
	items, err := h.readStore.GetAll(ctx, readmodel.CollectionOrders)
	if err != nil {
		h.log.Error("failed to list orders", zap.Error(err))
		return nil, err
	}
	orders := make([]*OrderReadModel, 0, len(items))
	for _, raw := range items {
		var o OrderReadModel
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		if f.matches(&o) {
			orders = append(orders, &o)
		}
	}
	return orders, nil
}

// Stats returns the order counters. Before the first order they are zero.
func (h *Handler) Stats(ctx context.Context) (*OrderStatsReadModel, error) {
	var s OrderStatsReadModel
	if _, err := h.readStore.Get(ctx, readmodel.CollectionOrderStats, readmodel.OrderStatsID, &s); err != nil {
		h.log.Error("failed to get order stats", zap.Error(err))
		return nil, err
	}
	return &s, nil
}
