package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/readmodel"
)

const (
	OrderSummaryName = "order_summary"
	OrderStatsName   = "order_stats"
)

// OrderSummaryProjection keeps one document per order. Each document
// carries the version of the last event applied, so redelivered events are
// skipped.
type OrderSummaryProjection struct {
	readStore store.ReadStoreInterface
	log       *zap.Logger
}

func NewOrderSummaryProjection(readStore store.ReadStoreInterface, log *zap.Logger) *OrderSummaryProjection {
	return &OrderSummaryProjection{
		readStore: readStore,
		log:       logger.OrNop(log).With(zap.String("projection", OrderSummaryName)),
	}
}

func (p *OrderSummaryProjection) Name() string { return OrderSummaryName }

func (p *OrderSummaryProjection) StreamTypes() []string { return []string{order.StreamType} }

func (p *OrderSummaryProjection) Reset(ctx context.Context) error {
	return p.readStore.Clear(ctx, readmodel.CollectionOrders)
}

func (p *OrderSummaryProjection) Handle(ctx context.Context, event store.Event) error {
	var current readmodel.OrderReadModel
	exists, err := p.readStore.Get(ctx, readmodel.CollectionOrders, event.StreamID, &current)
	if err != nil {
		return err
	}
	if exists && event.Version <= current.Version {
		p.log.Debug("skipping already applied event",
			zap.String("stream_id", event.StreamID), zap.Int64("version", event.Version))
		return nil
	}

	switch event.EventType {
	case order.EventOrderPlaced:
		var e order.OrderPlaced
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		items := make([]readmodel.OrderItemReadModel, len(e.Items))
		for i, item := range e.Items {
			items[i] = readmodel.OrderItemReadModel{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			}
		}
		current = readmodel.OrderReadModel{
			ID:        event.StreamID,
			UserID:    e.UserID,
			Items:     items,
			Total:     e.Total,
			Currency:  e.Currency,
			Status:    string(order.StatusPending),
			CreatedAt: e.PlacedAt,
			UpdatedAt: e.PlacedAt,
		}

	case order.EventOrderPaid:
		var e order.OrderPaid
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		if !exists {
			return missingOrder(event)
		}
		current.Status = string(order.StatusPaid)
		current.PaymentID = e.PaymentID
		current.UpdatedAt = e.PaidAt

	case order.EventOrderShipped:
		var e order.OrderShipped
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		if !exists {
			return missingOrder(event)
		}
		current.Status = string(order.StatusShipped)
		current.TrackingNumber = e.TrackingNumber
		current.UpdatedAt = e.ShippedAt

	case order.EventOrderCancelled:
		var e order.OrderCancelled
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		if !exists {
			return missingOrder(event)
		}
		current.Status = string(order.StatusCancelled)
		current.CancelReason = e.Reason
		current.UpdatedAt = e.CancelledAt

	default:
		if !exists {
			return nil
		}
	}

	current.Version = event.Version
	return p.readStore.Set(ctx, readmodel.CollectionOrders, event.StreamID, &current)
}

func missingOrder(event store.Event) error {
	return fmt.Errorf("order %s: %s at version %d before OrderPlaced", event.StreamID, event.EventType, event.Version)
}

// OrderStatsProjection maintains global order counters. The last version
// counted per stream lives in its own document, so each event touches a
// constant amount of data. The counters record the last event they absorbed;
// a crash between the two writes is repaired on redelivery.
type OrderStatsProjection struct {
	readStore store.ReadStoreInterface
	log       *zap.Logger
}

type statsDocument struct {
	readmodel.OrderStatsReadModel
	LastStreamID string `json:"last_stream_id,omitempty"`
	LastVersion  int64  `json:"last_version,omitempty"`
}

type countedVersion struct {
	Version int64 `json:"version"`
}

func NewOrderStatsProjection(readStore store.ReadStoreInterface, log *zap.Logger) *OrderStatsProjection {
	return &OrderStatsProjection{
		readStore: readStore,
		log:       logger.OrNop(log).With(zap.String("projection", OrderStatsName)),
	}
}

func (p *OrderStatsProjection) Name() string { return OrderStatsName }

func (p *OrderStatsProjection) StreamTypes() []string { return []string{order.StreamType} }

func (p *OrderStatsProjection) Reset(ctx context.Context) error {
	if err := p.readStore.Clear(ctx, readmodel.CollectionOrderStatsVersions); err != nil {
		return err
	}
	return p.readStore.Clear(ctx, readmodel.CollectionOrderStats)
}

func (p *OrderStatsProjection) Handle(ctx context.Context, event store.Event) error {
	var counted countedVersion
	if _, err := p.readStore.Get(ctx, readmodel.CollectionOrderStatsVersions, event.StreamID, &counted); err != nil {
		return err
	}
	if event.Version <= counted.Version {
		p.log.Debug("skipping already counted event",
			zap.String("stream_id", event.StreamID), zap.Int64("version", event.Version))
		return nil
	}

	var stats statsDocument
	if _, err := p.readStore.Get(ctx, readmodel.CollectionOrderStats, readmodel.OrderStatsID, &stats); err != nil {
		return err
	}
	if stats.LastStreamID != event.StreamID || stats.LastVersion != event.Version {
		switch event.EventType {
		case order.EventOrderPlaced:
			stats.Placed++
		case order.EventOrderPaid:
			var e order.OrderPaid
			if err := json.Unmarshal(event.Data, &e); err != nil {
				return err
			}
			stats.Paid++
			stats.Revenue += e.Amount
		case order.EventOrderShipped:
			stats.Shipped++
		case order.EventOrderCancelled:
			stats.Cancelled++
		}
		stats.LastStreamID = event.StreamID
		stats.LastVersion = event.Version
		stats.UpdatedAt = event.OccurredAt
		if err := p.readStore.Set(ctx, readmodel.CollectionOrderStats, readmodel.OrderStatsID, &stats); err != nil {
			return err
		}
	}

	counted.Version = event.Version
	return p.readStore.Set(ctx, readmodel.CollectionOrderStatsVersions, event.StreamID, &counted)
}
