package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/store"
)

const StreamType = "Order"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

var (
	ErrOrderExists      = errors.New("order already exists")
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmptyOrder       = errors.New("order must have at least one item")
	ErrInvalidItem      = errors.New("order item must have a product, a positive quantity and a non-negative price")
	ErrInvalidStatus    = errors.New("invalid order status transition")
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	ErrOrderNotPaid     = errors.New("order must be paid before shipping")
	ErrOrderShipped     = errors.New("cannot cancel shipped order")
	ErrOrderCancelled   = errors.New("order is already cancelled")
	ErrAmountMismatch   = errors.New("payment amount does not match order total")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusCancelled},
	StatusShipped:   {}, // terminal state
	StatusCancelled: {}, // terminal state
}

type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Items     []OrderItem `json:"items"`
	Total     int         `json:"total"`
	Currency  string      `json:"currency"`
	Status    Status      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Placed reports whether the order exists.
func (o Order) Placed() bool { return o.Status != "" }

// CanTransitionTo checks if the order can transition to the target status
func (o Order) CanTransitionTo(target Status) bool {
	for _, s := range validTransitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// transitionError returns an appropriate error for an invalid transition
func (o Order) transitionError(target Status) error {
	var err error
	switch {
	case !o.Placed():
		err = ErrOrderNotFound
	case o.Status == StatusCancelled:
		err = ErrOrderCancelled
	case o.Status == StatusShipped && target == StatusCancelled:
		err = ErrOrderShipped
	case (o.Status == StatusPaid || o.Status == StatusShipped) && target == StatusPaid:
		err = ErrOrderAlreadyPaid
	case o.Status == StatusPending && target == StatusShipped:
		err = ErrOrderNotPaid
	default:
		err = fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
	return aggregate.Violationf("order %s: %w", o.ID, err)
}

// Definition is the order aggregate type.
var Definition = aggregate.Definition[Order]{
	StreamType:      StreamType,
	New:             func() Order { return Order{} },
	Apply:           Apply,
	SnapshotVersion: 1,
}

// Apply folds one (upcast) event into the order state.
func Apply(o Order, event store.Event) (Order, error) {
	switch event.EventType {
	case EventOrderPlaced:
		var data OrderPlaced
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return o, err
		}
		o.ID = data.OrderID
		o.UserID = data.UserID
		o.Items = data.Items
		o.Total = data.Total
		o.Currency = data.Currency
		o.Status = StatusPending
		o.CreatedAt = data.PlacedAt
		o.UpdatedAt = data.PlacedAt
	case EventOrderPaid:
		var data OrderPaid
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return o, err
		}
		o.Status = StatusPaid
		o.UpdatedAt = data.PaidAt
	case EventOrderShipped:
		var data OrderShipped
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return o, err
		}
		o.Status = StatusShipped
		o.UpdatedAt = data.ShippedAt
	case EventOrderCancelled:
		var data OrderCancelled
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return o, err
		}
		o.Status = StatusCancelled
		o.Reason = data.Reason
		o.UpdatedAt = data.CancelledAt
	default:
		return o, fmt.Errorf("%w: %s v%d", aggregate.ErrUnknownEvent, event.EventType, event.SchemaVersion)
	}
	return o, nil
}

func newEvent(eventType string, schema int, actor string, payload any) ([]store.EventData, error) {
	e, err := store.NewEventData(eventType, schema, actor, payload)
	if err != nil {
		return nil, err
	}
	return []store.EventData{e}, nil
}

// Place opens a new order. currency defaults to DefaultCurrency.
func Place(orderID, userID string, items []OrderItem, currency, actor string) aggregate.Operation[Order] {
	return func(o Order) ([]store.EventData, error) {
		if o.Placed() {
			return nil, aggregate.Violationf("order %s: %w", orderID, ErrOrderExists)
		}
		if len(items) == 0 {
			return nil, aggregate.Violationf("order %s: %w", orderID, ErrEmptyOrder)
		}
		var total int
		for _, item := range items {
			if item.ProductID == "" || item.Quantity <= 0 || item.UnitPrice < 0 {
				return nil, aggregate.Violationf("order %s: %w", orderID, ErrInvalidItem)
			}
			total += item.UnitPrice * item.Quantity
		}
		if currency == "" {
			currency = DefaultCurrency
		}
		return newEvent(EventOrderPlaced, SchemaOrderPlaced, actor, OrderPlaced{
			OrderID:  orderID,
			UserID:   userID,
			Items:    append([]OrderItem(nil), items...),
			Total:    total,
			Currency: currency,
			PlacedAt: time.Now().UTC(),
		})
	}
}

// Pay marks the order paid. A non-zero amount must equal the order total.
func Pay(paymentID string, amount int, actor string) aggregate.Operation[Order] {
	return func(o Order) ([]store.EventData, error) {
		if !o.CanTransitionTo(StatusPaid) {
			return nil, o.transitionError(StatusPaid)
		}
		if amount != 0 && amount != o.Total {
			return nil, aggregate.Violationf("order %s: %w (%d != %d)", o.ID, ErrAmountMismatch, amount, o.Total)
		}
		return newEvent(EventOrderPaid, SchemaOrderPaid, actor, OrderPaid{
			OrderID:   o.ID,
			PaymentID: paymentID,
			Amount:    o.Total,
			PaidAt:    time.Now().UTC(),
		})
	}
}

func Ship(trackingNumber, actor string) aggregate.Operation[Order] {
	return func(o Order) ([]store.EventData, error) {
		if !o.CanTransitionTo(StatusShipped) {
			return nil, o.transitionError(StatusShipped)
		}
		return newEvent(EventOrderShipped, SchemaOrderShipped, actor, OrderShipped{
			OrderID:        o.ID,
			TrackingNumber: trackingNumber,
			ShippedAt:      time.Now().UTC(),
		})
	}
}

func Cancel(reason, actor string) aggregate.Operation[Order] {
	return func(o Order) ([]store.EventData, error) {
		if !o.CanTransitionTo(StatusCancelled) {
			return nil, o.transitionError(StatusCancelled)
		}
		if reason == "" {
			reason = "unspecified"
		}
		return newEvent(EventOrderCancelled, SchemaOrderCancelled, actor, OrderCancelled{
			OrderID:     o.ID,
			Reason:      reason,
			CancelledAt: time.Now().UTC(),
		})
	}
}
