package order

import (
	"time"

	"github.com/example/eventcore/internal/upcast"
)

const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderPaid      = "OrderPaid"
	EventOrderShipped   = "OrderShipped"
	EventOrderCancelled = "OrderCancelled"

	// EventOrderRejected is no longer written; old streams still carry it.
	EventOrderRejected = "OrderRejected"
)

// Current payload schema per event type.
const (
	SchemaOrderPlaced    = 3
	SchemaOrderPaid      = 1
	SchemaOrderShipped   = 1
	SchemaOrderCancelled = 2
)

const DefaultCurrency = "JPY"

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int    `json:"unit_price"`
}

type OrderPlaced struct {
	OrderID  string      `json:"order_id"`
	UserID   string      `json:"user_id"`
	Items    []OrderItem `json:"items"`
	Total    int         `json:"total"`
	Currency string      `json:"currency"`
	PlacedAt time.Time   `json:"placed_at"`
}

type OrderPaid struct {
	OrderID   string    `json:"order_id"`
	PaymentID string    `json:"payment_id,omitempty"`
	Amount    int       `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

type OrderShipped struct {
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	ShippedAt      time.Time `json:"shipped_at"`
}

type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// RegisterUpcasters installs the migrations for historical order payloads:
//
//	OrderPlaced v1 -> v2     adds currency
//	OrderPlaced v2 -> v3     items[].price becomes items[].unit_price
//	OrderCancelled v1 -> v2  reason becomes mandatory
//	OrderRejected v1 -> OrderCancelled v2
func RegisterUpcasters(c *upcast.Chain) error {
	steps := []struct {
		from    string
		version int
		to      string
		fn      upcast.Func
	}{
		{EventOrderPlaced, 1, "", upcast.Default("currency", DefaultCurrency)},
		{EventOrderPlaced, 2, "", upcast.Transform(renameItemPrice)},
		{EventOrderCancelled, 1, "", upcast.Default("reason", "unspecified")},
		{EventOrderRejected, 1, EventOrderCancelled, upcast.Transform(rejectedToCancelled)},
	}
	for _, s := range steps {
		if err := c.Register(s.from, s.version, s.to, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func renameItemPrice(m map[string]any) error {
	items, ok := m["items"].([]any)
	if !ok {
		return nil
	}
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if p, ok := item["price"]; ok {
			item["unit_price"] = p
			delete(item, "price")
		}
	}
	return nil
}

func rejectedToCancelled(m map[string]any) error {
	reason, _ := m["message"].(string)
	if reason == "" {
		reason = "rejected"
	}
	delete(m, "message")
	m["reason"] = reason
	if at, ok := m["rejected_at"]; ok {
		m["cancelled_at"] = at
		delete(m, "rejected_at")
	}
	return nil
}
