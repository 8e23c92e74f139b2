package readmodel

import "time"

// Collections written by the order projections.
const (
	CollectionOrders     = "orders"
	CollectionOrderStats = "order_stats"
	// CollectionOrderStatsVersions holds, per order stream, the last
	// version the stats projection counted.
	CollectionOrderStatsVersions = "order_stats_versions"

	// OrderStatsID is the id of the single stats document.
	OrderStatsID = "all"
)

// OrderItemReadModel represents an item in an order
type OrderItemReadModel struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int    `json:"unit_price"`
}

// OrderReadModel is the read model for orders
type OrderReadModel struct {
	ID             string               `json:"id"`
	UserID         string               `json:"user_id"`
	Items          []OrderItemReadModel `json:"items"`
	Total          int                  `json:"total"`
	Currency       string               `json:"currency"`
	Status         string               `json:"status"`
	PaymentID      string               `json:"payment_id,omitempty"`
	TrackingNumber string               `json:"tracking_number,omitempty"`
	CancelReason   string               `json:"cancel_reason,omitempty"`
	// Version is the stream version of the last event applied.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderStatsReadModel counts order events across all streams.
type OrderStatsReadModel struct {
	Placed    int `json:"placed"`
	Paid      int `json:"paid"`
	Shipped   int `json:"shipped"`
	Cancelled int `json:"cancelled"`
	// Revenue is the sum of paid amounts.
	Revenue   int       `json:"revenue"`
	UpdatedAt time.Time `json:"updated_at"`
}
