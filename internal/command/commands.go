package command

import (
	"encoding/json"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// Command is a request to run one operation against one stream.
type Command struct {
	StreamID   string          `json:"stream_id"`
	StreamType string          `json:"stream_type"`
	Operation  string          `json:"operation"`
	Args       json.RawMessage `json:"args,omitempty"`
	// ExpectedVersion, when set, rejects the command unless the stream
	// head matches. Such commands are never retried.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	Actor           string `json:"-"`
}

// Result reports what a command appended.
type Result struct {
	StreamID string        `json:"stream_id"`
	Version  int64         `json:"version"`
	Events   []store.Event `json:"events"`
}

// Order Commands
type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int    `json:"unit_price"`
}

type PlaceOrder struct {
	UserID   string      `json:"user_id"`
	Items    []OrderLine `json:"items"`
	Currency string      `json:"currency"`
}

type PayOrder struct {
	PaymentID string `json:"payment_id"`
	Amount    int    `json:"amount"`
}

type ShipOrder struct {
	TrackingNumber string `json:"tracking_number"`
}

type CancelOrder struct {
	Reason string `json:"reason"`
}
