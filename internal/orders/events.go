package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderPlaced      = "OrderPlaced"
	EventOrderItemAdded   = "OrderItemAdded"
	EventOrderItemUpdated = "OrderItemUpdated"
	EventOrderItemRemoved = "OrderItemRemoved"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// OrderRef is embedded in every payload so consumers can route without knowing the event type.
// Version is the order version the event was committed at.
type OrderRef struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Version int64  `json:"version"`
}

type ItemSnapshot struct {
	ItemID    string          `json:"item_id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type OrderPlacedPayload struct {
	OrderRef
	AddressID string          `json:"address_id"`
	Items     []ItemSnapshot  `json:"items"`
	Total     decimal.Decimal `json:"total"`
}

// OrderItemChangedPayload covers add, quantity update and removal.
// OldQuantity is 0 for a new line, NewQuantity is 0 for a removed one.
type OrderItemChangedPayload struct {
	OrderRef
	ItemID      string          `json:"item_id"`
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	OldQuantity int             `json:"old_quantity"`
	NewQuantity int             `json:"new_quantity"`
	Total       decimal.Decimal `json:"total"`
}

func snapshots(items []OrderItem) []ItemSnapshot {
	out := make([]ItemSnapshot, 0, len(items))
	for _, it := range items {
		out = append(out, ItemSnapshot{
			ItemID: it.ID, ProductID: it.ProductID, VariantID: it.VariantID,
			Quantity: it.Quantity, Price: it.Price,
		})
	}
	return out
}
