package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentSettled = "PAYMENT_SETTLED"
	EventTypeEscrowReleased = "ESCROW_RELEASED"
	EventTypeEscrowRefunded = "ESCROW_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PaymentSettledEvent is published once per order when escrow is first held
type PaymentSettledEvent struct {
	BaseEvent
	OrderID   string          `json:"order_id"`
	BuyerID   string          `json:"buyer_id"`
	Reference string          `json:"reference"`
	Total     decimal.Decimal `json:"total"`
	Source    string          `json:"source"`
	VendorIDs []string        `json:"vendor_ids"`
}

// EscrowTransitionEvent is published when held funds are released or refunded
type EscrowTransitionEvent struct {
	BaseEvent
	OrderID      string   `json:"order_id"`
	BuyerID      string   `json:"buyer_id"`
	EscrowStatus string   `json:"escrow_status"`
	VendorIDs    []string `json:"vendor_ids"`
}

// VendorIDs returns the distinct vendors of an item list in first-seen order
func VendorIDs(items []OrderItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.VendorID]; ok {
			continue
		}
		seen[item.VendorID] = struct{}{}
		ids = append(ids, item.VendorID)
	}
	return ids
}
