package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a vendor product with its stock counter
type Product struct {
	ID            string          `db:"id" json:"id"`
	VendorID      string          `db:"vendor_id" json:"vendor_id"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// ProductVariant carries its own stock counter, independent of the product's
type ProductVariant struct {
	ID            string          `db:"id" json:"id"`
	ProductID     string          `db:"product_id" json:"product_id"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Order is the aggregate root of the ledger
type Order struct {
	ID                string          `db:"id" json:"id"`
	BuyerID           string          `db:"buyer_id" json:"buyer_id"`
	BuyerEmail        string          `db:"buyer_email" json:"buyer_email"`
	Subtotal          decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingFee       decimal.Decimal `db:"shipping_fee" json:"shipping_fee"`
	Total             decimal.Decimal `db:"total" json:"total"`
	Status            string          `db:"status" json:"status"`
	PaymentStatus     string          `db:"payment_status" json:"payment_status"`
	PaymentReference  *string         `db:"payment_reference" json:"payment_reference"`
	CheckoutReference *string         `db:"checkout_reference" json:"checkout_reference,omitempty"`
	EscrowStatus      string          `db:"escrow_status" json:"escrow_status"`
	TrackingUpdates   TrackingUpdates `db:"tracking_updates" json:"tracking_updates"`
	IdempotencyKey    string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	PaidAt            *time.Time      `db:"paid_at" json:"paid_at"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// IsPaid reports whether payment has been confirmed
func (o Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

// OrderItem is a price snapshot captured at checkout; never updated
type OrderItem struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"order_id"`
	VendorID   string          `db:"vendor_id" json:"vendor_id"`
	ProductID  string          `db:"product_id" json:"product_id"`
	VariantID  *string         `db:"variant_id" json:"variant_id,omitempty"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
}

// HasVariant reports whether the item targets a specific variant
func (i OrderItem) HasVariant() bool {
	return i.VariantID != nil && *i.VariantID != ""
}

// TrackingUpdate is one entry of an order's append-only history
type TrackingUpdate struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingUpdates is stored as a JSONB array
type TrackingUpdates []TrackingUpdate

// Value implements driver.Valuer. lib/pq sends []byte as bytea, so the
// array is handed over as text for the jsonb cast.
func (t TrackingUpdates) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (t *TrackingUpdates) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = TrackingUpdates{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported tracking_updates type %T", src)
	}

	var updates TrackingUpdates
	if err := json.Unmarshal(raw, &updates); err != nil {
		return fmt.Errorf("failed to decode tracking_updates: %w", err)
	}
	*t = updates
	return nil
}

// Notification is a user-facing message produced by the dispatcher
type Notification struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	Kind      string    `db:"kind" json:"kind"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusPendingPayment   = "pending_payment"
	OrderStatusPaymentConfirmed = "payment_confirmed"
	OrderStatusShipped          = "shipped"
	OrderStatusCompleted        = "completed"
	OrderStatusCancelled        = "cancelled"
)

// Payment statuses
const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

// Escrow statuses
const (
	EscrowStatusNone     = "none"
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
