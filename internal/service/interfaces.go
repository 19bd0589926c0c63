package service

import (
	"context"
	"time"

	"escrow-service/internal/gateway"
	"escrow-service/internal/models"
)

// SettlementLedger is the slice of the order ledger the settlement engine writes
type SettlementLedger interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	MarkOrderPaid(ctx context.Context, orderID, reference string, paidAt time.Time, update models.TrackingUpdate) (bool, error)
	TransitionEscrow(ctx context.Context, orderID, from, to, status string, update models.TrackingUpdate) (bool, error)
}

// PaymentLedger is what payment initialisation and reconciliation need
type PaymentLedger interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	SetCheckoutReference(ctx context.Context, orderID, reference string) (bool, error)
	ListStaleCheckouts(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
}

// OrderStore backs checkout
type OrderStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	GetVariantsByIDs(ctx context.Context, ids []string) ([]models.ProductVariant, error)
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
}

// StockStore owns the product and variant stock counters
type StockStore interface {
	DecrementProductStock(ctx context.Context, productID string, quantity int) (int, error)
	DecrementVariantStock(ctx context.Context, variantID string, quantity int) (int, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetVariants(ctx context.Context) ([]models.ProductVariant, error)
}

// StockMirror is the Redis copy of stock figures
type StockMirror interface {
	LowerProductStock(ctx context.Context, productID string, stock int) (bool, error)
	LowerVariantStock(ctx context.Context, variantID string, stock int) (bool, error)
	SetProductStock(ctx context.Context, productID string, stock int) error
	SetVariantStock(ctx context.Context, variantID string, stock int) error
}

// NotificationStore persists dispatcher output
type NotificationStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// EventPublisher emits settlement events for downstream consumers
type EventPublisher interface {
	PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error
	PublishEscrowTransition(ctx context.Context, event *models.EscrowTransitionEvent) error
}

// PaymentGateway is the external processor
type PaymentGateway interface {
	InitializeTransaction(ctx context.Context, req gateway.InitializeRequest) (*gateway.Session, error)
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error)
}

// Settler applies a confirmed payment to an order
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (Outcome, error)
}
