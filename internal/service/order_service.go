package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService turns a checkout request into an order awaiting payment
type OrderService struct {
	store  OrderStore
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore) *OrderService {
	return &OrderService{
		store:  store,
		logger: util.Named("orders"),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	BuyerID        string             `json:"buyer_id" binding:"required"`
	BuyerEmail     string             `json:"buyer_email" binding:"required,email"`
	ShippingFee    decimal.Decimal    `json:"shipping_fee"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Total   decimal.Decimal `json:"total"`
}

// CreateOrder snapshots current prices into a new pending order. A repeated
// idempotency key returns the order created the first time.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existingOrder, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existingOrder != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", existingOrder.ID))
		return &CreateOrderResponse{
			OrderID: existingOrder.ID,
			Status:  existingOrder.Status,
			Total:   existingOrder.Total,
		}, nil
	}

	if req.ShippingFee.IsNegative() {
		return nil, fmt.Errorf("%w: shipping fee must not be negative", ErrInvalidOrder)
	}

	items, err := s.snapshotItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.TotalPrice)
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:            uuid.New().String(),
		BuyerID:       req.BuyerID,
		BuyerEmail:    req.BuyerEmail,
		Subtotal:      subtotal,
		ShippingFee:   req.ShippingFee,
		Total:         subtotal.Add(req.ShippingFee),
		Status:        models.OrderStatusPendingPayment,
		PaymentStatus: models.PaymentStatusPending,
		EscrowStatus:  models.EscrowStatusNone,
		TrackingUpdates: models.TrackingUpdates{{
			Status:    models.OrderStatusPendingPayment,
			Message:   "Order placed; awaiting payment",
			Timestamp: now,
		}},
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := s.store.CreateOrder(ctx, order, items); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.StringFixed(2)))

	return &CreateOrderResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Total:   order.Total,
	}, nil
}

// snapshotItems prices each line from the current product or variant price
func (s *OrderService) snapshotItems(ctx context.Context, reqItems []OrderItemRequest) ([]models.OrderItem, error) {
	productIDs := make([]string, 0, len(reqItems))
	variantIDs := make([]string, 0, len(reqItems))
	for _, item := range reqItems {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for product %s", ErrInvalidOrder, item.ProductID)
		}
		productIDs = append(productIDs, item.ProductID)
		if item.VariantID != "" {
			variantIDs = append(variantIDs, item.VariantID)
		}
	}

	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]models.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	variants, err := s.store.GetVariantsByIDs(ctx, variantIDs)
	if err != nil {
		return nil, err
	}
	variantMap := make(map[string]models.ProductVariant, len(variants))
	for _, v := range variants {
		variantMap[v.ID] = v
	}

	items := make([]models.OrderItem, 0, len(reqItems))
	for _, req := range reqItems {
		product, ok := productMap[req.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not found", ErrInvalidOrder, req.ProductID)
		}

		item := models.OrderItem{
			VendorID:  product.VendorID,
			ProductID: product.ID,
			Quantity:  req.Quantity,
			UnitPrice: product.Price,
		}

		if req.VariantID != "" {
			variant, ok := variantMap[req.VariantID]
			if !ok || variant.ProductID != product.ID {
				return nil, fmt.Errorf("%w: variant %s not found for product %s", ErrInvalidOrder, req.VariantID, product.ID)
			}
			variantID := variant.ID
			item.VariantID = &variantID
			item.UnitPrice = variant.Price
		}

		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		items = append(items, item)
	}

	return items, nil
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}
