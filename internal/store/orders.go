package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/models"
)

// CreateOrder inserts an order and its item snapshot in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (id, buyer_id, buyer_email, subtotal, shipping_fee, total,
			status, payment_status, escrow_status, tracking_updates, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
		RETURNING created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.ID, order.BuyerID, order.BuyerEmail, order.Subtotal, order.ShippingFee, order.Total,
		order.Status, order.PaymentStatus, order.EscrowStatus, order.TrackingUpdates, order.IdempotencyKey,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		item := &items[i]
		item.OrderID = order.ID
		err = tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, vendor_id, product_id, variant_id, quantity, unit_price, total_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			item.OrderID, item.VendorID, item.ProductID, item.VariantID, item.Quantity, item.UnitPrice, item.TotalPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// SetCheckoutReference records the latest gateway session reference while the
// order is still unpaid. Returns false when the order is missing or paid.
func (s *Store) SetCheckoutReference(ctx context.Context, orderID, reference string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET checkout_reference = $2, updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'`,
		orderID, reference)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// MarkOrderPaid is the settlement compare-and-set. The row flips to
// paid/held only while it is still pending with no stored reference; the
// caller reads the boolean to tell the winning write from a replay.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID, reference string, paidAt time.Time, update models.TrackingUpdate) (bool, error) {
	entry, err := models.TrackingUpdates{update}.Value()
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = 'paid',
			payment_reference = $2,
			status = 'payment_confirmed',
			escrow_status = 'held',
			paid_at = $3,
			tracking_updates = COALESCE(tracking_updates, '[]'::jsonb) || $4::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending' AND payment_reference IS NULL`,
		orderID, reference, paidAt, entry)
	if err != nil {
		return false, fmt.Errorf("failed to mark order paid: %w", err)
	}
	return affectedOne(res)
}

// TransitionEscrow moves escrow_status from one value to another with the
// same compare-and-set shape as MarkOrderPaid.
func (s *Store) TransitionEscrow(ctx context.Context, orderID, from, to, status string, update models.TrackingUpdate) (bool, error) {
	entry, err := models.TrackingUpdates{update}.Value()
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET escrow_status = $3,
			status = $4,
			tracking_updates = COALESCE(tracking_updates, '[]'::jsonb) || $5::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND escrow_status = $2`,
		orderID, from, to, status, entry)
	if err != nil {
		return false, fmt.Errorf("failed to transition escrow: %w", err)
	}
	return affectedOne(res)
}

// ListStaleCheckouts returns unpaid orders that handed out a gateway
// reference before the cutoff, oldest first.
func (s *Store) ListStaleCheckouts(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE payment_status = 'pending' AND checkout_reference IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`,
		before, limit)
	return orders, err
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
