package service

import (
	"context"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ItemReader loads an order's item snapshot
type ItemReader interface {
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
}

// AdjustmentReport summarises one Apply call
type AdjustmentReport struct {
	Items    []models.OrderItem
	Adjusted int
	Skipped  int
}

// InventoryAdjuster decrements stock for settled orders. It is only invoked
// by the settlement engine on OutcomeApplied, which bounds it to one run per
// order; each counter update is its own conditional write, so a crash part
// way through leaves the remaining items untouched rather than rolling back.
type InventoryAdjuster struct {
	items  ItemReader
	stock  StockStore
	mirror StockMirror
	logger *zap.Logger
}

// NewInventoryAdjuster creates a new inventory adjuster. mirror may be nil.
func NewInventoryAdjuster(items ItemReader, stock StockStore, mirror StockMirror) *InventoryAdjuster {
	return &InventoryAdjuster{
		items:  items,
		stock:  stock,
		mirror: mirror,
		logger: util.Named("inventory"),
	}
}

// Apply decrements product stock, and variant stock where the item names a
// variant, by each item's quantity, floored at zero. Per-item failures are
// logged and skipped.
func (a *InventoryAdjuster) Apply(ctx context.Context, orderID string) (*AdjustmentReport, error) {
	ctx, span := util.StartSpan(ctx, "InventoryAdjuster.Apply", attribute.String("order_id", orderID))
	defer span.End()

	items, err := a.items.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		util.FailSpan(span, err)
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	report := &AdjustmentReport{Items: items}
	for _, item := range items {
		if a.decrementProduct(ctx, orderID, item) {
			report.Adjusted++
		} else {
			report.Skipped++
		}

		if !item.HasVariant() {
			continue
		}
		if a.decrementVariant(ctx, orderID, item) {
			report.Adjusted++
		} else {
			report.Skipped++
		}
	}

	a.logger.Info("Inventory adjusted",
		zap.String("order_id", orderID),
		zap.Int("adjusted", report.Adjusted),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (a *InventoryAdjuster) decrementProduct(ctx context.Context, orderID string, item models.OrderItem) bool {
	stock, err := a.stock.DecrementProductStock(ctx, item.ProductID, item.Quantity)
	if err != nil {
		util.InventoryAdjustFailuresTotal.WithLabelValues("product").Inc()
		a.logger.Error("Failed to decrement product stock",
			zap.String("order_id", orderID),
			zap.String("product_id", item.ProductID),
			zap.Int("quantity", item.Quantity),
			zap.Error(err))
		return false
	}

	if a.mirror != nil {
		if _, err := a.mirror.LowerProductStock(ctx, item.ProductID, stock); err != nil {
			a.logger.Warn("Failed to mirror product stock",
				zap.String("product_id", item.ProductID),
				zap.Error(err))
		}
	}
	return true
}

func (a *InventoryAdjuster) decrementVariant(ctx context.Context, orderID string, item models.OrderItem) bool {
	variantID := *item.VariantID
	stock, err := a.stock.DecrementVariantStock(ctx, variantID, item.Quantity)
	if err != nil {
		util.InventoryAdjustFailuresTotal.WithLabelValues("variant").Inc()
		a.logger.Error("Failed to decrement variant stock",
			zap.String("order_id", orderID),
			zap.String("variant_id", variantID),
			zap.Int("quantity", item.Quantity),
			zap.Error(err))
		return false
	}

	if a.mirror != nil {
		if _, err := a.mirror.LowerVariantStock(ctx, variantID, stock); err != nil {
			a.logger.Warn("Failed to mirror variant stock",
				zap.String("variant_id", variantID),
				zap.Error(err))
		}
	}
	return true
}

// SyncStockMirror copies every product and variant stock figure to the mirror
func (a *InventoryAdjuster) SyncStockMirror(ctx context.Context) error {
	if a.mirror == nil {
		return nil
	}

	a.logger.Info("Starting stock sync to Redis")

	products, err := a.stock.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}
	for _, product := range products {
		if err := a.mirror.SetProductStock(ctx, product.ID, product.StockQuantity); err != nil {
			a.logger.Error("Failed to mirror product stock",
				zap.String("product_id", product.ID),
				zap.Error(err))
		}
	}

	variants, err := a.stock.GetVariants(ctx)
	if err != nil {
		return fmt.Errorf("failed to get variants: %w", err)
	}
	for _, variant := range variants {
		if err := a.mirror.SetVariantStock(ctx, variant.ID, variant.StockQuantity); err != nil {
			a.logger.Error("Failed to mirror variant stock",
				zap.String("variant_id", variant.ID),
				zap.Error(err))
		}
	}

	a.logger.Info("Stock sync completed",
		zap.Int("products", len(products)),
		zap.Int("variants", len(variants)))
	return nil
}
