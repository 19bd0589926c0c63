package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/gateway"
	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome of a settlement or escrow transition attempt
type Outcome string

const (
	// OutcomeApplied means this call performed the state change
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadySettled means an earlier call performed it; not an error
	OutcomeAlreadySettled Outcome = "already_settled"
	// OutcomeRejected means the preconditions for the change do not hold
	OutcomeRejected Outcome = "rejected"
)

// Source names the entry point that triggered a settlement
type Source string

const (
	SourceWebhook      Source = "webhook"
	SourceClientVerify Source = "client_verify"
	SourceReconcile    Source = "reconcile"
)

// postSettleTimeout bounds the follow-up work of a winning settlement
const postSettleTimeout = 30 * time.Second

// SettlementRequest is everything settlement depends on
type SettlementRequest struct {
	OrderID       string
	Reference     string
	GatewayStatus string
	PaidAt        *time.Time
	Source        Source
}

// SettlementEngine moves orders into and out of escrow. Every transition is
// a single conditional write on the order row, so any number of concurrent
// callers converge on one state change.
type SettlementEngine struct {
	ledger    SettlementLedger
	inventory *InventoryAdjuster
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewSettlementEngine creates a new settlement engine
func NewSettlementEngine(ledger SettlementLedger, inventory *InventoryAdjuster, publisher EventPublisher) *SettlementEngine {
	return &SettlementEngine{
		ledger:    ledger,
		inventory: inventory,
		publisher: publisher,
		logger:    util.Named("settlement"),
		now:       time.Now,
	}
}

// Settle confirms payment for an order and places the funds in escrow.
//
// Only a gateway status of "success" is considered. The ledger write is
// guarded by payment_status = 'pending' AND payment_reference IS NULL, so
// exactly one caller per order observes OutcomeApplied and runs the stock
// decrement; every other caller gets OutcomeAlreadySettled whatever
// reference it carries. Storage errors are returned unretried.
func (e *SettlementEngine) Settle(ctx context.Context, req SettlementRequest) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Settle",
		attribute.String("order_id", req.OrderID),
		attribute.String("reference", req.Reference),
		attribute.String("source", string(req.Source)))
	defer span.End()

	log := e.logger.With(
		zap.String("order_id", req.OrderID),
		zap.String("reference", req.Reference),
		zap.String("source", string(req.Source)))

	if req.GatewayStatus != gateway.StatusSuccess {
		log.Info("Settlement rejected: transaction not successful", zap.String("gateway_status", req.GatewayStatus))
		return e.record(req.Source, OutcomeRejected), nil
	}
	if req.OrderID == "" || req.Reference == "" {
		log.Warn("Settlement rejected: missing order id or reference")
		return e.record(req.Source, OutcomeRejected), nil
	}

	now := e.now().UTC()
	paidAt := now
	if req.PaidAt != nil {
		paidAt = req.PaidAt.UTC()
	}

	update := models.TrackingUpdate{
		Status:    models.OrderStatusPaymentConfirmed,
		Message:   "Payment confirmed; funds held in escrow",
		Timestamp: now,
	}

	applied, err := e.ledger.MarkOrderPaid(ctx, req.OrderID, req.Reference, paidAt, update)
	if err != nil {
		util.SettlementErrorsTotal.WithLabelValues(string(req.Source)).Inc()
		util.FailSpan(span, err)
		log.Error("Settlement write failed", zap.Error(err))
		return "", fmt.Errorf("settle order %s: %w", req.OrderID, err)
	}

	if !applied {
		log.Info("Order already settled")
		return e.record(req.Source, OutcomeAlreadySettled), nil
	}

	log.Info("Order settled; escrow held")

	// The row has flipped; the rest must run even if the caller goes away.
	followCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postSettleTimeout)
	defer cancel()
	e.afterSettle(followCtx, req)

	return e.record(req.Source, OutcomeApplied), nil
}

// afterSettle runs the once-per-order follow-ups of a winning settlement.
// Failures here are logged and never undo the payment confirmation.
func (e *SettlementEngine) afterSettle(ctx context.Context, req SettlementRequest) {
	report, err := e.inventory.Apply(ctx, req.OrderID)
	if err != nil {
		e.logger.Error("Inventory adjustment failed",
			zap.String("order_id", req.OrderID),
			zap.Error(err))
	}

	event := &models.PaymentSettledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentSettled),
		OrderID:   req.OrderID,
		Reference: req.Reference,
		Source:    string(req.Source),
	}
	if report != nil {
		event.VendorIDs = models.VendorIDs(report.Items)
	}

	order, err := e.ledger.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		e.logger.Warn("Could not load settled order for event", zap.String("order_id", req.OrderID), zap.Error(err))
	} else {
		event.BuyerID = order.BuyerID
		event.Total = order.Total
	}

	if err := e.publisher.PublishPaymentSettled(ctx, event); err != nil {
		e.logger.Error("Failed to publish PaymentSettled event",
			zap.String("order_id", req.OrderID),
			zap.Error(err))
	}
}

// Release pays out held escrow once the buyer confirms delivery
func (e *SettlementEngine) Release(ctx context.Context, orderID string) (Outcome, error) {
	return e.transition(ctx, orderID, models.EscrowStatusReleased, models.OrderStatusCompleted,
		"Delivery confirmed; escrow released to vendor", models.EventTypeEscrowReleased)
}

// Refund returns held escrow to the buyer and cancels the order
func (e *SettlementEngine) Refund(ctx context.Context, orderID string) (Outcome, error) {
	return e.transition(ctx, orderID, models.EscrowStatusRefunded, models.OrderStatusCancelled,
		"Order cancelled; escrow refunded to buyer", models.EventTypeEscrowRefunded)
}

func (e *SettlementEngine) transition(ctx context.Context, orderID, to, status, message, eventType string) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Transition",
		attribute.String("order_id", orderID),
		attribute.String("to", to))
	defer span.End()

	update := models.TrackingUpdate{Status: status, Message: message, Timestamp: e.now().UTC()}

	applied, err := e.ledger.TransitionEscrow(ctx, orderID, models.EscrowStatusHeld, to, status, update)
	if err != nil {
		util.FailSpan(span, err)
		return "", fmt.Errorf("escrow %s for order %s: %w", to, orderID, err)
	}

	order, err := e.ledger.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return e.recordTransition(to, OutcomeRejected), nil
	}

	if !applied {
		if err != nil {
			return "", fmt.Errorf("escrow %s for order %s: %w", to, orderID, err)
		}
		if order.EscrowStatus == models.EscrowStatusNone {
			// nothing is held before settlement
			return e.recordTransition(to, OutcomeRejected), nil
		}
		return e.recordTransition(to, OutcomeAlreadySettled), nil
	}

	e.logger.Info("Escrow transitioned", zap.String("order_id", orderID), zap.String("escrow_status", to))

	event := &models.EscrowTransitionEvent{
		BaseEvent:    models.NewBaseEvent(eventType),
		OrderID:      orderID,
		EscrowStatus: to,
	}
	if order != nil {
		event.BuyerID = order.BuyerID
	}
	if items, err := e.ledger.GetOrderItemsByOrderID(ctx, orderID); err == nil {
		event.VendorIDs = models.VendorIDs(items)
	}

	if err := e.publisher.PublishEscrowTransition(ctx, event); err != nil {
		e.logger.Error("Failed to publish escrow transition event",
			zap.String("order_id", orderID),
			zap.Error(err))
	}

	return e.recordTransition(to, OutcomeApplied), nil
}

func (e *SettlementEngine) record(source Source, outcome Outcome) Outcome {
	util.SettlementOutcomesTotal.WithLabelValues(string(source), string(outcome)).Inc()
	return outcome
}

func (e *SettlementEngine) recordTransition(to string, outcome Outcome) Outcome {
	util.EscrowTransitionsTotal.WithLabelValues(to, string(outcome)).Inc()
	return outcome
}
