package service

import (
	"context"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification kinds
const (
	NotificationPaymentConfirmed = "payment_confirmed"
	NotificationNewOrder         = "new_order"
	NotificationEscrowReleased   = "escrow_released"
	NotificationEscrowRefunded   = "escrow_refunded"
)

// NotificationDispatcher turns settlement events into buyer and vendor
// notifications. Events are at-least-once, so each event id is handled once
// and a notification's id is derived from its event, recipient and kind. A
// retry after a partial failure rewrites the same rows instead of adding new
// ones.
type NotificationDispatcher struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewNotificationDispatcher creates a new notification dispatcher
func NewNotificationDispatcher(store NotificationStore) *NotificationDispatcher {
	return &NotificationDispatcher{
		store:  store,
		logger: util.Named("notifications"),
	}
}

// HandlePaymentSettled notifies the buyer and every vendor on the order
func (d *NotificationDispatcher) HandlePaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error {
	notes := make([]*models.Notification, 0, len(event.VendorIDs)+1)
	if event.BuyerID != "" {
		notes = append(notes, d.note(event.BaseEvent, event.BuyerID, event.OrderID, NotificationPaymentConfirmed,
			fmt.Sprintf("Payment of %s for order %s confirmed. Funds are held in escrow until delivery.",
				event.Total.StringFixed(2), event.OrderID)))
	}
	for _, vendorID := range event.VendorIDs {
		notes = append(notes, d.note(event.BaseEvent, vendorID, event.OrderID, NotificationNewOrder,
			fmt.Sprintf("Order %s has been paid. Please prepare it for shipping.", event.OrderID)))
	}

	return d.dispatch(ctx, event.BaseEvent, notes)
}

// HandleEscrowTransition tells both sides where the held funds went
func (d *NotificationDispatcher) HandleEscrowTransition(ctx context.Context, event *models.EscrowTransitionEvent) error {
	var buyerMsg, vendorMsg, kind string
	switch event.EscrowStatus {
	case models.EscrowStatusReleased:
		kind = NotificationEscrowReleased
		buyerMsg = fmt.Sprintf("Thanks for confirming delivery of order %s.", event.OrderID)
		vendorMsg = fmt.Sprintf("Escrow for order %s has been released to you.", event.OrderID)
	case models.EscrowStatusRefunded:
		kind = NotificationEscrowRefunded
		buyerMsg = fmt.Sprintf("Order %s was cancelled and your payment refunded.", event.OrderID)
		vendorMsg = fmt.Sprintf("Order %s was cancelled and refunded to the buyer.", event.OrderID)
	default:
		d.logger.Warn("Ignoring escrow event with unexpected status",
			zap.String("event_id", event.EventID),
			zap.String("escrow_status", event.EscrowStatus))
		return nil
	}

	notes := make([]*models.Notification, 0, len(event.VendorIDs)+1)
	if event.BuyerID != "" {
		notes = append(notes, d.note(event.BaseEvent, event.BuyerID, event.OrderID, kind, buyerMsg))
	}
	for _, vendorID := range event.VendorIDs {
		notes = append(notes, d.note(event.BaseEvent, vendorID, event.OrderID, kind, vendorMsg))
	}

	return d.dispatch(ctx, event.BaseEvent, notes)
}

func (d *NotificationDispatcher) note(base models.BaseEvent, userID, orderID, kind, message string) *models.Notification {
	return &models.Notification{
		ID:      notificationID(base.EventID, userID, kind),
		UserID:  userID,
		OrderID: orderID,
		Kind:    kind,
		Message: message,
	}
}

func (d *NotificationDispatcher) dispatch(ctx context.Context, base models.BaseEvent, notes []*models.Notification) error {
	processed, err := d.store.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return fmt.Errorf("failed to check processed event: %w", err)
	}
	if processed {
		d.logger.Info("Event already processed, skipping", zap.String("event_id", base.EventID))
		return nil
	}

	for _, n := range notes {
		if err := d.store.CreateNotification(ctx, n); err != nil {
			return fmt.Errorf("failed to store notification: %w", err)
		}
		util.NotificationsDispatchedTotal.WithLabelValues(n.Kind).Inc()
	}

	if err := d.store.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	d.logger.Info("Notifications dispatched",
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType),
		zap.Int("count", len(notes)))
	return nil
}

func notificationID(eventID, userID, kind string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventID+"|"+userID+"|"+kind)).String()
}
