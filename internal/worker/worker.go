package worker

import (
	"context"
	"errors"

	"escrow-service/internal/broker"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consuming side of the broker
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Dispatcher reacts to settlement events
type Dispatcher interface {
	HandlePaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error
	HandleEscrowTransition(ctx context.Context, event *models.EscrowTransitionEvent) error
}

// NotificationWorker feeds order events from Kafka to the notification dispatcher
type NotificationWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer MessageSource, dispatcher Dispatcher) *NotificationWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSettled(dispatcher.HandlePaymentSettled)
	eventHandler.OnEscrowTransition(dispatcher.HandleEscrowTransition)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.Named("worker"),
	}
}

// Start blocks consuming events until ctx is cancelled. Cancellation is a
// clean stop, not an error.
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
