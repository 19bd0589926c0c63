package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the producing side of the broker
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	writer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer EventWriter) *EventPublisher {
	return &EventPublisher{writer: writer}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishPaymentSettled publishes PaymentSettled event
func (ep *EventPublisher) PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error {
	return ep.writer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishEscrowTransition publishes EscrowReleased or EscrowRefunded
func (ep *EventPublisher) PublishEscrowTransition(ctx context.Context, event *models.EscrowTransitionEvent) error {
	return ep.writer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes incoming events by type
type EventHandler struct {
	onPaymentSettled   func(context.Context, *models.PaymentSettledEvent) error
	onEscrowTransition func(context.Context, *models.EscrowTransitionEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentSettled registers a handler for PaymentSettled events
func (eh *EventHandler) OnPaymentSettled(handler func(context.Context, *models.PaymentSettledEvent) error) {
	eh.onPaymentSettled = handler
}

// OnEscrowTransition registers a handler for EscrowReleased and EscrowRefunded events
func (eh *EventHandler) OnEscrowTransition(handler func(context.Context, *models.EscrowTransitionEvent) error) {
	eh.onEscrowTransition = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// poison message: log and let the consumer commit past it
		eh.logger.Error("Dropping undecodable event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentSettled:
		if eh.onPaymentSettled != nil {
			var event models.PaymentSettledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentSettled event: %w", err)
			}
			return eh.onPaymentSettled(ctx, &event)
		}

	case models.EventTypeEscrowReleased, models.EventTypeEscrowRefunded:
		if eh.onEscrowTransition != nil {
			var event models.EscrowTransitionEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
			}
			return eh.onEscrowTransition(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
