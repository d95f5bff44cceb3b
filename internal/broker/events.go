package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"node-sale-service/internal/models"
	"node-sale-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing purchase lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPurchaseSubmitted publishes PurchaseSubmitted event
func (ep *EventPublisher) PublishPurchaseSubmitted(ctx context.Context, event *models.PurchaseSubmittedEvent) error {
	return ep.producer.PublishEvent(ctx, event.PaymentReference, event)
}

// PublishPurchaseConfirmed publishes PurchaseConfirmed event
func (ep *EventPublisher) PublishPurchaseConfirmed(ctx context.Context, event *models.PurchaseConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, event.PaymentReference, event)
}

// PublishPurchaseFailed publishes PurchaseFailed event
func (ep *EventPublisher) PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error {
	return ep.producer.PublishEvent(ctx, event.PaymentReference, event)
}

// PublishPurchaseOvercommitted publishes PurchaseOvercommitted event
func (ep *EventPublisher) PublishPurchaseOvercommitted(ctx context.Context, event *models.PurchaseOvercommittedEvent) error {
	return ep.producer.PublishEvent(ctx, event.PaymentReference, event)
}

// EventHandler routes incoming purchase events to registered callbacks
type EventHandler struct {
	onOvercommitted func(context.Context, *models.PurchaseOvercommittedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPurchaseOvercommitted registers a handler for PurchaseOvercommitted events
func (eh *EventHandler) OnPurchaseOvercommitted(handler func(context.Context, *models.PurchaseOvercommittedEvent) error) {
	eh.onOvercommitted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePurchaseOvercommitted:
		if eh.onOvercommitted != nil {
			var event models.PurchaseOvercommittedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PurchaseOvercommitted event: %w", err)
			}
			return eh.onOvercommitted(ctx, &event)
		}

	default:
		util.GetLogger().Debug("Ignoring event",
			zap.String("type", baseEvent.EventType),
			zap.String("id", baseEvent.EventID))
	}

	return nil
}
