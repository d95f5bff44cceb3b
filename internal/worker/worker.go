package worker

import (
	"context"

	"node-sale-service/internal/broker"
	"node-sale-service/internal/models"
	"node-sale-service/internal/store"
	"node-sale-service/internal/util"

	"go.uber.org/zap"
)

// CompensationWorker consumes purchase events and keeps the refund review
// queue complete: every overcommitted purchase must end with an open refund
// request, even when the event is a replay. Refunds themselves are executed
// out of band by operations; this service never moves money back.
type CompensationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        *store.Store
	logger       *zap.Logger
}

// NewCompensationWorker creates a new compensation worker
func NewCompensationWorker(consumer *broker.Consumer, st *store.Store) *CompensationWorker {
	w := &CompensationWorker{
		consumer: consumer,
		store:    st,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnPurchaseOvercommitted(w.handleOvercommitted)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *CompensationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting compensation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CompensationWorker) Stop() error {
	w.logger.Info("Stopping compensation worker")
	return w.consumer.Close()
}

// handleOvercommitted ensures a refund request row exists for the event.
// The insert is keyed by payment reference, so replays are no-ops.
func (w *CompensationWorker) handleOvercommitted(ctx context.Context, event *models.PurchaseOvercommittedEvent) error {
	err := w.store.CreateRefundRequest(ctx, &models.RefundRequest{
		PaymentReference: event.PaymentReference,
		BuyerAccount:     event.BuyerAccount,
		Amount:           event.Amount,
	})
	if err != nil {
		return err
	}

	w.logger.Warn("Refund review flagged for overcommitted purchase",
		zap.String("payment_reference", event.PaymentReference),
		zap.String("buyer_account", event.BuyerAccount),
		zap.Int64("amount", event.Amount))
	return nil
}
