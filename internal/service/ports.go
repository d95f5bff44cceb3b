package service

import (
	"context"
	"time"

	"node-sale-service/internal/models"
	"node-sale-service/internal/store"
)

// SaleStore is the durable state the orchestrator needs: the sale
// configuration and the purchase ledger. *store.Store satisfies it; tests
// use an in-memory fake.
type SaleStore interface {
	GetSaleConfig(ctx context.Context) (*models.SaleConfig, error)
	CreatePendingPurchase(ctx context.Context, rec *models.PurchaseRecord) error
	GetPurchase(ctx context.Context, paymentReference string) (*models.PurchaseRecord, error)
	MarkPurchaseFailed(ctx context.Context, paymentReference string) error
	Reconcile(ctx context.Context, paymentReference string) (store.ReconcileResult, error)
	ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.PurchaseRecord, error)
}

// AvailabilityCache is the advisory read model. Everything behind it is
// best-effort; a broken cache degrades latency, never correctness.
type AvailabilityCache interface {
	GetAvailability(ctx context.Context) (unitPrice int64, available int, err error)
	SyncAvailability(ctx context.Context, unitPrice int64, available int) error
	HoldSlots(ctx context.Context, quantity int) (bool, error)
	ReleaseSlots(ctx context.Context, quantity int) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// PurchaseEvents publishes purchase lifecycle events for downstream
// consumers (audit, compensation review).
type PurchaseEvents interface {
	PublishPurchaseSubmitted(ctx context.Context, event *models.PurchaseSubmittedEvent) error
	PublishPurchaseConfirmed(ctx context.Context, event *models.PurchaseConfirmedEvent) error
	PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error
	PublishPurchaseOvercommitted(ctx context.Context, event *models.PurchaseOvercommittedEvent) error
}
