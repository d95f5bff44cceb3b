package models

import "time"

// Event types
const (
	EventTypePurchaseSubmitted     = "PURCHASE_SUBMITTED"
	EventTypePurchaseConfirmed     = "PURCHASE_CONFIRMED"
	EventTypePurchaseFailed        = "PURCHASE_FAILED"
	EventTypePurchaseOvercommitted = "PURCHASE_OVERCOMMITTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseSubmittedEvent published once a payment reference exists and the
// pending ledger row is durable
type PurchaseSubmittedEvent struct {
	BaseEvent
	PaymentReference string `json:"payment_reference"`
	BuyerAccount     string `json:"buyer_account"`
	Quantity         int    `json:"quantity"`
	TotalCost        int64  `json:"total_cost"`
}

// PurchaseConfirmedEvent published after reconciliation applies the
// inventory increment
type PurchaseConfirmedEvent struct {
	BaseEvent
	PaymentReference string `json:"payment_reference"`
	BuyerAccount     string `json:"buyer_account"`
	Quantity         int    `json:"quantity"`
	TotalCost        int64  `json:"total_cost"`
}

// PurchaseFailedEvent published when the network finalizes a rejection
type PurchaseFailedEvent struct {
	BaseEvent
	PaymentReference string `json:"payment_reference"`
	BuyerAccount     string `json:"buyer_account"`
	Reason           string `json:"reason"`
}

// PurchaseOvercommittedEvent published when a finalized payment lost the
// inventory race; downstream consumers open a refund review
type PurchaseOvercommittedEvent struct {
	BaseEvent
	PaymentReference string `json:"payment_reference"`
	BuyerAccount     string `json:"buyer_account"`
	Quantity         int    `json:"quantity"`
	Amount           int64  `json:"amount"`
}
