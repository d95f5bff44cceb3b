package models

import "time"

// LamportsPerSOL is the number of base units in one SOL. All amounts in
// this service are int64 lamports.
const LamportsPerSOL int64 = 1_000_000_000

// SaleConfig is the shared record governing one node sale.
// Invariant: 0 <= quantity_sold <= total_inventory for every committed read.
type SaleConfig struct {
	ID               int64     `db:"id" json:"id"`
	UnitPrice        int64     `db:"unit_price" json:"unit_price"`
	TotalInventory   int       `db:"total_inventory" json:"total_inventory"`
	QuantitySold     int       `db:"quantity_sold" json:"quantity_sold"`
	RecipientAccount string    `db:"recipient_account" json:"recipient_account"`
	Version          int64     `db:"version" json:"version"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the unsold slot count.
func (c *SaleConfig) Available() int {
	return c.TotalInventory - c.QuantitySold
}

// PurchaseRecord is one entry in the purchase ledger, keyed by the payment
// reference returned by the network at submission time. Records are never
// deleted; failed and overcommitted rows remain for audit.
type PurchaseRecord struct {
	PaymentReference string     `db:"payment_reference" json:"payment_reference"`
	BuyerAccount     string     `db:"buyer_account" json:"buyer_account"`
	Quantity         int        `db:"quantity" json:"quantity"`
	UnitPrice        int64      `db:"unit_price" json:"unit_price"`
	TotalCost        int64      `db:"total_cost" json:"total_cost"`
	Status           string     `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	ConfirmedAt      *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// Purchase statuses
const (
	PurchaseStatusPending       = "PENDING"
	PurchaseStatusConfirmed     = "CONFIRMED"
	PurchaseStatusFailed        = "FAILED"
	PurchaseStatusOvercommitted = "OVERCOMMITTED"
)

// RefundRequest flags a purchase whose payment finalized but whose
// inventory allocation could not be honored. The transfer cannot be undone
// by this service, so the row feeds an operations review queue instead.
type RefundRequest struct {
	ID               int64     `db:"id" json:"id"`
	PaymentReference string    `db:"payment_reference" json:"payment_reference"`
	BuyerAccount     string    `db:"buyer_account" json:"buyer_account"`
	Amount           int64     `db:"amount" json:"amount"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Refund request statuses
const (
	RefundStatusOpen     = "OPEN"
	RefundStatusResolved = "RESOLVED"
)
