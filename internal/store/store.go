package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"node-sale-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the durable side of the sale: the sale configuration row and the
// purchase ledger. All cross-instance serialization happens here, never in
// process memory.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetSaleConfig returns the current sale configuration as a committed read.
func (s *Store) GetSaleConfig(ctx context.Context) (*models.SaleConfig, error) {
	var cfg models.SaleConfig
	err := s.db.GetContext(ctx, &cfg, "SELECT * FROM sale_config ORDER BY id LIMIT 1")
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sale config not found")
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReconcileResult is the outcome of one reconciliation attempt.
type ReconcileResult string

const (
	// ReconcileApplied: the inventory increment was applied and the record
	// is now CONFIRMED.
	ReconcileApplied ReconcileResult = "APPLIED"
	// ReconcileAlreadyApplied: a previous run already confirmed the record;
	// nothing changed.
	ReconcileAlreadyApplied ReconcileResult = "ALREADY_APPLIED"
	// ReconcileOvercommitted: the payment finalized but inventory was
	// exhausted; the record is OVERCOMMITTED and a refund request exists.
	ReconcileOvercommitted ReconcileResult = "OVERCOMMITTED"
)

// Reconcile applies a finalized payment to the shared quantity_sold counter,
// exactly once per payment reference. The purchase row and the sale-config
// row are both locked FOR UPDATE so the read-check-write runs as one unit
// across all service instances.
//
// The payment has already succeeded on the network by the time this runs.
// When capacity cannot accommodate it the record is marked OVERCOMMITTED and
// a refund request is opened in the same transaction; the purchase is never
// silently dropped.
func (s *Store) Reconcile(ctx context.Context, paymentReference string) (ReconcileResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	var rec models.PurchaseRecord
	err = tx.GetContext(ctx, &rec,
		"SELECT * FROM purchases WHERE payment_reference = $1 FOR UPDATE", paymentReference)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("purchase not found: %s", paymentReference)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock purchase: %w", err)
	}

	switch rec.Status {
	case models.PurchaseStatusConfirmed:
		return ReconcileAlreadyApplied, nil
	case models.PurchaseStatusOvercommitted:
		return ReconcileOvercommitted, nil
	case models.PurchaseStatusFailed:
		return "", fmt.Errorf("cannot reconcile failed purchase: %s", paymentReference)
	}

	var cfg models.SaleConfig
	err = tx.GetContext(ctx, &cfg,
		"SELECT * FROM sale_config ORDER BY id LIMIT 1 FOR UPDATE")
	if err != nil {
		return "", fmt.Errorf("failed to lock sale config: %w", err)
	}

	if cfg.QuantitySold+rec.Quantity > cfg.TotalInventory {
		_, err = tx.ExecContext(ctx,
			"UPDATE purchases SET status = $1 WHERE payment_reference = $2",
			models.PurchaseStatusOvercommitted, paymentReference)
		if err != nil {
			return "", fmt.Errorf("failed to mark purchase overcommitted: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO refund_requests (payment_reference, buyer_account, amount, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (payment_reference) DO NOTHING`,
			paymentReference, rec.BuyerAccount, rec.TotalCost, models.RefundStatusOpen)
		if err != nil {
			return "", fmt.Errorf("failed to open refund request: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit reconcile tx: %w", err)
		}
		return ReconcileOvercommitted, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE sale_config SET quantity_sold = quantity_sold + $1, version = version + 1, updated_at = NOW() WHERE id = $2",
		rec.Quantity, cfg.ID)
	if err != nil {
		return "", fmt.Errorf("failed to update quantity sold: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE purchases SET status = $1, confirmed_at = NOW() WHERE payment_reference = $2",
		models.PurchaseStatusConfirmed, paymentReference)
	if err != nil {
		return "", fmt.Errorf("failed to confirm purchase: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reconcile tx: %w", err)
	}
	return ReconcileApplied, nil
}
