package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"node-sale-service/internal/models"
)

// CreatePendingPurchase writes the PENDING ledger row for a freshly
// submitted payment. This runs before the first finality poll so a crash
// after submission leaves a recoverable trace instead of lost money.
func (s *Store) CreatePendingPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	query := `
		INSERT INTO purchases (payment_reference, buyer_account, quantity, unit_price, total_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	return s.db.GetContext(ctx, &rec.CreatedAt, query,
		rec.PaymentReference, rec.BuyerAccount, rec.Quantity,
		rec.UnitPrice, rec.TotalCost, models.PurchaseStatusPending)
}

// GetPurchase retrieves a purchase by payment reference
func (s *Store) GetPurchase(ctx context.Context, paymentReference string) (*models.PurchaseRecord, error) {
	var rec models.PurchaseRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM purchases WHERE payment_reference = $1", paymentReference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkPurchaseFailed records a network-finalized rejection. The inventory
// counter is untouched; the row remains for audit.
func (s *Store) MarkPurchaseFailed(ctx context.Context, paymentReference string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE purchases SET status = $1 WHERE payment_reference = $2 AND status = $3",
		models.PurchaseStatusFailed, paymentReference, models.PurchaseStatusPending)
	return err
}

// ListPendingPurchases returns PENDING purchases older than the cutoff, for
// the recovery sweep to re-poll.
func (s *Store) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.PurchaseRecord, error) {
	var recs []models.PurchaseRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM purchases
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		models.PurchaseStatusPending, olderThan, limit)
	return recs, err
}

// CreateRefundRequest opens a refund review entry for an overcommitted
// purchase. Safe to call twice for the same reference.
func (s *Store) CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_requests (payment_reference, buyer_account, amount, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_reference) DO NOTHING`,
		req.PaymentReference, req.BuyerAccount, req.Amount, models.RefundStatusOpen)
	return err
}

// ListOpenRefundRequests returns refund requests awaiting review.
func (s *Store) ListOpenRefundRequests(ctx context.Context) ([]models.RefundRequest, error) {
	var reqs []models.RefundRequest
	err := s.db.SelectContext(ctx, &reqs,
		"SELECT * FROM refund_requests WHERE status = $1 ORDER BY created_at",
		models.RefundStatusOpen)
	return reqs, err
}

// ResolveRefundRequest marks a refund request handled by operations.
func (s *Store) ResolveRefundRequest(ctx context.Context, paymentReference string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE refund_requests SET status = $1 WHERE payment_reference = $2",
		models.RefundStatusResolved, paymentReference)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("refund request not found: %s", paymentReference)
	}
	return nil
}
