package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"node-sale-service/internal/chain"
	"node-sale-service/internal/models"
	"node-sale-service/internal/store"
	"node-sale-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pre-flight errors. All are returned before any payment reaches the
// network and leave no durable trace.
var (
	ErrInvalidQuantity       = errors.New("quantity must be a positive integer")
	ErrTermsNotAccepted      = errors.New("sale terms not accepted")
	ErrInsufficientInventory = errors.New("not enough nodes available")
	ErrInsufficientFunds     = errors.New("insufficient balance for purchase")
	ErrSubmissionFailed      = errors.New("payment submission failed")
)

// Purchase outcome statuses
const (
	OutcomeConfirmed     = "confirmed"
	OutcomeRejected      = "rejected"
	OutcomeUnknown       = "unknown"
	OutcomeOvercommitted = "overcommitted"
)

// PurchaseRequest is one caller's attempt to buy nodes.
type PurchaseRequest struct {
	BuyerAccount  string `json:"buyer_account" binding:"required"`
	Quantity      int    `json:"quantity"`
	TermsAccepted bool   `json:"terms_accepted"`
}

// PurchaseOutcome is what the interactive caller sees. A confirmed status
// is only ever returned when a CONFIRMED ledger row exists for the
// reference.
type PurchaseOutcome struct {
	Status           string `json:"status"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Availability is the public read of the sale state. Not a reservation.
type Availability struct {
	UnitPrice int64 `json:"unit_price"`
	Available int   `json:"available"`
}

// Options tunes confirmation polling.
type Options struct {
	BackoffStart    time.Duration
	BackoffCap      time.Duration
	ConfirmDeadline time.Duration
}

func (o *Options) withDefaults() {
	if o.BackoffStart <= 0 {
		o.BackoffStart = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Second
	}
	if o.ConfirmDeadline <= 0 {
		o.ConfirmDeadline = 2 * time.Minute
	}
}

// SaleService orchestrates node purchases: advisory validation, payment
// submission, finality confirmation, and the reconciliation that applies a
// confirmed payment to the shared inventory counter.
type SaleService struct {
	store  SaleStore
	chain  chain.Client
	cache  AvailabilityCache
	events PurchaseEvents
	logger *zap.Logger
	opts   Options
}

// NewSaleService creates a new sale service
func NewSaleService(
	saleStore SaleStore,
	chainClient chain.Client,
	cache AvailabilityCache,
	events PurchaseEvents,
	opts Options,
) *SaleService {
	opts.withDefaults()
	return &SaleService{
		store:  saleStore,
		chain:  chainClient,
		cache:  cache,
		events: events,
		logger: util.GetLogger(),
		opts:   opts,
	}
}

// Purchase runs one guarded purchase attempt end to end.
//
// Everything before Submit is advisory and side-effect free: the inventory
// pre-check only stops obviously doomed attempts, and the balance check
// saves the buyer a wasted network fee. The authoritative capacity check is
// the store's Reconcile, which runs only after the network has finalized
// the payment.
func (s *SaleService) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseOutcome, error) {
	ctx, span := util.StartSpan(ctx, "SaleService.Purchase")
	defer span.End()

	util.PurchasesAttemptedTotal.Inc()

	if req.Quantity < 1 {
		util.PurchasesRejectedPreflightTotal.WithLabelValues("invalid_quantity").Inc()
		return nil, ErrInvalidQuantity
	}
	if !req.TermsAccepted {
		util.PurchasesRejectedPreflightTotal.WithLabelValues("terms_not_accepted").Inc()
		return nil, ErrTermsNotAccepted
	}

	cfg, err := s.store.GetSaleConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sale config: %w", err)
	}

	if req.Quantity > cfg.Available() {
		util.PurchasesRejectedPreflightTotal.WithLabelValues("insufficient_inventory").Inc()
		return nil, ErrInsufficientInventory
	}

	held := false
	if ok, holdErr := s.cache.HoldSlots(ctx, req.Quantity); holdErr != nil {
		s.logger.Warn("Advisory slot hold unavailable", zap.Error(holdErr))
	} else if !ok {
		util.PurchasesRejectedPreflightTotal.WithLabelValues("insufficient_inventory").Inc()
		return nil, ErrInsufficientInventory
	} else {
		held = true
	}

	totalCost := cfg.UnitPrice * int64(req.Quantity)

	balance, err := s.chain.GetBalance(ctx, req.BuyerAccount)
	if err != nil {
		s.releaseHold(held, req.Quantity)
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	if balance < totalCost {
		s.releaseHold(held, req.Quantity)
		util.PurchasesRejectedPreflightTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, ErrInsufficientFunds
	}

	// Submission is the last cancellable step: until a reference exists,
	// aborting leaves no residual state.
	ref, err := s.chain.Submit(ctx, req.BuyerAccount, cfg.RecipientAccount, totalCost)
	if err != nil {
		s.releaseHold(held, req.Quantity)
		util.PurchasesRejectedPreflightTotal.WithLabelValues("submission_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	util.PurchasesSubmittedTotal.Inc()

	rec := &models.PurchaseRecord{
		PaymentReference: ref,
		BuyerAccount:     req.BuyerAccount,
		Quantity:         req.Quantity,
		UnitPrice:        cfg.UnitPrice,
		TotalCost:        totalCost,
		Status:           models.PurchaseStatusPending,
	}

	// The PENDING row must be durable before the first finality poll: if
	// the process dies here, the recovery sweep finds the row and resumes
	// polling instead of losing track of money already in flight.
	if err := s.writePendingRecord(rec); err != nil {
		s.logger.Error("Payment submitted but ledger write failed",
			zap.String("payment_reference", ref),
			zap.Error(err))
		util.PurchasesUnknownTotal.Inc()
		return &PurchaseOutcome{
			Status:           OutcomeUnknown,
			PaymentReference: ref,
			Reason:           "payment submitted but not yet recorded; check back later",
		}, nil
	}

	s.publishSubmitted(rec)

	// From here the obligation to reconcile outlives the caller. The
	// confirmation loop runs on its own deadline; a caller that stops
	// waiting gets Unknown while polling continues in the background.
	pollCtx, cancel := context.WithTimeout(context.Background(), s.opts.ConfirmDeadline)

	done := make(chan *PurchaseOutcome, 1)
	go func() {
		defer cancel()
		done <- s.awaitFinality(pollCtx, rec)
	}()

	select {
	case outcome := <-done:
		return outcome, nil
	case <-ctx.Done():
		util.PurchasesUnknownTotal.Inc()
		return &PurchaseOutcome{
			Status:           OutcomeUnknown,
			PaymentReference: ref,
			Reason:           "caller stopped waiting; confirmation continues",
		}, nil
	}
}

// QueryAvailability is a pure read of the sale state, cache first. Callers
// must not treat the result as a reservation.
func (s *SaleService) QueryAvailability(ctx context.Context) (*Availability, error) {
	if unitPrice, available, err := s.cache.GetAvailability(ctx); err == nil {
		return &Availability{UnitPrice: unitPrice, Available: available}, nil
	}

	cfg, err := s.store.GetSaleConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sale config: %w", err)
	}

	if err := s.cache.SyncAvailability(ctx, cfg.UnitPrice, cfg.Available()); err != nil {
		s.logger.Warn("Failed to warm availability cache", zap.Error(err))
	}

	return &Availability{UnitPrice: cfg.UnitPrice, Available: cfg.Available()}, nil
}

// GetPurchase returns the ledger row for one payment reference, or nil.
func (s *SaleService) GetPurchase(ctx context.Context, paymentReference string) (*models.PurchaseRecord, error) {
	return s.store.GetPurchase(ctx, paymentReference)
}

// writePendingRecord retries the ledger write a few times; once a payment
// is in flight a transient database blip must not lose the reference.
func (s *SaleService) writePendingRecord(rec *models.PurchaseRecord) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.store.CreatePendingPurchase(ctx, rec)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return err
}

// awaitFinality polls the network with bounded exponential backoff until
// the payment finalizes or the deadline passes.
func (s *SaleService) awaitFinality(ctx context.Context, rec *models.PurchaseRecord) *PurchaseOutcome {
	start := time.Now()
	defer func() {
		util.ConfirmationWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	delay := s.opts.BackoffStart
	for {
		pollStart := time.Now()
		status, err := s.chain.PollFinality(ctx, rec.PaymentReference)
		util.FinalityPollLatency.Observe(time.Since(pollStart).Seconds())

		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Finality poll failed",
					zap.String("payment_reference", rec.PaymentReference),
					zap.Error(err))
			}
		} else {
			switch status {
			case chain.FinalitySuccess:
				return s.settleSuccess(rec)
			case chain.FinalityFailed:
				return s.settleFailure(rec, "payment rejected by network")
			}
		}

		select {
		case <-ctx.Done():
			// Deadline without proof either way: the record stays PENDING
			// for the recovery sweep, and the caller is told Unknown. The
			// orchestrator never claims a payment failed when it cannot
			// prove that.
			util.PurchasesUnknownTotal.Inc()
			return &PurchaseOutcome{
				Status:           OutcomeUnknown,
				PaymentReference: rec.PaymentReference,
				Reason:           "confirmation deadline exceeded; check back later",
			}
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.opts.BackoffCap {
			delay = s.opts.BackoffCap
		}
	}
}

// settleSuccess applies an observed on-chain success. Money has already
// moved; whatever happens here must leave a durable, non-corrupting trace.
func (s *SaleService) settleSuccess(rec *models.PurchaseRecord) *PurchaseOutcome {
	// Fresh context: a confirmation deadline that expired during the last
	// poll must not abort bookkeeping for a success already observed.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.store.Reconcile(ctx, rec.PaymentReference)
	if err != nil {
		s.logger.Error("Reconciliation failed, recovery sweep will retry",
			zap.String("payment_reference", rec.PaymentReference),
			zap.Error(err))
		util.PurchasesUnknownTotal.Inc()
		return &PurchaseOutcome{
			Status:           OutcomeUnknown,
			PaymentReference: rec.PaymentReference,
			Reason:           "payment confirmed, bookkeeping deferred; check back later",
		}
	}

	s.refreshAvailability(ctx)

	if result == store.ReconcileOvercommitted {
		util.PurchasesOvercommittedTotal.Inc()
		util.RefundsFlaggedTotal.Inc()
		s.logger.Warn("Confirmed payment lost the inventory race",
			zap.String("payment_reference", rec.PaymentReference),
			zap.Int("quantity", rec.Quantity))
		s.publishOvercommitted(rec)
		return &PurchaseOutcome{
			Status:           OutcomeOvercommitted,
			PaymentReference: rec.PaymentReference,
			Reason:           "inventory exhausted after payment; refund review opened",
		}
	}

	util.PurchasesConfirmedTotal.Inc()
	s.logger.Info("Purchase confirmed",
		zap.String("payment_reference", rec.PaymentReference),
		zap.Int("quantity", rec.Quantity))
	s.publishConfirmed(rec)
	return &PurchaseOutcome{
		Status:           OutcomeConfirmed,
		PaymentReference: rec.PaymentReference,
	}
}

// settleFailure records a network-finalized rejection. No inventory change.
func (s *SaleService) settleFailure(rec *models.PurchaseRecord, reason string) *PurchaseOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.MarkPurchaseFailed(ctx, rec.PaymentReference); err != nil {
		s.logger.Error("Failed to mark purchase failed",
			zap.String("payment_reference", rec.PaymentReference),
			zap.Error(err))
	}

	s.refreshAvailability(ctx)

	util.PurchasesFailedTotal.Inc()
	s.publishFailed(rec, reason)
	return &PurchaseOutcome{
		Status:           OutcomeRejected,
		PaymentReference: rec.PaymentReference,
		Reason:           reason,
	}
}

// refreshAvailability resyncs the cached read model from a committed read.
// Incremental cache math drifts; a full resync after every settlement keeps
// the advisory counter honest.
func (s *SaleService) refreshAvailability(ctx context.Context) {
	cfg, err := s.store.GetSaleConfig(ctx)
	if err != nil {
		s.logger.Warn("Failed to re-read sale config for cache sync", zap.Error(err))
		return
	}
	if err := s.cache.SyncAvailability(ctx, cfg.UnitPrice, cfg.Available()); err != nil {
		s.logger.Warn("Failed to sync availability cache", zap.Error(err))
	}
}

func (s *SaleService) releaseHold(held bool, quantity int) {
	if !held {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.ReleaseSlots(ctx, quantity); err != nil {
		s.logger.Warn("Failed to release advisory hold", zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func (s *SaleService) publishSubmitted(rec *models.PurchaseRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	event := &models.PurchaseSubmittedEvent{
		BaseEvent:        newBaseEvent(models.EventTypePurchaseSubmitted),
		PaymentReference: rec.PaymentReference,
		BuyerAccount:     rec.BuyerAccount,
		Quantity:         rec.Quantity,
		TotalCost:        rec.TotalCost,
	}
	if err := s.events.PublishPurchaseSubmitted(ctx, event); err != nil {
		s.logger.Error("Failed to publish PurchaseSubmitted event", zap.Error(err))
	}
}

func (s *SaleService) publishConfirmed(rec *models.PurchaseRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	event := &models.PurchaseConfirmedEvent{
		BaseEvent:        newBaseEvent(models.EventTypePurchaseConfirmed),
		PaymentReference: rec.PaymentReference,
		BuyerAccount:     rec.BuyerAccount,
		Quantity:         rec.Quantity,
		TotalCost:        rec.TotalCost,
	}
	if err := s.events.PublishPurchaseConfirmed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PurchaseConfirmed event", zap.Error(err))
	}
}

func (s *SaleService) publishFailed(rec *models.PurchaseRecord, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	event := &models.PurchaseFailedEvent{
		BaseEvent:        newBaseEvent(models.EventTypePurchaseFailed),
		PaymentReference: rec.PaymentReference,
		BuyerAccount:     rec.BuyerAccount,
		Reason:           reason,
	}
	if err := s.events.PublishPurchaseFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PurchaseFailed event", zap.Error(err))
	}
}

func (s *SaleService) publishOvercommitted(rec *models.PurchaseRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	event := &models.PurchaseOvercommittedEvent{
		BaseEvent:        newBaseEvent(models.EventTypePurchaseOvercommitted),
		PaymentReference: rec.PaymentReference,
		BuyerAccount:     rec.BuyerAccount,
		Quantity:         rec.Quantity,
		Amount:           rec.TotalCost,
	}
	if err := s.events.PublishPurchaseOvercommitted(ctx, event); err != nil {
		s.logger.Error("Failed to publish PurchaseOvercommitted event", zap.Error(err))
	}
}
