package service

import (
	"context"
	"time"

	"node-sale-service/internal/chain"
	"node-sale-service/internal/util"

	"go.uber.org/zap"
)

const sweepLockKey = "pending-sweep"

// ReconcilerOptions tunes the recovery sweep.
type ReconcilerOptions struct {
	Interval    time.Duration // how often to sweep
	GracePeriod time.Duration // leave young pending rows to their own confirmation loop
	BatchSize   int
}

func (o *ReconcilerOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 3 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

// Reconciler re-polls PENDING purchases that outlived their interactive
// confirmation window and drives them to a terminal state. Safe to run on
// every instance: a Redis lock keeps sweeps from piling up, and the store's
// Reconcile is idempotent per reference regardless.
type Reconciler struct {
	svc    *SaleService
	logger *zap.Logger
	opts   ReconcilerOptions
}

// NewReconciler creates a new reconciler
func NewReconciler(svc *SaleService, opts ReconcilerOptions) *Reconciler {
	opts.withDefaults()
	return &Reconciler{
		svc:    svc,
		logger: util.GetLogger(),
		opts:   opts,
	}
}

// Run sweeps on an interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Starting pending-purchase reconciler",
		zap.Duration("interval", r.opts.Interval),
		zap.Duration("grace_period", r.opts.GracePeriod))

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopping")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("Recovery sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep resolves one batch of overdue pending purchases.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.Sweep")
	defer span.End()

	locked, err := r.svc.cache.AcquireLock(ctx, sweepLockKey, r.opts.Interval)
	if err != nil {
		r.logger.Warn("Sweep lock unavailable, proceeding anyway", zap.Error(err))
	} else if !locked {
		return nil
	} else {
		defer func() {
			if err := r.svc.cache.ReleaseLock(context.Background(), sweepLockKey); err != nil {
				r.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	cutoff := time.Now().Add(-r.opts.GracePeriod)
	pending, err := r.svc.store.ListPendingPurchases(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return err
	}

	for i := range pending {
		rec := &pending[i]

		status, err := r.svc.chain.PollFinality(ctx, rec.PaymentReference)
		if err != nil {
			r.logger.Warn("Finality poll failed during sweep",
				zap.String("payment_reference", rec.PaymentReference),
				zap.Error(err))
			continue
		}

		switch status {
		case chain.FinalitySuccess:
			outcome := r.svc.settleSuccess(rec)
			util.PendingRecoveredTotal.WithLabelValues(outcome.Status).Inc()
			r.logger.Info("Recovered pending purchase",
				zap.String("payment_reference", rec.PaymentReference),
				zap.String("outcome", outcome.Status))
		case chain.FinalityFailed:
			outcome := r.svc.settleFailure(rec, "payment rejected by network")
			util.PendingRecoveredTotal.WithLabelValues(outcome.Status).Inc()
			r.logger.Info("Recovered pending purchase",
				zap.String("payment_reference", rec.PaymentReference),
				zap.String("outcome", outcome.Status))
		default:
			// Still undetermined; keep the row and try again next sweep.
		}
	}

	return nil
}
