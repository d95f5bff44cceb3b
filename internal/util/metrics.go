package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesAttemptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_attempted_total",
		Help: "Total number of purchase attempts",
	})

	PurchasesRejectedPreflightTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_rejected_preflight_total",
		Help: "Total number of purchase attempts rejected before submission",
	}, []string{"reason"})

	PurchasesSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_submitted_total",
		Help: "Total number of payments submitted to the network",
	})

	PurchasesConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_confirmed_total",
		Help: "Total number of purchases confirmed and reconciled",
	})

	PurchasesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Total number of purchases whose payment finalized as failed",
	})

	PurchasesUnknownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_unknown_total",
		Help: "Total number of purchases returned to callers as unknown",
	})

	PurchasesOvercommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_overcommitted_total",
		Help: "Total number of confirmed payments that lost the inventory race",
	})

	RefundsFlaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_flagged_total",
		Help: "Total number of refund requests opened for review",
	})

	PendingRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pending_purchases_recovered_total",
		Help: "Pending purchases resolved by the recovery sweep",
	}, []string{"outcome"})

	FinalityPollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finality_poll_latency_seconds",
		Help:    "Latency of a single finality poll against the payment network",
		Buckets: prometheus.DefBuckets,
	})

	ConfirmationWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "confirmation_wait_seconds",
		Help:    "Total time spent waiting for payment finality",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
