package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"node-sale-service/internal/service"
	"node-sale-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	saleService *service.SaleService
}

// NewHandler creates a new HTTP handler
func NewHandler(saleService *service.SaleService) *Handler {
	return &Handler{
		saleService: saleService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/purchases", h.createPurchase)
		v1.GET("/purchases/:reference", h.getPurchase)
		v1.GET("/sale", h.getSale)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createPurchase handles a purchase attempt
func (h *Handler) createPurchase(c *gin.Context) {
	var req service.PurchaseRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	outcome, err := h.saleService.Purchase(c.Request.Context(), &req)
	if err != nil {
		status, reason := purchaseErrorStatus(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}

	c.JSON(outcomeStatus(outcome), outcome)
}

// getPurchase handles ledger lookup by payment reference
func (h *Handler) getPurchase(c *gin.Context) {
	reference := c.Param("reference")

	rec, err := h.saleService.GetPurchase(c.Request.Context(), reference)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to look up purchase",
			"details": err.Error(),
		})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Purchase not found",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// getSale handles the availability read
func (h *Handler) getSale(c *gin.Context) {
	availability, err := h.saleService.QueryAvailability(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to read sale state",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, availability)
}

// purchaseErrorStatus maps pre-flight errors to HTTP statuses. All of these
// occurred before any payment was submitted.
func purchaseErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrTermsNotAccepted):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, service.ErrInsufficientInventory):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrSubmissionFailed):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "Failed to process purchase"
	}
}

func outcomeStatus(outcome *service.PurchaseOutcome) int {
	switch outcome.Status {
	case service.OutcomeConfirmed:
		return http.StatusCreated
	case service.OutcomeUnknown:
		return http.StatusAccepted
	case service.OutcomeRejected:
		return http.StatusPaymentRequired
	case service.OutcomeOvercommitted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
