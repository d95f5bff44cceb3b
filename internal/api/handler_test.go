package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"node-sale-service/internal/chain"
	"node-sale-service/internal/models"
	"node-sale-service/internal/service"
	"node-sale-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidQuantity, http.StatusBadRequest},
		{service.ErrTermsNotAccepted, http.StatusBadRequest},
		{service.ErrInsufficientFunds, http.StatusPaymentRequired},
		{service.ErrInsufficientInventory, http.StatusConflict},
		{service.ErrSubmissionFailed, http.StatusBadGateway},
		{errors.New("database down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		status, _ := purchaseErrorStatus(tc.err)
		assert.Equal(t, tc.want, status, "error %v", tc.err)
	}
}

func TestOutcomeStatus(t *testing.T) {
	cases := []struct {
		outcome string
		want    int
	}{
		{service.OutcomeConfirmed, http.StatusCreated},
		{service.OutcomeUnknown, http.StatusAccepted},
		{service.OutcomeRejected, http.StatusPaymentRequired},
		{service.OutcomeOvercommitted, http.StatusConflict},
	}

	for _, tc := range cases {
		got := outcomeStatus(&service.PurchaseOutcome{Status: tc.outcome})
		assert.Equal(t, tc.want, got, "outcome %s", tc.outcome)
	}
}

// stubStore backs the read-only routes.
type stubStore struct {
	cfg models.SaleConfig
}

func (s *stubStore) GetSaleConfig(ctx context.Context) (*models.SaleConfig, error) {
	cfg := s.cfg
	return &cfg, nil
}

func (s *stubStore) CreatePendingPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	return errors.New("not implemented")
}

func (s *stubStore) GetPurchase(ctx context.Context, ref string) (*models.PurchaseRecord, error) {
	return nil, nil
}

func (s *stubStore) MarkPurchaseFailed(ctx context.Context, ref string) error {
	return errors.New("not implemented")
}

func (s *stubStore) Reconcile(ctx context.Context, ref string) (store.ReconcileResult, error) {
	return "", errors.New("not implemented")
}

func (s *stubStore) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.PurchaseRecord, error) {
	return nil, nil
}

type stubCache struct{}

func (stubCache) GetAvailability(ctx context.Context) (int64, int, error) {
	return 0, 0, errors.New("cold cache")
}
func (stubCache) SyncAvailability(ctx context.Context, unitPrice int64, available int) error {
	return nil
}
func (stubCache) HoldSlots(ctx context.Context, quantity int) (bool, error) {
	return false, errors.New("cold cache")
}
func (stubCache) ReleaseSlots(ctx context.Context, quantity int) error { return nil }
func (stubCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (stubCache) ReleaseLock(ctx context.Context, key string) error { return nil }

type stubChain struct{}

func (stubChain) Submit(ctx context.Context, from, to string, lamports int64) (string, error) {
	return "", errors.New("not implemented")
}
func (stubChain) PollFinality(ctx context.Context, ref string) (chain.FinalityStatus, error) {
	return "", errors.New("not implemented")
}
func (stubChain) GetBalance(ctx context.Context, account string) (int64, error) {
	return 0, nil
}

type stubEvents struct{}

func (stubEvents) PublishPurchaseSubmitted(ctx context.Context, e *models.PurchaseSubmittedEvent) error {
	return nil
}
func (stubEvents) PublishPurchaseConfirmed(ctx context.Context, e *models.PurchaseConfirmedEvent) error {
	return nil
}
func (stubEvents) PublishPurchaseFailed(ctx context.Context, e *models.PurchaseFailedEvent) error {
	return nil
}
func (stubEvents) PublishPurchaseOvercommitted(ctx context.Context, e *models.PurchaseOvercommittedEvent) error {
	return nil
}

func TestGetSaleRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc := service.NewSaleService(
		&stubStore{cfg: models.SaleConfig{UnitPrice: 100_000_000, TotalInventory: 1000, QuantitySold: 40}},
		stubChain{}, stubCache{}, stubEvents{}, service.Options{})

	router := gin.New()
	NewHandler(svc).SetupRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sale", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unit_price":100000000,"available":960}`, rec.Body.String())
}
