package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"node-sale-service/internal/chain"
	"node-sale-service/internal/models"
	"node-sale-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore implements SaleStore in memory with the same serialization
// guarantees the Postgres store provides via row locks.
type fakeStore struct {
	mu        sync.Mutex
	cfg       models.SaleConfig
	purchases map[string]*models.PurchaseRecord
	refunds   map[string]*models.RefundRequest
	createErr error
}

func newFakeStore(unitPrice int64, total, sold int) *fakeStore {
	return &fakeStore{
		cfg: models.SaleConfig{
			ID:               1,
			UnitPrice:        unitPrice,
			TotalInventory:   total,
			QuantitySold:     sold,
			RecipientAccount: "treasury",
			Version:          1,
		},
		purchases: make(map[string]*models.PurchaseRecord),
		refunds:   make(map[string]*models.RefundRequest),
	}
}

func (f *fakeStore) GetSaleConfig(ctx context.Context) (*models.SaleConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.cfg
	return &cfg, nil
}

func (f *fakeStore) CreatePendingPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	rec.CreatedAt = time.Now()
	clone := *rec
	f.purchases[rec.PaymentReference] = &clone
	return nil
}

func (f *fakeStore) GetPurchase(ctx context.Context, ref string) (*models.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.purchases[ref]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeStore) MarkPurchaseFailed(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.purchases[ref]; ok && rec.Status == models.PurchaseStatusPending {
		rec.Status = models.PurchaseStatusFailed
	}
	return nil
}

func (f *fakeStore) Reconcile(ctx context.Context, ref string) (store.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.purchases[ref]
	if !ok {
		return "", fmt.Errorf("purchase not found: %s", ref)
	}

	switch rec.Status {
	case models.PurchaseStatusConfirmed:
		return store.ReconcileAlreadyApplied, nil
	case models.PurchaseStatusOvercommitted:
		return store.ReconcileOvercommitted, nil
	case models.PurchaseStatusFailed:
		return "", fmt.Errorf("cannot reconcile failed purchase: %s", ref)
	}

	if f.cfg.QuantitySold+rec.Quantity > f.cfg.TotalInventory {
		rec.Status = models.PurchaseStatusOvercommitted
		if _, exists := f.refunds[ref]; !exists {
			f.refunds[ref] = &models.RefundRequest{
				PaymentReference: ref,
				BuyerAccount:     rec.BuyerAccount,
				Amount:           rec.TotalCost,
				Status:           models.RefundStatusOpen,
			}
		}
		return store.ReconcileOvercommitted, nil
	}

	f.cfg.QuantitySold += rec.Quantity
	f.cfg.Version++
	rec.Status = models.PurchaseStatusConfirmed
	now := time.Now()
	rec.ConfirmedAt = &now
	return store.ReconcileApplied, nil
}

func (f *fakeStore) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PurchaseRecord
	for _, rec := range f.purchases {
		if rec.Status == models.PurchaseStatusPending && rec.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) quantitySold() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.QuantitySold
}

func (f *fakeStore) setQuantitySold(sold int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.QuantitySold = sold
}

func (f *fakeStore) purchaseStatus(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.purchases[ref]; ok {
		return rec.Status
	}
	return ""
}

func (f *fakeStore) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

// fakeChain is a deterministic payment network.
type fakeChain struct {
	mu              sync.Mutex
	balances        map[string]int64
	submitErr       error
	submitCount     int
	nextRef         int
	finality        map[string]chain.FinalityStatus
	defaultFinality chain.FinalityStatus
	onPoll          func(ref string)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:        make(map[string]int64),
		finality:        make(map[string]chain.FinalityStatus),
		defaultFinality: chain.FinalityPending,
	}
}

func (f *fakeChain) Submit(ctx context.Context, from, to string, lamports int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitCount++
	f.nextRef++
	return fmt.Sprintf("sig-%d", f.nextRef), nil
}

func (f *fakeChain) PollFinality(ctx context.Context, ref string) (chain.FinalityStatus, error) {
	f.mu.Lock()
	hook := f.onPoll
	status, ok := f.finality[ref]
	if !ok {
		status = f.defaultFinality
	}
	f.mu.Unlock()

	if hook != nil {
		hook(ref)
	}
	return status, nil
}

func (f *fakeChain) GetBalance(ctx context.Context, account string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *fakeChain) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCount
}

// fakeCache implements AvailabilityCache in memory.
type fakeCache struct {
	mu        sync.Mutex
	unitPrice int64
	slots     int
	synced    bool
	broken    bool // HoldSlots and GetAvailability error out
	locks     map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{locks: make(map[string]bool)}
}

func (f *fakeCache) GetAvailability(ctx context.Context) (int64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken || !f.synced {
		return 0, 0, errors.New("availability not cached")
	}
	return f.unitPrice, f.slots, nil
}

func (f *fakeCache) SyncAvailability(ctx context.Context, unitPrice int64, available int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unitPrice = unitPrice
	f.slots = available
	f.synced = true
	return nil
}

func (f *fakeCache) HoldSlots(ctx context.Context, quantity int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken || !f.synced {
		return false, errors.New("slot counter not initialized")
	}
	if f.slots >= quantity {
		f.slots -= quantity
		return true, nil
	}
	return false, nil
}

func (f *fakeCache) ReleaseSlots(ctx context.Context, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots += quantity
	return nil
}

func (f *fakeCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeCache) ReleaseLock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

// fakeEvents records published events.
type fakeEvents struct {
	mu            sync.Mutex
	submitted     []*models.PurchaseSubmittedEvent
	confirmed     []*models.PurchaseConfirmedEvent
	failed        []*models.PurchaseFailedEvent
	overcommitted []*models.PurchaseOvercommittedEvent
}

func (f *fakeEvents) PublishPurchaseSubmitted(ctx context.Context, e *models.PurchaseSubmittedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, e)
	return nil
}

func (f *fakeEvents) PublishPurchaseConfirmed(ctx context.Context, e *models.PurchaseConfirmedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, e)
	return nil
}

func (f *fakeEvents) PublishPurchaseFailed(ctx context.Context, e *models.PurchaseFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
	return nil
}

func (f *fakeEvents) PublishPurchaseOvercommitted(ctx context.Context, e *models.PurchaseOvercommittedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overcommitted = append(f.overcommitted, e)
	return nil
}

func (f *fakeEvents) counts() (submitted, confirmed, failed, overcommitted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), len(f.confirmed), len(f.failed), len(f.overcommitted)
}

func fastOptions() Options {
	return Options{
		BackoffStart:    5 * time.Millisecond,
		BackoffCap:      20 * time.Millisecond,
		ConfirmDeadline: 500 * time.Millisecond,
	}
}

func newTestService(st *fakeStore, ch *fakeChain, cache *fakeCache, opts Options) (*SaleService, *fakeEvents) {
	events := &fakeEvents{}
	return NewSaleService(st, ch, cache, events, opts), events
}

func validRequest() *PurchaseRequest {
	return &PurchaseRequest{
		BuyerAccount:  "buyer-1",
		Quantity:      1,
		TermsAccepted: true,
	}
}

func TestPurchaseInvalidQuantity(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	req := validRequest()
	req.Quantity = 0

	_, err := svc.Purchase(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Zero(t, ch.submits())
}

func TestPurchaseTermsNotAccepted(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	req := validRequest()
	req.TermsAccepted = false

	_, err := svc.Purchase(context.Background(), req)
	assert.ErrorIs(t, err, ErrTermsNotAccepted)
	assert.Zero(t, ch.submits())
}

func TestPurchaseInsufficientInventoryPrecheck(t *testing.T) {
	st := newFakeStore(100, 10, 9)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	req := validRequest()
	req.Quantity = 2

	_, err := svc.Purchase(context.Background(), req)
	assert.ErrorIs(t, err, ErrInsufficientInventory)
	assert.Zero(t, ch.submits())
}

func TestPurchaseInsufficientFundsBeforeSubmission(t *testing.T) {
	// Quote literal: 0.85 SOL per node, 3 nodes = 2.55 SOL. A buyer holding
	// 2 SOL must be stopped before anything reaches the network.
	unitPrice := int64(850_000_000)
	st := newFakeStore(unitPrice, 100, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 2 * models.LamportsPerSOL
	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	req := validRequest()
	req.Quantity = 3

	_, err := svc.Purchase(context.Background(), req)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Zero(t, ch.submits(), "no network submission may occur on insufficient funds")
}

func TestPurchaseSubmissionFailed(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	ch.submitErr = errors.New("signing rejected")
	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	_, err := svc.Purchase(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Zero(t, st.quantitySold())
	assert.Empty(t, st.purchases, "no record may exist for an unsubmitted payment")
}

func TestPurchaseConfirmed(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	ch.defaultFinality = chain.FinalitySuccess
	cache := newFakeCache()
	require.NoError(t, cache.SyncAvailability(context.Background(), 100, 10))
	svc, events := newTestService(st, ch, cache, fastOptions())

	req := validRequest()
	req.Quantity = 2

	outcome, err := svc.Purchase(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	assert.NotEmpty(t, outcome.PaymentReference)

	assert.Equal(t, models.PurchaseStatusConfirmed, st.purchaseStatus(outcome.PaymentReference))
	assert.Equal(t, 2, st.quantitySold())

	submitted, confirmed, _, _ := events.counts()
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, confirmed)

	// The read model reflects the reconciled write.
	avail, err := svc.QueryAvailability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, avail.Available)
}

func TestPurchaseRejectedByNetwork(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	ch.defaultFinality = chain.FinalityFailed
	svc, events := newTestService(st, ch, newFakeCache(), fastOptions())

	outcome, err := svc.Purchase(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome.Status)

	assert.Equal(t, models.PurchaseStatusFailed, st.purchaseStatus(outcome.PaymentReference))
	assert.Zero(t, st.quantitySold(), "rejected payment must not change inventory")

	_, _, failed, _ := events.counts()
	assert.Equal(t, 1, failed)
}

func TestPurchaseUnknownOnDeadline(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	// Finality never resolves.
	opts := fastOptions()
	opts.ConfirmDeadline = 60 * time.Millisecond
	svc, _ := newTestService(st, ch, newFakeCache(), opts)

	outcome, err := svc.Purchase(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, outcome.Status)
	assert.NotEmpty(t, outcome.PaymentReference)

	// The record stays PENDING for the recovery sweep, never FAILED.
	assert.Equal(t, models.PurchaseStatusPending, st.purchaseStatus(outcome.PaymentReference))
	assert.Zero(t, st.quantitySold())
}

func TestPendingRecordExistsBeforeFirstPoll(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	ch.defaultFinality = chain.FinalitySuccess

	var recordSeen bool
	ch.onPoll = func(ref string) {
		rec, _ := st.GetPurchase(context.Background(), ref)
		recordSeen = rec != nil
	}

	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	outcome, err := svc.Purchase(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	assert.True(t, recordSeen, "pending row must be durable before the first finality poll")
}

func TestPurchaseOvercommittedAfterRace(t *testing.T) {
	st := newFakeStore(100, 10, 9)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	ch.defaultFinality = chain.FinalitySuccess
	// Concurrent buyers exhaust inventory between the advisory pre-check
	// and finality.
	ch.onPoll = func(ref string) {
		st.setQuantitySold(10)
	}

	svc, events := newTestService(st, ch, newFakeCache(), fastOptions())

	outcome, err := svc.Purchase(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOvercommitted, outcome.Status)

	assert.Equal(t, models.PurchaseStatusOvercommitted, st.purchaseStatus(outcome.PaymentReference))
	assert.Equal(t, 10, st.quantitySold(), "overcommit must not push the counter past capacity")
	assert.Equal(t, 1, st.refundCount(), "overcommitted purchase must be flagged for refund")

	_, _, _, overcommitted := events.counts()
	assert.Equal(t, 1, overcommitted)
}

func TestCallerStopsWaitingAfterSubmission(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	ch.balances["buyer-1"] = 1_000_000
	// Finality never resolves within the test.
	opts := fastOptions()
	opts.ConfirmDeadline = 5 * time.Second
	svc, _ := newTestService(st, ch, newFakeCache(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := svc.Purchase(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, outcome.Status)
	assert.NotEmpty(t, outcome.PaymentReference, "caller must still receive the reference")
	assert.Equal(t, models.PurchaseStatusPending, st.purchaseStatus(outcome.PaymentReference))
}

func TestConcurrentPurchasesNeverOversell(t *testing.T) {
	// totalInventory=10, quantitySold=8: of five concurrent single-node
	// buys, exactly two may confirm. The rest fail the pre-check or end up
	// overcommitted with a refund flag; none silently succeed.
	st := newFakeStore(100, 10, 8)
	ch := newFakeChain()
	ch.defaultFinality = chain.FinalitySuccess
	cache := newFakeCache()
	cache.broken = true // force every attempt past the advisory gate

	svc, events := newTestService(st, ch, cache, fastOptions())

	var wg sync.WaitGroup
	outcomes := make([]*PurchaseOutcome, 5)
	errs := make([]error, 5)

	for i := 0; i < 5; i++ {
		buyer := fmt.Sprintf("buyer-%d", i)
		ch.mu.Lock()
		ch.balances[buyer] = 1_000_000
		ch.mu.Unlock()

		wg.Add(1)
		go func(i int, buyer string) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Purchase(context.Background(), &PurchaseRequest{
				BuyerAccount:  buyer,
				Quantity:      1,
				TermsAccepted: true,
			})
		}(i, buyer)
	}
	wg.Wait()

	confirmed, overcommitted, rejectedEarly := 0, 0, 0
	for i := 0; i < 5; i++ {
		switch {
		case errs[i] != nil:
			assert.ErrorIs(t, errs[i], ErrInsufficientInventory)
			rejectedEarly++
		case outcomes[i].Status == OutcomeConfirmed:
			confirmed++
		case outcomes[i].Status == OutcomeOvercommitted:
			overcommitted++
		default:
			t.Fatalf("unexpected outcome: %+v", outcomes[i])
		}
	}

	assert.Equal(t, 2, confirmed, "exactly two buyers may confirm")
	assert.Equal(t, 5, confirmed+overcommitted+rejectedEarly)
	assert.Equal(t, 10, st.quantitySold(), "inventory counter must end exactly at capacity")
	assert.Equal(t, overcommitted, st.refundCount(), "every overcommit must carry a refund flag")

	_, confirmedEvents, _, overcommittedEvents := events.counts()
	assert.Equal(t, confirmed, confirmedEvents)
	assert.Equal(t, overcommitted, overcommittedEvents)
}

func TestReconcileIdempotentPerReference(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	rec := &models.PurchaseRecord{
		PaymentReference: "sig-repeat",
		BuyerAccount:     "buyer-1",
		Quantity:         3,
		UnitPrice:        100,
		TotalCost:        300,
		Status:           models.PurchaseStatusPending,
	}
	require.NoError(t, st.CreatePendingPurchase(context.Background(), rec))

	first, err := st.Reconcile(context.Background(), "sig-repeat")
	require.NoError(t, err)
	assert.Equal(t, store.ReconcileApplied, first)
	assert.Equal(t, 3, st.quantitySold())

	second, err := st.Reconcile(context.Background(), "sig-repeat")
	require.NoError(t, err)
	assert.Equal(t, store.ReconcileAlreadyApplied, second)
	assert.Equal(t, 3, st.quantitySold(), "running reconciliation twice must apply the delta once")
}

func TestQueryAvailabilityFallsBackToStore(t *testing.T) {
	st := newFakeStore(250, 1000, 40)
	svc, _ := newTestService(st, newFakeChain(), newFakeCache(), fastOptions())

	avail, err := svc.QueryAvailability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(250), avail.UnitPrice)
	assert.Equal(t, 960, avail.Available)
}

func TestReconcilerRecoversPendingPurchase(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	cache := newFakeCache()
	svc, events := newTestService(st, ch, cache, fastOptions())

	// A purchase left PENDING by a crash between submission and finality.
	rec := &models.PurchaseRecord{
		PaymentReference: "sig-orphan",
		BuyerAccount:     "buyer-1",
		Quantity:         2,
		UnitPrice:        100,
		TotalCost:        200,
		Status:           models.PurchaseStatusPending,
	}
	require.NoError(t, st.CreatePendingPurchase(context.Background(), rec))
	st.purchases["sig-orphan"].CreatedAt = time.Now().Add(-time.Hour)

	ch.mu.Lock()
	ch.finality["sig-orphan"] = chain.FinalitySuccess
	ch.mu.Unlock()

	r := NewReconciler(svc, ReconcilerOptions{GracePeriod: time.Minute})
	require.NoError(t, r.Sweep(context.Background()))

	assert.Equal(t, models.PurchaseStatusConfirmed, st.purchaseStatus("sig-orphan"))
	assert.Equal(t, 2, st.quantitySold())

	_, confirmed, _, _ := events.counts()
	assert.Equal(t, 1, confirmed)

	// A second sweep is a no-op.
	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, 2, st.quantitySold())
}

func TestReconcilerMarksRejectedPending(t *testing.T) {
	st := newFakeStore(100, 10, 0)
	ch := newFakeChain()
	svc, _ := newTestService(st, ch, newFakeCache(), fastOptions())

	rec := &models.PurchaseRecord{
		PaymentReference: "sig-doomed",
		BuyerAccount:     "buyer-1",
		Quantity:         1,
		UnitPrice:        100,
		TotalCost:        100,
		Status:           models.PurchaseStatusPending,
	}
	require.NoError(t, st.CreatePendingPurchase(context.Background(), rec))
	st.purchases["sig-doomed"].CreatedAt = time.Now().Add(-time.Hour)

	ch.mu.Lock()
	ch.finality["sig-doomed"] = chain.FinalityFailed
	ch.mu.Unlock()

	r := NewReconciler(svc, ReconcilerOptions{GracePeriod: time.Minute})
	require.NoError(t, r.Sweep(context.Background()))

	assert.Equal(t, models.PurchaseStatusFailed, st.purchaseStatus("sig-doomed"))
	assert.Zero(t, st.quantitySold())
}
