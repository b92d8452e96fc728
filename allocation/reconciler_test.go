package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierpoint/allocation-engine/allocation"
	"github.com/tierpoint/allocation-engine/loyalty"
	"github.com/tierpoint/allocation-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store      *memory.Store
	reconciler *allocation.Reconciler
	emitter    *captureEmitter
}

// captureEmitter records every emitted event, optionally failing.
type captureEmitter struct {
	mu     sync.Mutex
	events []allocation.NotificationEvent
	fail   error
}

func (c *captureEmitter) Emit(_ context.Context, event allocation.NotificationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureEmitter) all() []allocation.NotificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]allocation.NotificationEvent(nil), c.events...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	emitter := &captureEmitter{}
	rc := allocation.NewReconciler(store, store, store, store,
		loyalty.NewLedger(store, nil), emitter, nil)
	return &fixture{store: store, reconciler: rc, emitter: emitter}
}

func (f *fixture) seedProduct(t *testing.T, id string, stock, pointsPerUnit int64) {
	t.Helper()
	err := f.store.SaveProduct(context.Background(), allocation.Product{
		ID:            allocation.ProductID(id),
		Name:          "Widget " + id,
		Stock:         stock,
		PointsPerUnit: pointsPerUnit,
		Price:         decimal.NewFromInt(25),
	})
	require.NoError(t, err)
}

func (f *fixture) seedRequest(t *testing.T, id, productID, clientID string, quantity int64) {
	t.Helper()
	err := f.store.Create(context.Background(), &allocation.PurchaseRequest{
		ID:        allocation.RequestID(id),
		ProductID: allocation.ProductID(productID),
		ClientID:  allocation.ClientID(clientID),
		Quantity:  quantity,
		UnitPrice: decimal.NewFromInt(25),
	})
	require.NoError(t, err)
}

// =============================================================================
// APPROVAL HAPPY PATH
// =============================================================================

func TestReconciler_Approve_FirstPurchase_AllEffectsApplied(t *testing.T) {
	// GIVEN: 100 units in stock, client has never bought this product
	// WHEN: A request for 5 is approved
	// THEN: Stock 95, client record created at 5, two ledger entries,
	//       50 points credited, snapshot persisted, approval event emitted

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, int64(100), snap.AdminStockBefore)
	assert.Equal(t, int64(95), snap.AdminStockAfter)
	assert.Equal(t, int64(0), snap.ClientStockBefore)
	assert.Equal(t, int64(5), snap.ClientStockAfter)
	assert.True(t, snap.NewClientRecord)
	assert.Equal(t, int64(50), snap.PointsCredited)
	assert.Equal(t, "approver-1", snap.ApprovedBy)

	// Stock really moved
	product, err := f.store.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), product.Stock)

	// Client inventory really created
	inv, err := f.store.ClientInventory(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.Equal(t, int64(5), inv[0].Quantity)

	// Exactly two ledger entries, one of each kind
	entries, err := f.store.ByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	kinds := map[allocation.EntryKind]allocation.LedgerEntry{}
	for _, e := range entries {
		kinds[e.Kind] = e
	}
	assert.Equal(t, int64(100), kinds[allocation.EntryDeduction].PreviousQuantity)
	assert.Equal(t, int64(95), kinds[allocation.EntryDeduction].NewQuantity)
	assert.Equal(t, int64(0), kinds[allocation.EntryAllocation].PreviousQuantity)
	assert.Equal(t, int64(5), kinds[allocation.EntryAllocation].NewQuantity)

	// Points landed
	acct, err := f.store.Account(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Balance)

	// Snapshot is on the request, status approved
	req, err := f.store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusApproved, req.Status)
	require.NotNil(t, req.Snapshot)

	// Notification went out
	events := f.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, allocation.EventRequestApproved, events[0].Type)
	assert.NotNil(t, events[0].Snapshot)
}

func TestReconciler_Approve_RepeatPurchase_IncrementsClientStock(t *testing.T) {
	// GIVEN: Client already holds 5 units from an earlier approval
	// WHEN: A second request for 3 is approved
	// THEN: The record is incremented to 8, not duplicated

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)
	f.seedRequest(t, "req-2", "prod-1", "client-1", 3)

	_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)

	snap, err := f.reconciler.Approve(ctx, "req-2", "approver-1")
	require.NoError(t, err)
	assert.False(t, snap.NewClientRecord)
	assert.Equal(t, int64(5), snap.ClientStockBefore)
	assert.Equal(t, int64(8), snap.ClientStockAfter)

	inv, err := f.store.ClientInventory(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.Equal(t, int64(8), inv[0].Quantity)
}

func TestReconciler_Approve_ArithmeticSymmetry(t *testing.T) {
	// GIVEN: Any approved request
	// THEN: Admin stock lost == client stock gained == request quantity

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 42, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 17)

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)

	deducted := snap.AdminStockBefore - snap.AdminStockAfter
	allocated := snap.ClientStockAfter - snap.ClientStockBefore
	assert.Equal(t, int64(17), deducted)
	assert.Equal(t, int64(17), allocated)
}

func TestReconciler_Approve_ZeroPointProduct_SkipsLoyalty(t *testing.T) {
	// GIVEN: A product that earns no points
	// WHEN: A request is approved
	// THEN: The approval succeeds with zero points and no loyalty account

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 10, 0)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 2)

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.PointsCredited)

	acct, err := f.store.Account(ctx, "client-1")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

// =============================================================================
// DEAL BONUSES
// =============================================================================

func TestReconciler_Approve_ActiveDealBonus_Applied(t *testing.T) {
	// GIVEN: 10 points/unit and an active deal paying 100 bonus at qty >= 10
	// WHEN: A request for 12 is approved
	// THEN: 12*10 + 100 = 220 points credited

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 12)

	now := time.Now().UTC()
	require.NoError(t, f.store.SaveDeal(ctx, allocation.Deal{
		ID: "deal-1", ProductID: "prod-1", MinQuantity: 10, BonusPoints: 100,
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour),
	}))

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)
	assert.Equal(t, int64(220), snap.PointsCredited)
}

func TestReconciler_Approve_ExpiredDeal_NoBonus(t *testing.T) {
	// GIVEN: A deal that ended before the approval instant
	// WHEN: A qualifying request is approved
	// THEN: Base points only; validity is judged at approval time, not
	//       at request submission

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 12)

	now := time.Now().UTC()
	require.NoError(t, f.store.SaveDeal(ctx, allocation.Deal{
		ID: "deal-1", ProductID: "prod-1", MinQuantity: 10, BonusPoints: 100,
		StartsAt: now.Add(-2 * time.Hour), EndsAt: now.Add(-time.Hour),
	}))

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), snap.PointsCredited)
}

// =============================================================================
// DOUBLE PROCESSING
// =============================================================================

func TestReconciler_Approve_Twice_SecondIsNoOp(t *testing.T) {
	// GIVEN: An already-approved request
	// WHEN: Approve is called again
	// THEN: ErrAlreadyProcessed and not a single effect repeats

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)

	_, err = f.reconciler.Approve(ctx, "req-1", "approver-2")
	assert.ErrorIs(t, err, allocation.ErrAlreadyProcessed)

	product, _ := f.store.GetProduct(ctx, "prod-1")
	assert.Equal(t, int64(95), product.Stock, "stock deducted once")

	entries, _ := f.store.ByRequest(ctx, "req-1")
	assert.Len(t, entries, 2, "ledger entries written once")

	acct, _ := f.store.Account(ctx, "client-1")
	assert.Equal(t, int64(50), acct.Balance, "points credited once")
}

func TestReconciler_Approve_Concurrent_ExactlyOnce(t *testing.T) {
	// GIVEN: Ten concurrent approvals of the same request
	// WHEN: All race
	// THEN: One wins, nine get ErrAlreadyProcessed, every effect applies once

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	const racers = 10
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, allocation.ErrAlreadyProcessed)
		}
	}
	assert.Equal(t, 1, wins)

	product, _ := f.store.GetProduct(ctx, "prod-1")
	assert.Equal(t, int64(95), product.Stock)

	entries, _ := f.store.ByRequest(ctx, "req-1")
	assert.Len(t, entries, 2)

	acct, _ := f.store.Account(ctx, "client-1")
	assert.Equal(t, int64(50), acct.Balance)
}

func TestReconciler_ApproveThenReject_RejectIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)

	err = f.reconciler.Reject(ctx, "req-1", "approver-2", "changed my mind")
	assert.ErrorIs(t, err, allocation.ErrAlreadyProcessed)

	req, _ := f.store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusApproved, req.Status)
}

// =============================================================================
// INSUFFICIENT STOCK
// =============================================================================

func TestReconciler_Approve_InsufficientStock_RequestStaysPending(t *testing.T) {
	// GIVEN: 3 units in stock, a request for 5
	// WHEN: Approval is attempted
	// THEN: InsufficientStockError, request back to pending, nothing moved

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 3, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.Error(t, err)
	assert.True(t, allocation.IsRetryable(err))

	var stockErr *allocation.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(3), stockErr.Available)
	assert.Equal(t, int64(5), stockErr.Requested)

	req, _ := f.store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusPending, req.Status, "claim must be released")

	product, _ := f.store.GetProduct(ctx, "prod-1")
	assert.Equal(t, int64(3), product.Stock)

	inv, _ := f.store.ClientInventory(ctx, "client-1")
	assert.Empty(t, inv)

	entries, _ := f.store.ByRequest(ctx, "req-1")
	assert.Empty(t, entries)

	acct, _ := f.store.Account(ctx, "client-1")
	assert.Nil(t, acct)

	assert.Empty(t, f.emitter.all(), "failed approval must not notify")
}

func TestReconciler_Approve_RetryableAfterRestock(t *testing.T) {
	// GIVEN: A request that failed for lack of stock
	// WHEN: The product is restocked and approval retried
	// THEN: The retry succeeds

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 3, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.Error(t, err)

	_, err = f.store.RestockProduct(ctx, "prod-1", 10)
	require.NoError(t, err)

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)
	assert.Equal(t, int64(13), snap.AdminStockBefore)
	assert.Equal(t, int64(8), snap.AdminStockAfter)
}

func TestReconciler_Approve_ConcurrentDistinctRequests_NoOverselling(t *testing.T) {
	// GIVEN: 10 units in stock and 15 pending requests for 1 each
	// WHEN: All are approved concurrently
	// THEN: Exactly 10 succeed, 5 fail retryable, stock is exactly zero

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 10, 10)

	const total = 15
	ids := make([]allocation.RequestID, 0, total)
	for i := 0; i < total; i++ {
		id := allocation.RequestID("req-" + string(rune('a'+i)))
		f.seedRequest(t, string(id), "prod-1", "client-1", 1)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for _, id := range ids {
		wg.Add(1)
		go func(id allocation.RequestID) {
			defer wg.Done()
			_, err := f.reconciler.Approve(ctx, id, "approver-1")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	approved, shortages := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			approved++
		case allocation.IsRetryable(err):
			shortages++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, approved)
	assert.Equal(t, 5, shortages)

	product, _ := f.store.GetProduct(ctx, "prod-1")
	assert.Equal(t, int64(0), product.Stock)

	inv, _ := f.store.ClientInventory(ctx, "client-1")
	require.Len(t, inv, 1)
	assert.Equal(t, int64(10), inv[0].Quantity)
}

// =============================================================================
// REJECTION
// =============================================================================

func TestReconciler_Reject_NoInventoryEffect(t *testing.T) {
	// GIVEN: A pending request
	// WHEN: It is rejected with a reason
	// THEN: Status + reason recorded, zero inventory/ledger/loyalty movement

	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	err := f.reconciler.Reject(ctx, "req-1", "approver-1", "budget exceeded")
	require.NoError(t, err)

	req, _ := f.store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusRejected, req.Status)
	assert.Equal(t, "budget exceeded", req.RejectionReason)
	assert.Equal(t, "approver-1", req.DecidedBy)
	require.NotNil(t, req.DecidedAt)

	product, _ := f.store.GetProduct(ctx, "prod-1")
	assert.Equal(t, int64(100), product.Stock)

	entries, _ := f.store.ByRequest(ctx, "req-1")
	assert.Empty(t, entries)

	acct, _ := f.store.Account(ctx, "client-1")
	assert.Nil(t, acct)

	events := f.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, allocation.EventRequestRejected, events[0].Type)
	assert.Equal(t, "budget exceeded", events[0].Reason)
}

func TestReconciler_Reject_EmptyReason_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	err := f.reconciler.Reject(ctx, "req-1", "approver-1", "")
	require.Error(t, err)
	assert.True(t, allocation.IsClientError(err))

	req, _ := f.store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusPending, req.Status)
}

func TestReconciler_Reject_UnknownRequest_NotFound(t *testing.T) {
	f := newFixture(t)

	err := f.reconciler.Reject(context.Background(), "ghost", "approver-1", "whatever")
	assert.ErrorIs(t, err, allocation.ErrRequestNotFound)
}

// =============================================================================
// VALIDATION & LOOKUP FAILURES
// =============================================================================

func TestReconciler_Approve_UnknownRequest_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Approve(context.Background(), "ghost", "approver-1")
	assert.ErrorIs(t, err, allocation.ErrRequestNotFound)
}

func TestReconciler_Approve_UnknownProduct_NoClaimTaken(t *testing.T) {
	// GIVEN: A request referencing a product that does not exist
	// WHEN: Approval is attempted
	// THEN: ErrProductNotFound and the request is still pending

	f := newFixture(t)
	ctx := context.Background()
	f.seedRequest(t, "req-1", "ghost-product", "client-1", 5)

	_, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	assert.ErrorIs(t, err, allocation.ErrProductNotFound)

	req, _ := f.store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusPending, req.Status)
}

// =============================================================================
// PARTIAL COMPLETION
// =============================================================================

// failingLedger wraps the real ledger store and fails Append on demand.
type failingLedger struct {
	allocation.LedgerStore
	fail error
}

func (f *failingLedger) Append(ctx context.Context, entries []allocation.LedgerEntry) error {
	if f.fail != nil {
		return f.fail
	}
	return f.LedgerStore.Append(ctx, entries)
}

func TestReconciler_Approve_LedgerFailure_PartialCompletion(t *testing.T) {
	// GIVEN: The ledger store fails after the stock already moved
	// WHEN: Approval is attempted
	// THEN: PartialCompletionError naming the stage; deducted stock is NOT
	//       restored and the request stays approved for manual follow-up

	store := memory.New()
	boom := errors.New("disk full")
	ledger := &failingLedger{LedgerStore: store, fail: boom}
	rc := allocation.NewReconciler(store, store, store, ledger,
		loyalty.NewLedger(store, nil), nil, nil)
	ctx := context.Background()

	require.NoError(t, store.SaveProduct(ctx, allocation.Product{
		ID: "prod-1", Name: "Widget", Stock: 100, PointsPerUnit: 10,
		Price: decimal.NewFromInt(25),
	}))
	require.NoError(t, store.Create(ctx, &allocation.PurchaseRequest{
		ID: "req-1", ProductID: "prod-1", ClientID: "client-1",
		Quantity: 5, UnitPrice: decimal.NewFromInt(25),
	}))

	_, err := rc.Approve(ctx, "req-1", "approver-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, allocation.ErrPartialCompletion)

	var partialErr *allocation.PartialCompletionError
	require.ErrorAs(t, err, &partialErr)
	assert.Equal(t, "ledger_append", partialErr.Stage)
	assert.ErrorIs(t, err, boom)

	// Deliberately no automatic compensation past the decrement
	product, _ := store.GetProduct(ctx, "prod-1")
	assert.Equal(t, int64(95), product.Stock)

	req, _ := store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusApproved, req.Status)
	assert.Nil(t, req.Snapshot, "snapshot must only exist on full completion")
}

// =============================================================================
// NOTIFICATION ISOLATION
// =============================================================================

func TestReconciler_Approve_EmitterFailure_DoesNotFailApproval(t *testing.T) {
	// GIVEN: An emitter that always errors
	// WHEN: A request is approved
	// THEN: The approval still succeeds; notification is best-effort

	f := newFixture(t)
	f.emitter.fail = errors.New("broker unreachable")
	ctx := context.Background()
	f.seedProduct(t, "prod-1", 100, 10)
	f.seedRequest(t, "req-1", "prod-1", "client-1", 5)

	snap, err := f.reconciler.Approve(ctx, "req-1", "approver-1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	req, _ := f.store.Get(ctx, "req-1")
	assert.Equal(t, allocation.StatusApproved, req.Status)
	require.NotNil(t, req.Snapshot)
}
