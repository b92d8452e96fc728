/*
reconciler.go - Approval/rejection orchestration

PURPOSE:
  Drives the full effect of an admin decision on a purchase request as one
  logical unit: status claim, stock decrement, client inventory upsert,
  audit ledger entries, loyalty credit, snapshot persist, notification.

ORDERING GUARANTEE (per request id):
  claim -> stock decrement -> client upsert -> ledger append -> point credit
  -> snapshot persist -> notify
  The snapshot is written last, so its presence implies all prior effects
  completed. Pollers treat approved+snapshot as the completion signal.

CONCURRENCY:
  Any number of decisions may run concurrently, including for the same
  request id (double-click, retried call, two admins). The status claim is
  the single serialization point: exactly one caller observes pending->X,
  the rest get ErrAlreadyProcessed. All later mutations are individually
  atomic and only reachable after a successful claim, so no further locking
  is needed and unrelated products/clients proceed fully in parallel.

COMPENSATION:
  The one compensating action: when the stock decrement fails for lack of
  capacity, the claim is released back to pending so the request stays
  retryable after restock. Failures after a successful decrement are NOT
  compensated - reversing a client allocation or a point credit is a
  business decision outside this core - they are logged and surfaced as
  PartialCompletionError for manual reconciliation.
*/
package allocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciler orchestrates purchase request decisions. All collaborators are
// injected; zero-value fields are not usable.
type Reconciler struct {
	Requests  RequestStore
	Inventory InventoryStore
	Catalog   Catalog
	Ledger    LedgerStore
	Loyalty   PointsCreditor
	Emitter   Emitter // optional
	Log       *zap.Logger
	Now       func() time.Time // defaults to time.Now
}

func NewReconciler(requests RequestStore, inventory InventoryStore, catalog Catalog, ledger LedgerStore, points PointsCreditor, emitter Emitter, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		Requests:  requests,
		Inventory: inventory,
		Catalog:   catalog,
		Ledger:    ledger,
		Loyalty:   points,
		Emitter:   emitter,
		Log:       log,
		Now:       time.Now,
	}
}

func (rc *Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now().UTC()
	}
	return time.Now().UTC()
}

// =============================================================================
// APPROVE - The critical exactly-once operation
// =============================================================================

// Approve approves a pending purchase request and returns the snapshot of
// everything that moved.
//
// Outcomes:
//   - ErrRequestNotFound:   id does not exist
//   - ErrAlreadyProcessed:  request already left pending; idempotent no-op
//   - ErrInsufficientStock: claim rolled back, request stays pending/retryable
//   - ErrPartialCompletion: post-decrement failure, needs manual reconciliation
func (rc *Reconciler) Approve(ctx context.Context, requestID RequestID, approverID string) (*ApprovalSnapshot, error) {
	req, err := rc.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must be positive"}
	}

	// Read-only catalog lookups happen before the claim so a missing product
	// never leaves a claim to unwind.
	product, err := rc.Catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrProductNotFound
	}

	decidedAt := rc.now()
	deals, err := rc.Catalog.ActiveDeals(ctx, req.ProductID, decidedAt)
	if err != nil {
		return nil, err
	}

	// Single serialization point. Of N concurrent calls, one proceeds.
	if err := rc.Requests.Claim(ctx, requestID, StatusPending, StatusApproved); err != nil {
		return nil, err
	}

	deduction, err := rc.Inventory.DecrementStock(ctx, req.ProductID, req.Quantity)
	if err != nil {
		// The one compensating action: release the claim so the request is
		// retryable once stock is replenished.
		if releaseErr := rc.Requests.Release(ctx, requestID, StatusApproved); releaseErr != nil {
			rc.Log.Error("failed to release claim after stock shortage, request stuck approved without inventory effect",
				zap.String("request_id", string(requestID)),
				zap.Error(releaseErr))
			return nil, &PartialCompletionError{RequestID: requestID, Stage: "claim_release", Err: releaseErr}
		}
		return nil, err
	}

	allocationMove, err := rc.Inventory.UpsertClientStock(ctx, req.ClientID, req.ProductID, req.Quantity)
	if err != nil {
		return nil, rc.partial(requestID, "client_upsert", err)
	}

	entries := []LedgerEntry{
		{
			ID:               uuid.NewString(),
			RequestID:        requestID,
			Kind:             EntryDeduction,
			ProductID:        req.ProductID,
			ClientID:         req.ClientID,
			Quantity:         req.Quantity,
			PreviousQuantity: deduction.Previous,
			NewQuantity:      deduction.New,
			ActorID:          approverID,
			CreatedAt:        decidedAt,
		},
		{
			ID:               uuid.NewString(),
			RequestID:        requestID,
			Kind:             EntryAllocation,
			ProductID:        req.ProductID,
			ClientID:         req.ClientID,
			Quantity:         req.Quantity,
			PreviousQuantity: allocationMove.Previous,
			NewQuantity:      allocationMove.New,
			ActorID:          approverID,
			CreatedAt:        decidedAt,
		},
	}
	if err := rc.Ledger.Append(ctx, entries); err != nil {
		return nil, rc.partial(requestID, "ledger_append", err)
	}

	// Products can legitimately carry zero points; only credit a positive total.
	points := CalculatePoints(product, deals, req.Quantity)
	var credited int64
	if total := points.Total(); total > 0 {
		credit, err := rc.Loyalty.CreditApproval(ctx, req.ClientID, total, requestID)
		if err != nil {
			return nil, rc.partial(requestID, "loyalty_credit", err)
		}
		credited = credit.Amount
	}

	snapshot := &ApprovalSnapshot{
		RequestID:         requestID,
		ProductID:         req.ProductID,
		ClientID:          req.ClientID,
		Quantity:          req.Quantity,
		AdminStockBefore:  deduction.Previous,
		AdminStockAfter:   deduction.New,
		ClientStockBefore: allocationMove.Previous,
		ClientStockAfter:  allocationMove.New,
		NewClientRecord:   allocationMove.IsNew,
		PointsCredited:    credited,
		ApprovedBy:        approverID,
		ApprovedAt:        decidedAt,
	}
	if err := rc.Requests.SetSnapshot(ctx, requestID, snapshot); err != nil {
		return nil, rc.partial(requestID, "snapshot_persist", err)
	}

	rc.Log.Info("purchase request approved",
		zap.String("request_id", string(requestID)),
		zap.String("product_id", string(req.ProductID)),
		zap.String("client_id", string(req.ClientID)),
		zap.Int64("quantity", req.Quantity),
		zap.Int64("admin_stock_after", deduction.New),
		zap.Int64("points_credited", snapshot.PointsCredited))

	rc.emit(ctx, NotificationEvent{
		Type:      EventRequestApproved,
		RequestID: requestID,
		ClientID:  req.ClientID,
		Snapshot:  snapshot,
	})

	return snapshot, nil
}

// =============================================================================
// REJECT - Lighter path, no inventory or ledger mutation
// =============================================================================

// Reject rejects a pending purchase request with a non-empty reason.
func (rc *Reconciler) Reject(ctx context.Context, requestID RequestID, approverID, reason string) error {
	req, err := rc.Requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrRequestNotFound
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "is required for rejection"}
	}

	if err := rc.Requests.Claim(ctx, requestID, StatusPending, StatusRejected); err != nil {
		return err
	}

	decidedAt := rc.now()
	if err := rc.Requests.SetRejection(ctx, requestID, reason, approverID, decidedAt); err != nil {
		return rc.partial(requestID, "rejection_persist", err)
	}

	rc.Log.Info("purchase request rejected",
		zap.String("request_id", string(requestID)),
		zap.String("client_id", string(req.ClientID)),
		zap.String("reason", reason))

	rc.emit(ctx, NotificationEvent{
		Type:      EventRequestRejected,
		RequestID: requestID,
		ClientID:  req.ClientID,
		Reason:    reason,
	})

	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// partial logs and wraps a post-claim failure for manual reconciliation.
func (rc *Reconciler) partial(requestID RequestID, stage string, err error) error {
	rc.Log.Error("approval partially completed, manual reconciliation required",
		zap.String("request_id", string(requestID)),
		zap.String("stage", stage),
		zap.Error(err))
	return &PartialCompletionError{RequestID: requestID, Stage: stage, Err: err}
}

// emit hands the event to the emitter, best-effort.
func (rc *Reconciler) emit(ctx context.Context, event NotificationEvent) {
	if rc.Emitter == nil {
		return
	}
	if err := rc.Emitter.Emit(ctx, event); err != nil {
		rc.Log.Warn("notification emission failed",
			zap.String("request_id", string(event.RequestID)),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
