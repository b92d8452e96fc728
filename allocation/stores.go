/*
stores.go - Persistence interfaces for the reconciliation core

PURPOSE:
  Defines the contract between the orchestration logic and the database.
  All interfaces are injected into the Reconciler explicitly; there is no
  shared model registry or global store.

ATOMICITY CONTRACT:
  The safety of the whole subsystem rests on three operations being single
  atomic read-modify-writes in the implementation, never separate read and
  write calls:
    RequestStore.Claim        - conditional status transition (CAS)
    InventoryStore.DecrementStock - UPDATE ... WHERE stock >= quantity
    LedgerStore.Append        - all-or-nothing batch

IMPLEMENTATIONS:
  - store/sqlite: production store on database/sql
  - store/memory: in-memory store for tests and dev
*/
package allocation

import (
	"context"
	"time"
)

// =============================================================================
// REQUEST STORE - Owns the purchase request lifecycle
// =============================================================================

// RequestStore persists purchase requests and owns the status transition.
// Get returns (nil, nil) when the id does not exist.
type RequestStore interface {
	Get(ctx context.Context, id RequestID) (*PurchaseRequest, error)
	Create(ctx context.Context, req *PurchaseRequest) error

	// Claim atomically transitions the request from `from` to `to`.
	// It succeeds only if the stored status still equals `from` at the moment
	// of write. Returns ErrAlreadyProcessed if another actor won the race and
	// ErrRequestNotFound if the id does not exist. This is the single
	// serialization point for concurrent approvals.
	Claim(ctx context.Context, id RequestID, from, to RequestStatus) error

	// Release reverts a claimed request from `from` back to pending. Used as
	// the one compensating action, after an insufficient-stock failure.
	Release(ctx context.Context, id RequestID, from RequestStatus) error

	// SetRejection persists the rejection reason and the deciding actor.
	SetRejection(ctx context.Context, id RequestID, reason, actorID string, at time.Time) error

	// SetSnapshot persists the approval snapshot as the final write of the
	// approval flow. Snapshot presence is the completion signal for pollers.
	SetSnapshot(ctx context.Context, id RequestID, snap *ApprovalSnapshot) error

	Pending(ctx context.Context) ([]PurchaseRequest, error)
	ByClient(ctx context.Context, clientID ClientID) ([]PurchaseRequest, error)
}

// =============================================================================
// INVENTORY STORE - Owns admin stock and client inventory records
// =============================================================================

type InventoryStore interface {
	SaveProduct(ctx context.Context, p Product) error
	ListProducts(ctx context.Context) ([]Product, error)

	// DecrementStock atomically sets stock = stock - quantity, guarded by a
	// stock-sufficiency condition in the same statement. Returns an
	// *InsufficientStockError when current stock < quantity, leaving stock
	// untouched. Never implemented as read-then-write.
	DecrementStock(ctx context.Context, id ProductID, quantity int64) (StockMovement, error)

	// RestockProduct atomically adds quantity back to stock.
	RestockProduct(ctx context.Context, id ProductID, quantity int64) (StockMovement, error)

	// UpsertClientStock creates the (client, product) record with the given
	// quantity, or atomically increments an existing one. IsNew reports which.
	UpsertClientStock(ctx context.Context, clientID ClientID, productID ProductID, quantity int64) (StockMovement, error)

	ClientInventory(ctx context.Context, clientID ClientID) ([]ClientInventoryRecord, error)
}

// =============================================================================
// CATALOG - Read-only product and deal lookups
// =============================================================================

// Catalog provides the read-only lookups the Reconciler needs for point
// calculation. GetProduct returns (nil, nil) when the id does not exist.
type Catalog interface {
	GetProduct(ctx context.Context, id ProductID) (*Product, error)

	// ActiveDeals returns the deals for a product that are live at `at`.
	ActiveDeals(ctx context.Context, id ProductID, at time.Time) ([]Deal, error)

	SaveDeal(ctx context.Context, d Deal) error
}

// =============================================================================
// LEDGER STORE - Append-only inventory movement audit trail
// =============================================================================

// LedgerStore persists inventory movement entries.
// IMPORTANT: append-only. No Update, No Delete. Ever.
type LedgerStore interface {
	// Append writes the entries in one durable batch: either all entries are
	// visible to any reader, or none are.
	Append(ctx context.Context, entries []LedgerEntry) error

	// ProductHistory returns entries for a product, newest first.
	ProductHistory(ctx context.Context, id ProductID, limit int) ([]LedgerEntry, error)

	// ClientHistory returns entries for a client, newest first.
	ClientHistory(ctx context.Context, id ClientID, limit int) ([]LedgerEntry, error)

	// ByRequest returns the entries referencing a request id.
	ByRequest(ctx context.Context, id RequestID) ([]LedgerEntry, error)
}

// =============================================================================
// POINTS CREDITOR - Loyalty collaborator
// =============================================================================

// PointsCredit reports the outcome of an approval credit. Duplicate is true
// when the request had already been credited; Amount is then the original
// credit, not a repeat.
type PointsCredit struct {
	Amount    int64
	Balance   int64
	Duplicate bool
}

// PointsCreditor credits loyalty points for an approved request. The request
// id doubles as the idempotency reference: crediting the same id twice
// returns the prior result without moving the balance. Implemented by the
// loyalty ledger.
type PointsCreditor interface {
	CreditApproval(ctx context.Context, clientID ClientID, amount int64, requestID RequestID) (PointsCredit, error)
}

// =============================================================================
// EMITTER - External notification collaborator
// =============================================================================

// Emitter hands a structured event to the notification subsystem.
// Best-effort: a failed emission is logged, never propagated.
type Emitter interface {
	Emit(ctx context.Context, event NotificationEvent) error
}
