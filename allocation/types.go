/*
Package allocation provides the purchase request approval and inventory
reconciliation core.

PURPOSE:
  This package contains the types and the orchestration logic that move stock
  from an admin's master product record into a client's private inventory when
  a purchase request is approved. The operation must happen exactly once per
  request: one stock deduction, one client allocation, two audit ledger
  entries, one loyalty point credit - even under concurrent approval attempts
  or client retries.

KEY CONCEPTS IN THIS FILE (types.go):
  - PurchaseRequest: A client's ask for N units, pending admin decision
  - Product: The admin-owned master stock record
  - Deal: A quantity-tier bonus attached to a product
  - ClientInventoryRecord: Per-client, per-product allocated quantity
  - LedgerEntry: Immutable audit record of one inventory movement
  - ApprovalSnapshot: Before/after state captured on approval

DESIGN PRINCIPLES:
  1. Single serialization point: the request status claim is the only
     concurrency guard; everything after it runs exactly once
  2. Atomic conditional updates: stock never goes through read-then-write
  3. Auditability: every approval leaves exactly two ledger entries
  4. Explicit collaborators: stores are injected interfaces, no registry

SEE ALSO:
  - stores.go: Repository interfaces implemented by store/sqlite and store/memory
  - reconciler.go: The approve/reject orchestration
  - points.go: Loyalty point calculation
*/
package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RequestID string
type ProductID string
type ClientID string

// =============================================================================
// PURCHASE REQUEST - Lifecycle: pending -> approved | rejected (terminal)
// =============================================================================

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// PurchaseRequest is a client's ask to allocate N units of a product.
// It is mutated exactly once, by the Reconciler, and never deleted.
type PurchaseRequest struct {
	ID             RequestID
	ProductID      ProductID
	ClientID       ClientID
	OrganizationID string
	Quantity       int64
	UnitPrice      decimal.Decimal

	Status          RequestStatus
	RejectionReason string
	DecidedBy       string
	DecidedAt       *time.Time

	// Snapshot is populated on approval, as the last write of the flow.
	// A reader observing status=approved AND a non-nil snapshot is guaranteed
	// the stock movement, ledger entries and point credit all completed.
	Snapshot *ApprovalSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalValue returns quantity x unit price.
func (r *PurchaseRequest) TotalValue() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(r.Quantity))
}

// =============================================================================
// PRODUCT & DEALS - Admin-owned catalog records
// =============================================================================

// Product is the admin's master stock record. Stock is never mutated outside
// InventoryStore.DecrementStock / RestockProduct and never goes negative.
type Product struct {
	ID             ProductID
	OrganizationID string
	Name           string
	Stock          int64
	PointsPerUnit  int64
	Price          decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Deal is a quantity-tier bonus: a flat point add (not per unit) granted when
// an approved request meets the minimum quantity while the deal is active.
type Deal struct {
	ID          string
	ProductID   ProductID
	MinQuantity int64
	BonusPoints int64
	StartsAt    time.Time
	EndsAt      time.Time
}

// ActiveAt reports whether the deal is live at t. Deal validity is evaluated
// strictly at approval time, not at request creation time.
func (d Deal) ActiveAt(t time.Time) bool {
	return !t.Before(d.StartsAt) && t.Before(d.EndsAt)
}

// =============================================================================
// CLIENT INVENTORY - One record per (client, product) pair
// =============================================================================

type ClientInventoryRecord struct {
	ClientID  ClientID
	ProductID ProductID
	Quantity  int64
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable audit record of one inventory movement
// =============================================================================

type EntryKind string

const (
	EntryDeduction  EntryKind = "deduction"  // admin stock decreased
	EntryAllocation EntryKind = "allocation" // client stock increased
)

// LedgerEntry records a single inventory movement. A successful approval
// writes exactly two entries for its request id: one deduction and one
// allocation. A rejection writes none.
type LedgerEntry struct {
	ID               string
	RequestID        RequestID
	Kind             EntryKind
	ProductID        ProductID
	ClientID         ClientID
	Quantity         int64
	PreviousQuantity int64
	NewQuantity      int64
	ActorID          string
	CreatedAt        time.Time
}

// =============================================================================
// APPROVAL SNAPSHOT - Completion record persisted on the request
// =============================================================================

type ApprovalSnapshot struct {
	RequestID         RequestID `json:"request_id"`
	ProductID         ProductID `json:"product_id"`
	ClientID          ClientID  `json:"client_id"`
	Quantity          int64     `json:"quantity"`
	AdminStockBefore  int64     `json:"admin_stock_before"`
	AdminStockAfter   int64     `json:"admin_stock_after"`
	ClientStockBefore int64     `json:"client_stock_before"`
	ClientStockAfter  int64     `json:"client_stock_after"`
	NewClientRecord   bool      `json:"new_client_record"`
	PointsCredited    int64     `json:"points_credited"`
	ApprovedBy        string    `json:"approved_by"`
	ApprovedAt        time.Time `json:"approved_at"`
}

// =============================================================================
// STOCK MOVEMENT - Result of an atomic inventory mutation
// =============================================================================

// StockMovement reports the before/after values of a single atomic stock
// mutation. IsNew is set by UpsertClientStock when the record was created
// rather than incremented.
type StockMovement struct {
	Previous int64
	New      int64
	IsNew    bool
}

// =============================================================================
// NOTIFICATION EVENT - Handed to the external Notification Emitter
// =============================================================================

type EventType string

const (
	EventRequestApproved EventType = "purchase_request_approved"
	EventRequestRejected EventType = "purchase_request_rejected"
)

// NotificationEvent is the structured event emitted after a decision.
// Delivery (email, push, ...) is the emitter's problem; emission is
// best-effort and never rolls back the decision.
type NotificationEvent struct {
	Type      EventType         `json:"type"`
	RequestID RequestID         `json:"request_id"`
	ClientID  ClientID          `json:"client_id"`
	Reason    string            `json:"reason,omitempty"`
	Snapshot  *ApprovalSnapshot `json:"snapshot,omitempty"`
}
