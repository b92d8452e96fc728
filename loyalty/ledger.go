/*
Package loyalty provides the client point balance and its append-only
transaction history.

PURPOSE:
  Owns the loyalty side of an approval: crediting points to a client exactly
  once per approved request. The request id doubles as the idempotency
  reference - a retried credit with the same reference returns the prior
  transaction without touching the balance.

CRITICAL INVARIANTS:
  1. Balance = TotalEarned - TotalRedeemed at all times
  2. Transactions are append-only; corrections would be new transactions
  3. At most one transaction per (client, reference) pair

SEE ALSO:
  - allocation/reconciler.go: The single hot-path caller, via CreditApproval
  - store/sqlite: Durable implementation of Store
*/
package loyalty

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tierpoint/allocation-engine/allocation"
)

// ReasonPurchaseApproved is the transaction reason written on approval.
const ReasonPurchaseApproved = "purchase_request_approved"

// =============================================================================
// TYPES
// =============================================================================

// Account is a client's point balance. Balance is always derivable as
// TotalEarned - TotalRedeemed; both are stored for cheap reads.
type Account struct {
	ClientID      allocation.ClientID
	Balance       int64
	TotalEarned   int64
	TotalRedeemed int64
	UpdatedAt     time.Time
}

// Transaction is one append-only point movement.
type Transaction struct {
	ID          string
	ClientID    allocation.ClientID
	Amount      int64
	Reason      string
	ReferenceID string
	CreatedAt   time.Time
}

// CreditResult reports the outcome of a credit call. Duplicate is true when
// the reference had already been credited and the prior transaction is
// returned unchanged.
type CreditResult struct {
	Transaction Transaction
	Balance     int64
	Duplicate   bool
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store persists accounts and transactions. Credit must perform the
// reference-existence check and the balance increment as one atomic unit.
type Store interface {
	// Credit appends a transaction and bumps balance/totalEarned atomically,
	// unless a transaction with this (clientID, referenceID) already exists,
	// in which case the prior transaction is returned with duplicate=true and
	// nothing is written.
	Credit(ctx context.Context, clientID allocation.ClientID, amount int64, reason, referenceID string) (Transaction, int64, bool, error)

	Account(ctx context.Context, clientID allocation.ClientID) (*Account, error)
	Transactions(ctx context.Context, clientID allocation.ClientID, limit int) ([]Transaction, error)
}

// =============================================================================
// LEDGER - Domain service over the store
// =============================================================================

type Ledger struct {
	store Store
	log   *zap.Logger
}

var _ allocation.PointsCreditor = (*Ledger)(nil)

func NewLedger(store Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, log: log}
}

// Credit credits amount points to the client, idempotent by referenceID.
// Returns ErrInvalidAmount for amount <= 0; under correct point calculation
// that never happens, so callers treat it as a programming error.
func (l *Ledger) Credit(ctx context.Context, clientID allocation.ClientID, amount int64, reason, referenceID string) (CreditResult, error) {
	if amount <= 0 {
		return CreditResult{}, allocation.ErrInvalidAmount
	}

	tx, balance, duplicate, err := l.store.Credit(ctx, clientID, amount, reason, referenceID)
	if err != nil {
		return CreditResult{}, err
	}

	if duplicate {
		l.log.Info("loyalty credit skipped, reference already credited",
			zap.String("client_id", string(clientID)),
			zap.String("reference_id", referenceID))
	}

	return CreditResult{Transaction: tx, Balance: balance, Duplicate: duplicate}, nil
}

// CreditApproval credits the points earned by an approved purchase request,
// using the request id as the idempotency reference. This is the
// allocation.PointsCreditor implementation the reconciler calls.
func (l *Ledger) CreditApproval(ctx context.Context, clientID allocation.ClientID, amount int64, requestID allocation.RequestID) (allocation.PointsCredit, error) {
	result, err := l.Credit(ctx, clientID, amount, ReasonPurchaseApproved, string(requestID))
	if err != nil {
		return allocation.PointsCredit{}, err
	}
	return allocation.PointsCredit{
		Amount:    result.Transaction.Amount,
		Balance:   result.Balance,
		Duplicate: result.Duplicate,
	}, nil
}

// Account returns the client's account, or a zero-balance account if the
// client has never been credited.
func (l *Ledger) Account(ctx context.Context, clientID allocation.ClientID) (*Account, error) {
	acct, err := l.store.Account(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return &Account{ClientID: clientID}, nil
	}
	return acct, nil
}

// History returns the client's transactions, newest first.
func (l *Ledger) History(ctx context.Context, clientID allocation.ClientID, limit int) ([]Transaction, error) {
	return l.store.Transactions(ctx, clientID, limit)
}
