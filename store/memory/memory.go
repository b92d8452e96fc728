// Package memory provides in-memory store implementations (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tierpoint/allocation-engine/allocation"
	"github.com/tierpoint/allocation-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - Implements every persistence interface behind one mutex
// =============================================================================

// Store keeps everything under a single mutex, which trivially gives the same
// atomicity guarantees the SQLite store gets from conditional UPDATEs: claim,
// decrement and credit are each one critical section.
type Store struct {
	mu sync.Mutex

	requests  map[allocation.RequestID]*allocation.PurchaseRequest
	products  map[allocation.ProductID]*allocation.Product
	deals     map[string]allocation.Deal
	inventory map[invKey]*allocation.ClientInventoryRecord
	entries   []allocation.LedgerEntry

	accounts     map[allocation.ClientID]*loyalty.Account
	transactions map[allocation.ClientID][]loyalty.Transaction
}

type invKey struct {
	ClientID  allocation.ClientID
	ProductID allocation.ProductID
}

func New() *Store {
	return &Store{
		requests:     make(map[allocation.RequestID]*allocation.PurchaseRequest),
		products:     make(map[allocation.ProductID]*allocation.Product),
		deals:        make(map[string]allocation.Deal),
		inventory:    make(map[invKey]*allocation.ClientInventoryRecord),
		accounts:     make(map[allocation.ClientID]*loyalty.Account),
		transactions: make(map[allocation.ClientID][]loyalty.Transaction),
	}
}

// Interface checks.
var (
	_ allocation.RequestStore   = (*Store)(nil)
	_ allocation.InventoryStore = (*Store)(nil)
	_ allocation.Catalog        = (*Store)(nil)
	_ allocation.LedgerStore    = (*Store)(nil)
	_ loyalty.Store             = (*Store)(nil)
)

// =============================================================================
// REQUEST STORE
// =============================================================================

func (s *Store) Get(_ context.Context, id allocation.RequestID) (*allocation.PurchaseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (s *Store) Create(_ context.Context, req *allocation.PurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	if cp.Status == "" {
		cp.Status = allocation.StatusPending
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.requests[cp.ID] = &cp
	return nil
}

func (s *Store) Claim(_ context.Context, id allocation.RequestID, from, to allocation.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return allocation.ErrRequestNotFound
	}
	if req.Status != from {
		return allocation.ErrAlreadyProcessed
	}
	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Release(_ context.Context, id allocation.RequestID, from allocation.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return allocation.ErrRequestNotFound
	}
	if req.Status != from {
		return allocation.ErrAlreadyProcessed
	}
	req.Status = allocation.StatusPending
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetRejection(_ context.Context, id allocation.RequestID, reason, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return allocation.ErrRequestNotFound
	}
	req.RejectionReason = reason
	req.DecidedBy = actorID
	req.DecidedAt = &at
	req.UpdatedAt = at
	return nil
}

func (s *Store) SetSnapshot(_ context.Context, id allocation.RequestID, snap *allocation.ApprovalSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return allocation.ErrRequestNotFound
	}
	cp := *snap
	req.Snapshot = &cp
	req.DecidedBy = snap.ApprovedBy
	at := snap.ApprovedAt
	req.DecidedAt = &at
	req.UpdatedAt = at
	return nil
}

func (s *Store) Pending(_ context.Context) ([]allocation.PurchaseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []allocation.PurchaseRequest
	for _, req := range s.requests {
		if req.Status == allocation.StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ByClient(_ context.Context, clientID allocation.ClientID) ([]allocation.PurchaseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []allocation.PurchaseRequest
	for _, req := range s.requests {
		if req.ClientID == clientID {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// INVENTORY STORE
// =============================================================================

func (s *Store) SaveProduct(_ context.Context, p allocation.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.products[p.ID] = &p
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]allocation.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]allocation.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DecrementStock(_ context.Context, id allocation.ProductID, quantity int64) (allocation.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return allocation.StockMovement{}, allocation.ErrProductNotFound
	}
	if p.Stock < quantity {
		return allocation.StockMovement{}, &allocation.InsufficientStockError{
			ProductID: id,
			Available: p.Stock,
			Requested: quantity,
		}
	}
	previous := p.Stock
	p.Stock -= quantity
	p.UpdatedAt = time.Now().UTC()
	return allocation.StockMovement{Previous: previous, New: p.Stock}, nil
}

func (s *Store) RestockProduct(_ context.Context, id allocation.ProductID, quantity int64) (allocation.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return allocation.StockMovement{}, allocation.ErrProductNotFound
	}
	previous := p.Stock
	p.Stock += quantity
	p.UpdatedAt = time.Now().UTC()
	return allocation.StockMovement{Previous: previous, New: p.Stock}, nil
}

func (s *Store) UpsertClientStock(_ context.Context, clientID allocation.ClientID, productID allocation.ProductID, quantity int64) (allocation.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := invKey{ClientID: clientID, ProductID: productID}
	now := time.Now().UTC()

	rec, ok := s.inventory[k]
	if !ok {
		s.inventory[k] = &allocation.ClientInventoryRecord{
			ClientID:  clientID,
			ProductID: productID,
			Quantity:  quantity,
			UpdatedAt: now,
		}
		return allocation.StockMovement{Previous: 0, New: quantity, IsNew: true}, nil
	}

	previous := rec.Quantity
	rec.Quantity += quantity
	rec.UpdatedAt = now
	return allocation.StockMovement{Previous: previous, New: rec.Quantity}, nil
}

func (s *Store) ClientInventory(_ context.Context, clientID allocation.ClientID) ([]allocation.ClientInventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []allocation.ClientInventoryRecord
	for k, rec := range s.inventory {
		if k.ClientID == clientID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) GetProduct(_ context.Context, id allocation.ProductID) (*allocation.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ActiveDeals(_ context.Context, id allocation.ProductID, at time.Time) ([]allocation.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []allocation.Deal
	for _, d := range s.deals {
		if d.ProductID == id && d.ActiveAt(at) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveDeal(_ context.Context, d allocation.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deals[d.ID] = d
	return nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) Append(_ context.Context, entries []allocation.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Enforce the one-deduction-one-allocation invariant before writing
	// anything, so the batch stays all-or-nothing.
	for _, e := range entries {
		for _, existing := range s.entries {
			if existing.RequestID == e.RequestID && existing.Kind == e.Kind {
				return allocation.ErrAlreadyProcessed
			}
		}
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *Store) ProductHistory(_ context.Context, id allocation.ProductID, limit int) ([]allocation.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return filterEntries(s.entries, limit, func(e allocation.LedgerEntry) bool {
		return e.ProductID == id
	}), nil
}

func (s *Store) ClientHistory(_ context.Context, id allocation.ClientID, limit int) ([]allocation.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return filterEntries(s.entries, limit, func(e allocation.LedgerEntry) bool {
		return e.ClientID == id
	}), nil
}

func (s *Store) ByRequest(_ context.Context, id allocation.RequestID) ([]allocation.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return filterEntries(s.entries, 0, func(e allocation.LedgerEntry) bool {
		return e.RequestID == id
	}), nil
}

func filterEntries(entries []allocation.LedgerEntry, limit int, keep func(allocation.LedgerEntry) bool) []allocation.LedgerEntry {
	var out []allocation.LedgerEntry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	// Newest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// LOYALTY STORE
// =============================================================================

func (s *Store) Credit(_ context.Context, clientID allocation.ClientID, amount int64, reason, referenceID string) (loyalty.Transaction, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.transactions[clientID] {
		if tx.ReferenceID == referenceID {
			balance := int64(0)
			if acct := s.accounts[clientID]; acct != nil {
				balance = acct.Balance
			}
			return tx, balance, true, nil
		}
	}

	now := time.Now().UTC()
	tx := loyalty.Transaction{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		CreatedAt:   now,
	}

	acct, ok := s.accounts[clientID]
	if !ok {
		acct = &loyalty.Account{ClientID: clientID}
		s.accounts[clientID] = acct
	}
	acct.Balance += amount
	acct.TotalEarned += amount
	acct.UpdatedAt = now

	s.transactions[clientID] = append(s.transactions[clientID], tx)
	return tx, acct.Balance, false, nil
}

func (s *Store) Account(_ context.Context, clientID allocation.ClientID) (*loyalty.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[clientID]
	if !ok {
		return nil, nil
	}
	cp := *acct
	return &cp, nil
}

func (s *Store) Transactions(_ context.Context, clientID allocation.ClientID, limit int) ([]loyalty.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := s.transactions[clientID]
	out := make([]loyalty.Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
