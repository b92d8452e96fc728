/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface of the reconciliation core
  (allocation.RequestStore, InventoryStore, Catalog, LedgerStore,
  loyalty.Store) using SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

ATOMIC CONDITIONAL UPDATES:
  The three safety-critical operations are single statements whose WHERE
  clause carries the guard, so two racing callers can never both pass a
  stale check:
    Claim:          UPDATE ... SET status=? WHERE id=? AND status=?
    DecrementStock: UPDATE ... SET stock=stock-? WHERE id=? AND stock>=?
    Credit:         INSERT guarded by UNIQUE(client_id, reference_id)
  RowsAffected discriminates success from conflict or shortage.

KEY TABLES:
  purchase_requests: Request lifecycle plus approval snapshot (JSON column)
  products:          Admin master stock (CHECK stock >= 0 backstop)
  deals:             Quantity-tier bonus windows
  client_inventory:  One row per (client, product) pair
  ledger_entries:    Append-only inventory movements,
                     UNIQUE(request_id, kind) enforces two-per-approval
  loyalty_accounts / loyalty_transactions:
                     Balance plus append-only history,
                     UNIQUE(client_id, reference_id) enforces credit-once

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  readers don't block, single writer at a time, better crash recovery.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of the conditional updates.
  In production with PostgreSQL, database-level concurrency control
  handles this instead.

SEE ALSO:
  - allocation/stores.go: Interface definitions and atomicity contract
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tierpoint/allocation-engine/allocation"
	"github.com/tierpoint/allocation-engine/loyalty"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ allocation.RequestStore   = (*Store)(nil)
	_ allocation.InventoryStore = (*Store)(nil)
	_ allocation.Catalog        = (*Store)(nil)
	_ allocation.LedgerStore    = (*Store)(nil)
	_ loyalty.Store             = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Purchase requests (lifecycle: pending -> approved | rejected)
	CREATE TABLE IF NOT EXISTS purchase_requests (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		rejection_reason TEXT,
		decided_by TEXT,
		decided_at TEXT,
		snapshot_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON purchase_requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_client
		ON purchase_requests(client_id);

	-- Admin master products. The CHECK is a backstop; the only deduction
	-- path is the conditional decrement.
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		points_per_unit INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Quantity-tier bonus deals
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		min_quantity INTEGER NOT NULL,
		bonus_points INTEGER NOT NULL,
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deals_product
		ON deals(product_id);

	-- Client private inventory, one row per (client, product)
	CREATE TABLE IF NOT EXISTS client_inventory (
		client_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (client_id, product_id)
	);

	-- Inventory movement ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		product_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		previous_quantity INTEGER NOT NULL,
		new_quantity INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one deduction and one allocation per request, never more
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_request_kind
		ON ledger_entries(request_id, kind);
	CREATE INDEX IF NOT EXISTS idx_ledger_product
		ON ledger_entries(product_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_client
		ON ledger_entries(client_id, created_at DESC);

	-- Loyalty accounts and append-only transaction history
	CREATE TABLE IF NOT EXISTS loyalty_accounts (
		client_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_earned INTEGER NOT NULL DEFAULT 0,
		total_redeemed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loyalty_transactions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: credit-once-per-reference idempotency backstop
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loyalty_reference
		ON loyalty_transactions(client_id, reference_id);
	CREATE INDEX IF NOT EXISTS idx_loyalty_client
		ON loyalty_transactions(client_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REQUEST STORE (allocation.RequestStore interface)
// =============================================================================

// Get retrieves a request by id. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id allocation.RequestID) (*allocation.PurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRequest(ctx, id)
}

func (s *Store) getRequest(ctx context.Context, id allocation.RequestID) (*allocation.PurchaseRequest, error) {
	query := `
		SELECT id, product_id, client_id, organization_id, quantity, unit_price,
		       status, rejection_reason, decided_by, decided_at, snapshot_json,
		       created_at, updated_at
		FROM purchase_requests WHERE id = ?
	`

	var (
		r                                           allocation.PurchaseRequest
		unitPrice                                   string
		rejectionReason, decidedBy, decidedAt, snap sql.NullString
		createdAt, updatedAt                        string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.ProductID, &r.ClientID, &r.OrganizationID, &r.Quantity, &unitPrice,
		&r.Status, &rejectionReason, &decidedBy, &decidedAt, &snap,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	r.UnitPrice = mustDecimal(unitPrice)
	r.RejectionReason = rejectionReason.String
	r.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339, decidedAt.String)
		r.DecidedAt = &t
	}
	if snap.Valid && snap.String != "" {
		var snapshot allocation.ApprovalSnapshot
		if err := json.Unmarshal([]byte(snap.String), &snapshot); err == nil {
			r.Snapshot = &snapshot
		}
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &r, nil
}

// Create inserts a new pending request.
func (s *Store) Create(ctx context.Context, req *allocation.PurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Status == "" {
		req.Status = allocation.StatusPending
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	query := `
		INSERT INTO purchase_requests
		(id, product_id, client_id, organization_id, quantity, unit_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.ProductID, req.ClientID, req.OrganizationID,
		req.Quantity, req.UnitPrice.String(), req.Status,
		req.CreatedAt.Format(time.RFC3339), req.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// Claim performs the atomic conditional status transition. The WHERE clause
// is the guard: of N concurrent claims exactly one updates a row.
func (s *Store) Claim(ctx context.Context, id allocation.RequestID, from, to allocation.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transition(ctx, id, from, to)
}

// Release reverts a claimed request back to pending.
func (s *Store) Release(ctx context.Context, id allocation.RequestID, from allocation.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transition(ctx, id, from, allocation.StatusPending)
}

func (s *Store) transition(ctx context.Context, id allocation.RequestID, from, to allocation.RequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchase_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC().Format(time.RFC3339), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to transition request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// No row moved: either the id is unknown or another caller won the race.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchase_requests WHERE id = ?`, id,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return allocation.ErrRequestNotFound
	}
	return allocation.ErrAlreadyProcessed
}

// SetRejection persists the rejection reason and deciding actor.
func (s *Store) SetRejection(ctx context.Context, id allocation.RequestID, reason, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE purchase_requests
		 SET rejection_reason = ?, decided_by = ?, decided_at = ?, updated_at = ?
		 WHERE id = ?`,
		reason, actorID, at.Format(time.RFC3339), at.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set rejection: %w", err)
	}
	return requireRow(res, allocation.ErrRequestNotFound)
}

// SetSnapshot persists the approval snapshot, the final write of the flow.
func (s *Store) SetSnapshot(ctx context.Context, id allocation.RequestID, snap *allocation.ApprovalSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE purchase_requests
		 SET snapshot_json = ?, decided_by = ?, decided_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(snapshotJSON), snap.ApprovedBy,
		snap.ApprovedAt.Format(time.RFC3339), snap.ApprovedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return requireRow(res, allocation.ErrRequestNotFound)
}

// Pending returns pending requests, oldest first.
func (s *Store) Pending(ctx context.Context) ([]allocation.PurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRequests(ctx, `
		SELECT id FROM purchase_requests WHERE status = 'pending' ORDER BY created_at ASC, id ASC
	`)
}

// ByClient returns a client's requests, oldest first.
func (s *Store) ByClient(ctx context.Context, clientID allocation.ClientID) ([]allocation.PurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRequests(ctx, `
		SELECT id FROM purchase_requests WHERE client_id = ? ORDER BY created_at ASC, id ASC
	`, clientID)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]allocation.PurchaseRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var ids []allocation.RequestID
	for rows.Next() {
		var id allocation.RequestID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var requests []allocation.PurchaseRequest
	for _, id := range ids {
		r, err := s.getRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			requests = append(requests, *r)
		}
	}
	return requests, nil
}

// =============================================================================
// INVENTORY STORE (allocation.InventoryStore interface)
// =============================================================================

// SaveProduct inserts or updates a product record.
func (s *Store) SaveProduct(ctx context.Context, p allocation.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO products (id, organization_id, name, stock, points_per_unit, price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			stock = excluded.stock,
			points_per_unit = excluded.points_per_unit,
			price = excluded.price,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.OrganizationID, p.Name, p.Stock, p.PointsPerUnit, p.Price.String(), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// ListProducts returns all products, sorted by name.
func (s *Store) ListProducts(ctx context.Context) ([]allocation.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, stock, points_per_unit, price, created_at, updated_at
		FROM products ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []allocation.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// DecrementStock atomically deducts quantity. The sufficiency check lives in
// the same UPDATE statement, so two racing approvals can never both pass a
// stale check: the losing one affects zero rows.
func (s *Store) DecrementStock(ctx context.Context, id allocation.ProductID, quantity int64) (allocation.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET stock = stock - ?, updated_at = ?
		 WHERE id = ? AND stock >= ?`,
		quantity, time.Now().UTC().Format(time.RFC3339), id, quantity,
	)
	if err != nil {
		return allocation.StockMovement{}, fmt.Errorf("failed to decrement stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return allocation.StockMovement{}, err
	}

	if affected == 0 {
		var available int64
		err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, id).Scan(&available)
		if err == sql.ErrNoRows {
			return allocation.StockMovement{}, allocation.ErrProductNotFound
		}
		if err != nil {
			return allocation.StockMovement{}, err
		}
		return allocation.StockMovement{}, &allocation.InsufficientStockError{
			ProductID: id,
			Available: available,
			Requested: quantity,
		}
	}

	var newStock int64
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, id).Scan(&newStock); err != nil {
		return allocation.StockMovement{}, err
	}
	return allocation.StockMovement{Previous: newStock + quantity, New: newStock}, nil
}

// RestockProduct atomically adds quantity back to a product.
func (s *Store) RestockProduct(ctx context.Context, id allocation.ProductID, quantity int64) (allocation.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET stock = stock + ?, updated_at = ? WHERE id = ?`,
		quantity, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return allocation.StockMovement{}, fmt.Errorf("failed to restock product: %w", err)
	}
	if err := requireRow(res, allocation.ErrProductNotFound); err != nil {
		return allocation.StockMovement{}, err
	}

	var newStock int64
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, id).Scan(&newStock); err != nil {
		return allocation.StockMovement{}, err
	}
	return allocation.StockMovement{Previous: newStock - quantity, New: newStock}, nil
}

// UpsertClientStock creates or increments the (client, product) record. The
// increment happens inside the upsert statement itself.
func (s *Store) UpsertClientStock(ctx context.Context, clientID allocation.ClientID, productID allocation.ProductID, quantity int64) (allocation.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return allocation.StockMovement{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous int64
	isNew := false
	err = tx.QueryRowContext(ctx,
		`SELECT quantity FROM client_inventory WHERE client_id = ? AND product_id = ?`,
		clientID, productID,
	).Scan(&previous)
	if err == sql.ErrNoRows {
		isNew = true
		previous = 0
	} else if err != nil {
		return allocation.StockMovement{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO client_inventory (client_id, product_id, quantity, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_id, product_id) DO UPDATE SET
			quantity = client_inventory.quantity + excluded.quantity,
			updated_at = excluded.updated_at`,
		clientID, productID, quantity, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return allocation.StockMovement{}, fmt.Errorf("failed to upsert client stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return allocation.StockMovement{}, err
	}
	return allocation.StockMovement{Previous: previous, New: previous + quantity, IsNew: isNew}, nil
}

// ClientInventory returns all inventory records for a client.
func (s *Store) ClientInventory(ctx context.Context, clientID allocation.ClientID) ([]allocation.ClientInventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, product_id, quantity, updated_at
		FROM client_inventory WHERE client_id = ? ORDER BY product_id ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query client inventory: %w", err)
	}
	defer rows.Close()

	var records []allocation.ClientInventoryRecord
	for rows.Next() {
		var rec allocation.ClientInventoryRecord
		var updatedAt string
		if err := rows.Scan(&rec.ClientID, &rec.ProductID, &rec.Quantity, &updatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// CATALOG (allocation.Catalog interface)
// =============================================================================

// GetProduct retrieves a product by id. Returns (nil, nil) when absent.
func (s *Store) GetProduct(ctx context.Context, id allocation.ProductID) (*allocation.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, stock, points_per_unit, price, created_at, updated_at
		FROM products WHERE id = ?
	`, id)

	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

// ActiveDeals returns deals for a product live at the given instant.
// Validity is half-open: starts_at <= at < ends_at.
func (s *Store) ActiveDeals(ctx context.Context, id allocation.ProductID, at time.Time) ([]allocation.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instant := at.UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, min_quantity, bonus_points, starts_at, ends_at
		FROM deals
		WHERE product_id = ? AND starts_at <= ? AND ends_at > ?
		ORDER BY id ASC
	`, id, instant, instant)
	if err != nil {
		return nil, fmt.Errorf("failed to query deals: %w", err)
	}
	defer rows.Close()

	var deals []allocation.Deal
	for rows.Next() {
		var d allocation.Deal
		var startsAt, endsAt string
		if err := rows.Scan(&d.ID, &d.ProductID, &d.MinQuantity, &d.BonusPoints, &startsAt, &endsAt); err != nil {
			return nil, err
		}
		d.StartsAt, _ = time.Parse(time.RFC3339, startsAt)
		d.EndsAt, _ = time.Parse(time.RFC3339, endsAt)
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// SaveDeal inserts or updates a deal.
func (s *Store) SaveDeal(ctx context.Context, d allocation.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := `
		INSERT INTO deals (id, product_id, min_quantity, bonus_points, starts_at, ends_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			min_quantity = excluded.min_quantity,
			bonus_points = excluded.bonus_points,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.ProductID, d.MinQuantity, d.BonusPoints,
		d.StartsAt.UTC().Format(time.RFC3339), d.EndsAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save deal: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER STORE (allocation.LedgerStore interface)
// =============================================================================

// Append writes the entries in one database transaction: all or nothing.
// A (request_id, kind) collision means the request was already recorded.
func (s *Store) Append(ctx context.Context, entries []allocation.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, request_id, kind, product_id, client_id, quantity, previous_quantity, new_quantity, actor_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.RequestID, e.Kind, e.ProductID, e.ClientID,
			e.Quantity, e.PreviousQuantity, e.NewQuantity, e.ActorID,
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return allocation.ErrAlreadyProcessed
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}

	return tx.Commit()
}

// ProductHistory returns entries for a product, newest first.
func (s *Store) ProductHistory(ctx context.Context, id allocation.ProductID, limit int) ([]allocation.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, `
		SELECT id, request_id, kind, product_id, client_id, quantity, previous_quantity, new_quantity, actor_id, created_at
		FROM ledger_entries WHERE product_id = ?
		ORDER BY created_at DESC, id ASC LIMIT ?
	`, id, normalizeLimit(limit))
}

// ClientHistory returns entries for a client, newest first.
func (s *Store) ClientHistory(ctx context.Context, id allocation.ClientID, limit int) ([]allocation.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, `
		SELECT id, request_id, kind, product_id, client_id, quantity, previous_quantity, new_quantity, actor_id, created_at
		FROM ledger_entries WHERE client_id = ?
		ORDER BY created_at DESC, id ASC LIMIT ?
	`, id, normalizeLimit(limit))
}

// ByRequest returns the entries referencing a request id.
func (s *Store) ByRequest(ctx context.Context, id allocation.RequestID) ([]allocation.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, `
		SELECT id, request_id, kind, product_id, client_id, quantity, previous_quantity, new_quantity, actor_id, created_at
		FROM ledger_entries WHERE request_id = ?
		ORDER BY kind ASC
	`, id)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]allocation.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []allocation.LedgerEntry
	for rows.Next() {
		var e allocation.LedgerEntry
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Kind, &e.ProductID, &e.ClientID,
			&e.Quantity, &e.PreviousQuantity, &e.NewQuantity, &e.ActorID, &createdAt,
		); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// LOYALTY STORE (loyalty.Store interface)
// =============================================================================

// Credit performs the reference check, the transaction insert and the balance
// bump in one database transaction. The unique index on
// (client_id, reference_id) is the backstop against a racing duplicate.
func (s *Store) Credit(ctx context.Context, clientID allocation.ClientID, amount int64, reason, referenceID string) (loyalty.Transaction, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loyalty.Transaction{}, 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency check by reference.
	prior, err := scanLoyaltyTx(tx.QueryRowContext(ctx, `
		SELECT id, client_id, amount, reason, reference_id, created_at
		FROM loyalty_transactions WHERE client_id = ? AND reference_id = ?
	`, clientID, referenceID))
	if err != nil && err != sql.ErrNoRows {
		return loyalty.Transaction{}, 0, false, err
	}
	if err == nil {
		var balance int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance FROM loyalty_accounts WHERE client_id = ?`, clientID,
		).Scan(&balance); err != nil && err != sql.ErrNoRows {
			return loyalty.Transaction{}, 0, false, err
		}
		return prior, balance, true, nil
	}

	now := time.Now().UTC()
	record := loyalty.Transaction{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		CreatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loyalty_transactions (id, client_id, amount, reason, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.ID, record.ClientID, record.Amount, record.Reason, record.ReferenceID,
		now.Format(time.RFC3339))
	if err != nil {
		return loyalty.Transaction{}, 0, false, fmt.Errorf("failed to append loyalty transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (client_id, balance, total_earned, total_redeemed, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			balance = loyalty_accounts.balance + excluded.balance,
			total_earned = loyalty_accounts.total_earned + excluded.total_earned,
			updated_at = excluded.updated_at
	`, clientID, amount, amount, now.Format(time.RFC3339))
	if err != nil {
		return loyalty.Transaction{}, 0, false, fmt.Errorf("failed to credit account: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM loyalty_accounts WHERE client_id = ?`, clientID,
	).Scan(&balance); err != nil {
		return loyalty.Transaction{}, 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return loyalty.Transaction{}, 0, false, err
	}
	return record, balance, false, nil
}

// Account retrieves a loyalty account. Returns (nil, nil) when absent.
func (s *Store) Account(ctx context.Context, clientID allocation.ClientID) (*loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var acct loyalty.Account
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, balance, total_earned, total_redeemed, updated_at
		FROM loyalty_accounts WHERE client_id = ?
	`, clientID).Scan(&acct.ClientID, &acct.Balance, &acct.TotalEarned, &acct.TotalRedeemed, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &acct, nil
}

// Transactions returns a client's loyalty history, newest first.
func (s *Store) Transactions(ctx context.Context, clientID allocation.ClientID, limit int) ([]loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, amount, reason, reference_id, created_at
		FROM loyalty_transactions WHERE client_id = ?
		ORDER BY created_at DESC, id ASC LIMIT ?
	`, clientID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []loyalty.Transaction
	for rows.Next() {
		record, err := scanLoyaltyTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, record)
	}
	return txs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (allocation.Product, error) {
	var p allocation.Product
	var price, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Stock, &p.PointsPerUnit, &price, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.Price = mustDecimal(price)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return p, nil
}

func scanLoyaltyTx(row rowScanner) (loyalty.Transaction, error) {
	var t loyalty.Transaction
	var createdAt string
	err := row.Scan(&t.ID, &t.ClientID, &t.Amount, &t.Reason, &t.ReferenceID, &createdAt)
	if err != nil {
		return t, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return t, nil
}

func requireRow(res sql.Result, missing error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
