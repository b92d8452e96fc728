/*
handlers.go - HTTP API handlers for the purchase approval service

PURPOSE:
  Exposes the reconciliation core via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Requests:
    POST   /api/requests                 Submit purchase request
    GET    /api/requests/pending         List pending requests
    GET    /api/requests/{id}            Get request with snapshot
    POST   /api/requests/{id}/approve    Approve (X-Approver-ID header)
    POST   /api/requests/{id}/reject     Reject with reason

  Catalog:
    GET    /api/products                 List products
    POST   /api/products                 Create/replace product
    POST   /api/deals                    Create deal
    GET    /api/products/{id}/ledger     Product movement history

  Clients:
    GET    /api/clients/{id}/requests    Client's requests
    GET    /api/clients/{id}/inventory   Client's private inventory
    GET    /api/clients/{id}/ledger      Client movement history
    GET    /api/clients/{id}/loyalty     Account + transactions

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (reconciler, loyalty ledger)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown request/product/client
  - 409: Insufficient stock (retryable: true in the body)
  - 500: Internal errors, partial completion
  A decision against an already-processed request is NOT an error: it
  returns 200 with a notice, matching the idempotent no-op semantics.

SECURITY NOTE:
  The approver identity comes from the X-Approver-ID header, trusted as-is.
  Authentication sits in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tierpoint/allocation-engine/allocation"
	"github.com/tierpoint/allocation-engine/loyalty"
	"github.com/tierpoint/allocation-engine/metrics"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Reconciler *allocation.Reconciler
	Requests   allocation.RequestStore
	Inventory  allocation.InventoryStore
	Catalog    allocation.Catalog
	Ledger     allocation.LedgerStore
	Loyalty    *loyalty.Ledger
	Metrics    *metrics.HTTPMetrics // optional
	Log        *zap.Logger
}

// NewHandler creates a handler sharing the reconciler's collaborators.
func NewHandler(rc *allocation.Reconciler, points *loyalty.Ledger, m *metrics.HTTPMetrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Reconciler: rc,
		Requests:   rc.Requests,
		Inventory:  rc.Inventory,
		Catalog:    rc.Catalog,
		Ledger:     rc.Ledger,
		Loyalty:    points,
		Metrics:    m,
		Log:        log,
	}
}

// =============================================================================
// REQUEST ENDPOINTS
// =============================================================================

// SubmitRequest creates a new pending purchase request.
// POST /api/requests
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.ProductID == "" || body.ClientID == "" {
		writeError(w, http.StatusBadRequest, "product_id and client_id are required", nil)
		return
	}
	if body.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive", nil)
		return
	}

	ctx := r.Context()
	product, err := h.Catalog.GetProduct(ctx, allocation.ProductID(body.ProductID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to look up product", err)
		return
	}
	if product == nil {
		writeError(w, http.StatusNotFound, "Unknown product", nil)
		return
	}

	unitPrice := product.Price
	if body.UnitPrice != "" {
		unitPrice, err = decimal.NewFromString(body.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
			return
		}
	}
	if unitPrice.IsNegative() {
		writeError(w, http.StatusBadRequest, "unit_price must not be negative", nil)
		return
	}

	req := &allocation.PurchaseRequest{
		ID:             allocation.RequestID(uuid.NewString()),
		ProductID:      allocation.ProductID(body.ProductID),
		ClientID:       allocation.ClientID(body.ClientID),
		OrganizationID: body.OrganizationID,
		Quantity:       body.Quantity,
		UnitPrice:      unitPrice,
	}
	if err := h.Requests.Create(ctx, req); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create request", err)
		return
	}

	created, err := h.Requests.Get(ctx, req.ID)
	if err != nil || created == nil {
		writeError(w, http.StatusInternalServerError, "Failed to read back request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

// ListPendingRequests returns all requests awaiting a decision.
// GET /api/requests/pending
func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Requests.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(pending))
}

// GetRequest returns a single request, including the approval snapshot once
// the request is fully processed.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := allocation.RequestID(chi.URLParam(r, "id"))

	req, err := h.Requests.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get request", err)
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "Request not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// ApproveRequest approves a pending request.
// POST /api/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id := allocation.RequestID(chi.URLParam(r, "id"))
	approverID := r.Header.Get("X-Approver-ID")
	if approverID == "" {
		writeError(w, http.StatusBadRequest, "X-Approver-ID header is required", nil)
		return
	}

	snapshot, err := h.Reconciler.Approve(r.Context(), id, approverID)
	if err != nil {
		h.writeDecisionError(w, "approve", err)
		return
	}

	h.recordDecision("approve", "ok")
	if h.Metrics != nil {
		h.Metrics.RecordPointsCredited(snapshot.PointsCredited)
	}
	writeJSON(w, http.StatusOK, DecisionResponse{Status: "approved", Snapshot: snapshot})
}

// RejectRequest rejects a pending request with a reason.
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id := allocation.RequestID(chi.URLParam(r, "id"))
	approverID := r.Header.Get("X-Approver-ID")
	if approverID == "" {
		writeError(w, http.StatusBadRequest, "X-Approver-ID header is required", nil)
		return
	}

	var body RejectRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Reconciler.Reject(r.Context(), id, approverID, body.Reason); err != nil {
		h.writeDecisionError(w, "reject", err)
		return
	}

	h.recordDecision("reject", "ok")
	writeJSON(w, http.StatusOK, DecisionResponse{Status: "rejected"})
}

// writeDecisionError maps domain errors from approve/reject to HTTP.
func (h *Handler) writeDecisionError(w http.ResponseWriter, decision string, err error) {
	switch {
	case errors.Is(err, allocation.ErrAlreadyProcessed):
		// Idempotent no-op, not a failure.
		h.recordDecision(decision, "conflict")
		writeJSON(w, http.StatusOK, DecisionResponse{
			Status: "unchanged",
			Notice: "request was already processed",
		})
	case allocation.IsRetryable(err):
		h.recordDecision(decision, "shortage")
		if h.Metrics != nil {
			h.Metrics.RecordShortage()
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Insufficient stock",
			Details:   err.Error(),
			Retryable: true,
		})
	case allocation.IsClientError(err):
		h.recordDecision(decision, "invalid")
		writeError(w, http.StatusBadRequest, "Invalid decision", err)
	case allocation.IsNotFound(err):
		h.recordDecision(decision, "not_found")
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		h.recordDecision(decision, "error")
		h.Log.Error("decision failed",
			zap.String("decision", decision),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Decision failed", err)
	}
}

func (h *Handler) recordDecision(decision, outcome string) {
	if h.Metrics != nil {
		h.Metrics.RecordDecision(decision, outcome)
	}
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListProducts returns the product catalog.
// GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Inventory.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list products", err)
		return
	}
	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dtos = append(dtos, toProductDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct creates or replaces a product.
// POST /api/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var body CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.ID == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	if body.Stock < 0 {
		writeError(w, http.StatusBadRequest, "stock must not be negative", nil)
		return
	}

	price := decimal.Zero
	if body.Price != "" {
		var err error
		price, err = decimal.NewFromString(body.Price)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid price", err)
			return
		}
	}

	product := allocation.Product{
		ID:            allocation.ProductID(body.ID),
		Name:          body.Name,
		Stock:         body.Stock,
		PointsPerUnit: body.PointsPerUnit,
		Price:         price,
	}
	if err := h.Inventory.SaveProduct(r.Context(), product); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(product))
}

// CreateDeal creates a quantity-tier bonus deal.
// POST /api/deals
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var body CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required", nil)
		return
	}
	if !body.EndsAt.After(body.StartsAt) {
		writeError(w, http.StatusBadRequest, "ends_at must be after starts_at", nil)
		return
	}

	deal := allocation.Deal{
		ID:          body.ID,
		ProductID:   allocation.ProductID(body.ProductID),
		MinQuantity: body.MinQuantity,
		BonusPoints: body.BonusPoints,
		StartsAt:    body.StartsAt,
		EndsAt:      body.EndsAt,
	}
	if err := h.Catalog.SaveDeal(r.Context(), deal); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save deal", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// GetProductLedger returns the movement history of a product.
// GET /api/products/{id}/ledger
func (h *Handler) GetProductLedger(w http.ResponseWriter, r *http.Request) {
	id := allocation.ProductID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.ProductHistory(r.Context(), id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get product ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// =============================================================================
// CLIENT ENDPOINTS
// =============================================================================

// ListClientRequests returns a client's purchase requests.
// GET /api/clients/{id}/requests
func (h *Handler) ListClientRequests(w http.ResponseWriter, r *http.Request) {
	id := allocation.ClientID(chi.URLParam(r, "id"))

	requests, err := h.Requests.ByClient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(requests))
}

// GetClientInventory returns a client's private inventory.
// GET /api/clients/{id}/inventory
func (h *Handler) GetClientInventory(w http.ResponseWriter, r *http.Request) {
	id := allocation.ClientID(chi.URLParam(r, "id"))

	records, err := h.Inventory.ClientInventory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get inventory", err)
		return
	}
	dtos := make([]InventoryRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, InventoryRecordDTO{
			ProductID: string(rec.ProductID),
			Quantity:  rec.Quantity,
			UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetClientLedger returns the movement history touching a client.
// GET /api/clients/{id}/ledger
func (h *Handler) GetClientLedger(w http.ResponseWriter, r *http.Request) {
	id := allocation.ClientID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.ClientHistory(r.Context(), id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get client ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// GetClientLoyalty returns a client's point balance and recent transactions.
// GET /api/clients/{id}/loyalty
func (h *Handler) GetClientLoyalty(w http.ResponseWriter, r *http.Request) {
	id := allocation.ClientID(chi.URLParam(r, "id"))
	ctx := r.Context()

	acct, err := h.Loyalty.Account(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get loyalty account", err)
		return
	}
	txs, err := h.Loyalty.History(ctx, id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get loyalty history", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoyaltyDTO(acct, txs))
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// limitParam reads an optional ?limit= query parameter.
func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 100
}
