/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/tierpoint/allocation-engine/allocation"
	"github.com/tierpoint/allocation-engine/loyalty"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitRequestRequest is the body for creating a purchase request.
type SubmitRequestRequest struct {
	ProductID      string `json:"product_id"`
	ClientID       string `json:"client_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Quantity       int64  `json:"quantity"`
	UnitPrice      string `json:"unit_price,omitempty"`
}

// RejectRequestRequest is the body for rejecting a purchase request.
type RejectRequestRequest struct {
	Reason string `json:"reason"`
}

// CreateProductRequest is the body for creating or replacing a product.
type CreateProductRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Stock         int64  `json:"stock"`
	PointsPerUnit int64  `json:"points_per_unit"`
	Price         string `json:"price,omitempty"`
}

// CreateDealRequest is the body for creating a deal.
type CreateDealRequest struct {
	ID          string    `json:"id,omitempty"`
	ProductID   string    `json:"product_id"`
	MinQuantity int64     `json:"min_quantity"`
	BonusPoints int64     `json:"bonus_points"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// RequestDTO represents a purchase request in API responses.
type RequestDTO struct {
	ID              string                       `json:"id"`
	ProductID       string                       `json:"product_id"`
	ClientID        string                       `json:"client_id"`
	OrganizationID  string                       `json:"organization_id,omitempty"`
	Quantity        int64                        `json:"quantity"`
	UnitPrice       string                       `json:"unit_price"`
	TotalValue      string                       `json:"total_value"`
	Status          string                       `json:"status"`
	RejectionReason string                       `json:"rejection_reason,omitempty"`
	DecidedBy       string                       `json:"decided_by,omitempty"`
	DecidedAt       string                       `json:"decided_at,omitempty"`
	Snapshot        *allocation.ApprovalSnapshot `json:"snapshot,omitempty"`
	CreatedAt       string                       `json:"created_at"`
}

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Stock         int64  `json:"stock"`
	PointsPerUnit int64  `json:"points_per_unit"`
	Price         string `json:"price"`
}

// LedgerEntryDTO represents an audit ledger entry in API responses.
type LedgerEntryDTO struct {
	ID               string `json:"id"`
	RequestID        string `json:"request_id"`
	Kind             string `json:"kind"`
	ProductID        string `json:"product_id"`
	ClientID         string `json:"client_id"`
	Quantity         int64  `json:"quantity"`
	PreviousQuantity int64  `json:"previous_quantity"`
	NewQuantity      int64  `json:"new_quantity"`
	ActorID          string `json:"actor_id"`
	CreatedAt        string `json:"created_at"`
}

// InventoryRecordDTO represents a client inventory row.
type InventoryRecordDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UpdatedAt string `json:"updated_at"`
}

// LoyaltyDTO bundles a client's account and recent transactions.
type LoyaltyDTO struct {
	ClientID      string         `json:"client_id"`
	Balance       int64          `json:"balance"`
	TotalEarned   int64          `json:"total_earned"`
	TotalRedeemed int64          `json:"total_redeemed"`
	Transactions  []LoyaltyTxDTO `json:"transactions"`
}

// LoyaltyTxDTO represents one loyalty transaction.
type LoyaltyTxDTO struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
	CreatedAt   string `json:"created_at"`
}

// DecisionResponse wraps the outcome of an approve/reject call.
type DecisionResponse struct {
	Status   string                       `json:"status"`
	Notice   string                       `json:"notice,omitempty"`
	Snapshot *allocation.ApprovalSnapshot `json:"snapshot,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toRequestDTO(r allocation.PurchaseRequest) RequestDTO {
	dto := RequestDTO{
		ID:              string(r.ID),
		ProductID:       string(r.ProductID),
		ClientID:        string(r.ClientID),
		OrganizationID:  r.OrganizationID,
		Quantity:        r.Quantity,
		UnitPrice:       r.UnitPrice.String(),
		TotalValue:      r.TotalValue().String(),
		Status:          string(r.Status),
		RejectionReason: r.RejectionReason,
		DecidedBy:       r.DecidedBy,
		Snapshot:        r.Snapshot,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
	}
	if r.DecidedAt != nil {
		dto.DecidedAt = r.DecidedAt.Format(time.RFC3339)
	}
	return dto
}

func toRequestDTOs(requests []allocation.PurchaseRequest) []RequestDTO {
	dtos := make([]RequestDTO, 0, len(requests))
	for _, r := range requests {
		dtos = append(dtos, toRequestDTO(r))
	}
	return dtos
}

func toProductDTO(p allocation.Product) ProductDTO {
	return ProductDTO{
		ID:            string(p.ID),
		Name:          p.Name,
		Stock:         p.Stock,
		PointsPerUnit: p.PointsPerUnit,
		Price:         p.Price.String(),
	}
}

func toLedgerEntryDTOs(entries []allocation.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, LedgerEntryDTO{
			ID:               e.ID,
			RequestID:        string(e.RequestID),
			Kind:             string(e.Kind),
			ProductID:        string(e.ProductID),
			ClientID:         string(e.ClientID),
			Quantity:         e.Quantity,
			PreviousQuantity: e.PreviousQuantity,
			NewQuantity:      e.NewQuantity,
			ActorID:          e.ActorID,
			CreatedAt:        e.CreatedAt.Format(time.RFC3339),
		})
	}
	return dtos
}

func toLoyaltyDTO(acct *loyalty.Account, txs []loyalty.Transaction) LoyaltyDTO {
	dto := LoyaltyDTO{
		ClientID:      string(acct.ClientID),
		Balance:       acct.Balance,
		TotalEarned:   acct.TotalEarned,
		TotalRedeemed: acct.TotalRedeemed,
		Transactions:  make([]LoyaltyTxDTO, 0, len(txs)),
	}
	for _, tx := range txs {
		dto.Transactions = append(dto.Transactions, LoyaltyTxDTO{
			ID:          tx.ID,
			Amount:      tx.Amount,
			Reason:      tx.Reason,
			ReferenceID: tx.ReferenceID,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		})
	}
	return dto
}
