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

MONEY:
  Amounts cross the wire as decimal strings, never floats. Clients that
  parse them into float64 lose precision; that is their bug, not ours.

VALIDATION:
  Validation is done in handlers and domain logic, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/ratetable.go: RateTableJSON type
*/
package api

import (
	"time"

	"github.com/unifarm/reward-engine/referral"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// UserDTO represents a referral-graph user in API responses.
type UserDTO struct {
	ID         string `json:"id"`
	ReferrerID string `json:"referrer_id,omitempty"`
	BalanceUNI string `json:"balance_uni,omitempty"`
	BalanceTON string `json:"balance_ton,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// CreateUserRequest is the request to register a user.
type CreateUserRequest struct {
	ID         string `json:"id"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

// ChainDTO represents a resolved inviter chain.
type ChainDTO struct {
	UserID           string          `json:"user_id"`
	Entries          []ChainEntryDTO `json:"entries"`
	TruncatedByCycle bool            `json:"truncated_by_cycle,omitempty"`
}

type ChainEntryDTO struct {
	Level  int    `json:"level"`
	UserID string `json:"user_id"`
}

// DistributeRequest is the request to distribute an income event.
// BatchID is the idempotency key; omit it and the engine mints one, but
// then a retry after a lost response cannot be deduplicated.
type DistributeRequest struct {
	BatchID      string `json:"batch_id,omitempty"`
	SourceUserID string `json:"source_user_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	OccurredAt   string `json:"occurred_at,omitempty"`
}

// BatchDTO represents a distribution batch in API responses.
type BatchDTO struct {
	BatchID          string `json:"batch_id"`
	SourceUserID     string `json:"source_user_id"`
	Currency         string `json:"currency"`
	EarnedAmount     string `json:"earned_amount"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	LevelsResolved   int    `json:"levels_resolved"`
	BeneficiaryCount int    `json:"beneficiary_count"`
	TotalDistributed string `json:"total_distributed"`
	CreatedAt        string `json:"created_at"`
	StartedAt        string `json:"started_at,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

// DistributionResponse wraps a completed or replayed distribution.
type DistributionResponse struct {
	Batch    BatchDTO    `json:"batch"`
	Rewards  []RewardDTO `json:"rewards"`
	Replayed bool        `json:"replayed"`
}

// RewardDTO represents one reward transaction.
type RewardDTO struct {
	ID           string `json:"id"`
	Beneficiary  string `json:"beneficiary"`
	Level        int    `json:"level"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	SourceUserID string `json:"source_user_id"`
	BatchID      string `json:"batch_id"`
	CreatedAt    string `json:"created_at"`
}

// LevelIncomeDTO is one level's aggregated income for a user.
type LevelIncomeDTO struct {
	Level  int    `json:"level"`
	Amount string `json:"amount"`
}

// LevelIncomeResponse wraps a user's per-level income report.
type LevelIncomeResponse struct {
	UserID   string           `json:"user_id"`
	Currency string           `json:"currency"`
	Levels   []LevelIncomeDTO `json:"levels"`
}

// ReapResponse reports a manual reap run.
type ReapResponse struct {
	Reaped []string `json:"reaped"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBatchDTO(b referral.DistributionBatch) BatchDTO {
	dto := BatchDTO{
		BatchID:          string(b.BatchID),
		SourceUserID:     string(b.SourceUserID),
		Currency:         string(b.Currency),
		EarnedAmount:     b.EarnedAmount.String(),
		Status:           string(b.Status),
		ErrorMessage:     b.ErrorMessage,
		LevelsResolved:   b.LevelsResolved,
		BeneficiaryCount: b.BeneficiaryCount,
		TotalDistributed: b.TotalDistributed.String(),
		CreatedAt:        b.CreatedAt.Format(time.RFC3339),
	}
	if b.StartedAt != nil {
		dto.StartedAt = b.StartedAt.Format(time.RFC3339)
	}
	if b.CompletedAt != nil {
		dto.CompletedAt = b.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toRewardDTOs(rewards []referral.RewardTransaction) []RewardDTO {
	dtos := make([]RewardDTO, len(rewards))
	for i, r := range rewards {
		dtos[i] = RewardDTO{
			ID:           string(r.ID),
			Beneficiary:  string(r.Beneficiary),
			Level:        r.Level,
			Amount:       r.Amount.Value.String(),
			Currency:     string(r.Amount.Currency),
			SourceUserID: string(r.SourceUserID),
			BatchID:      string(r.BatchID),
			CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}
