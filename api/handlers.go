/*
handlers.go - HTTP API handlers for the reward distribution engine

PURPOSE:
  Exposes the distribution engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    POST   /api/users                    Register a user
    GET    /api/users/{id}               Get user with balances
    PUT    /api/users/{id}/referrer      Bind inviter (write-once)
    GET    /api/users/{id}/chain         Resolve inviter chain
    GET    /api/users/{id}/rewards       Received reward history
    GET    /api/users/{id}/levels        Per-level income report

  Distributions:
    POST   /api/distributions            Distribute an income event
    GET    /api/distributions            List batches (?status=)
    GET    /api/distributions/{batchID}  Get one batch with rewards

  Policy:
    GET    /api/policy                   Rate table in force
    PUT    /api/policy                   Swap rate table (version must rise)

  Admin:
    POST   /api/admin/reap               Fail stalled batches now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (idempotency, duplicate, in-flight)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public; put
  this behind the platform gateway in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unifarm/reward-engine/factory"
	"github.com/unifarm/reward-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RateTableStore persists swapped rate tables so a restart comes back up
// with the schedule in force. Optional; in-memory deployments skip it.
type RateTableStore interface {
	SaveRateTable(ctx context.Context, table referral.RateTable) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Users       referral.UserStore
	Batches     referral.BatchLedger
	Rewards     referral.RewardStore
	Distributor *referral.Distributor
	Resolver    *referral.Resolver
	Policy      *referral.CommissionPolicy
	Reaper      *referral.Reaper
	Factory     *factory.RateTableFactory
	Tables      RateTableStore
	Log         zerolog.Logger
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(
	users referral.UserStore,
	batches referral.BatchLedger,
	rewards referral.RewardStore,
	distributor *referral.Distributor,
	resolver *referral.Resolver,
	policy *referral.CommissionPolicy,
	reaper *referral.Reaper,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		Users:       users,
		Batches:     batches,
		Rewards:     rewards,
		Distributor: distributor,
		Resolver:    resolver,
		Policy:      policy,
		Reaper:      reaper,
		Factory:     factory.NewRateTableFactory(),
		Log:         log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers a user, optionally bound to an inviter.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	var referrer *referral.UserID
	if req.ReferrerID != "" {
		rid := referral.UserID(req.ReferrerID)
		referrer = &rid
	}

	user, err := h.Users.CreateUser(r.Context(), referral.UserID(req.ID), referrer)
	if err != nil {
		h.writeDomainError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user, "", ""))
}

// GetUser returns a user with balances.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "id"))

	user, err := h.Users.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}
	uni, err := h.Users.Balance(r.Context(), id, referral.CurrencyUNI)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	ton, err := h.Users.Balance(r.Context(), id, referral.CurrencyTON)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user, uni.Value.String(), ton.Value.String()))
}

// SetReferrer binds an inviter to a user that registered without one.
func (h *Handler) SetReferrer(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "id"))

	var req struct {
		ReferrerID string `json:"referrer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferrerID == "" {
		writeError(w, http.StatusBadRequest, "referrer_id is required", nil)
		return
	}

	if err := h.Users.SetReferrer(r.Context(), id, referral.UserID(req.ReferrerID)); err != nil {
		h.writeDomainError(w, "Failed to set referrer", err)
		return
	}
	user, err := h.Users.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user, "", ""))
}

// GetChain resolves and returns a user's inviter chain.
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "id"))

	if _, err := h.Users.GetUser(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}

	chain := h.Resolver.Resolve(r.Context(), id)
	if chain.TruncatedByError {
		writeError(w, http.StatusInternalServerError, "Chain resolution failed", chain.StepErr)
		return
	}

	dto := ChainDTO{UserID: string(id), TruncatedByCycle: chain.TruncatedByCycle}
	for _, e := range chain.Entries {
		dto.Entries = append(dto.Entries, ChainEntryDTO{Level: e.Level, UserID: string(e.UserID)})
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetRewards returns a user's received reward history, newest first.
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "id"))

	if _, err := h.Users.GetUser(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}
	rewards, err := h.Rewards.RewardsByBeneficiary(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTOs(rewards))
}

// GetLevelIncome returns a user's aggregated income per chain level.
func (h *Handler) GetLevelIncome(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "id"))
	currency := referral.Currency(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = referral.CurrencyUNI
	}
	if !referral.KnownCurrency(currency) {
		writeError(w, http.StatusBadRequest, "Unknown currency", nil)
		return
	}

	if _, err := h.Users.GetUser(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}
	income, err := h.Rewards.LevelIncome(r.Context(), id, currency)
	if err != nil {
		h.writeDomainError(w, "Failed to aggregate income", err)
		return
	}

	resp := LevelIncomeResponse{UserID: string(id), Currency: string(currency)}
	for level, amount := range income {
		resp.Levels = append(resp.Levels, LevelIncomeDTO{Level: level, Amount: amount.Value.String()})
	}
	sort.Slice(resp.Levels, func(i, j int) bool { return resp.Levels[i].Level < resp.Levels[j].Level })
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// Distribute runs one income event through the engine.
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	event := referral.IncomeEvent{
		BatchID:      referral.BatchID(req.BatchID),
		SourceUserID: referral.UserID(req.SourceUserID),
		Earned:       amount,
	}
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", err)
			return
		}
		event.OccurredAt = t
	}

	result, err := h.Distributor.Distribute(r.Context(), event)
	if err != nil {
		h.writeDomainError(w, "Distribution failed", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, DistributionResponse{
		Batch:    toBatchDTO(result.Batch),
		Rewards:  toRewardDTOs(result.Rewards),
		Replayed: result.Replayed,
	})
}

// GetBatch returns one batch with its reward rows.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := referral.BatchID(chi.URLParam(r, "batchID"))

	batch, err := h.Batches.GetBatch(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get batch", err)
		return
	}
	rewards, err := h.Rewards.RewardsByBatch(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, DistributionResponse{
		Batch:   toBatchDTO(batch),
		Rewards: toRewardDTOs(rewards),
	})
}

// ListBatches returns batches, optionally filtered by ?status=.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	status := referral.BatchStatus(r.URL.Query().Get("status"))
	switch status {
	case "", referral.BatchPending, referral.BatchProcessing, referral.BatchCompleted, referral.BatchFailed:
	default:
		writeError(w, http.StatusBadRequest, "Unknown status", nil)
		return
	}

	batches, err := h.Batches.ListBatches(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, "Failed to list batches", err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// GetPolicy returns the rate table in force.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(h.Policy.Current()))
}

// PutPolicy swaps the rate table in force. The new version must be
// strictly greater than the current one.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var tj factory.RateTableJSON
	if err := json.NewDecoder(r.Body).Decode(&tj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	table, err := h.Factory.FromJSON(tj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rate table", err)
		return
	}
	if err := h.Policy.Swap(table); err != nil {
		h.writeDomainError(w, "Failed to swap rate table", err)
		return
	}
	if h.Tables != nil {
		if err := h.Tables.SaveRateTable(r.Context(), table); err != nil {
			h.Log.Error().Err(err).Int("version", table.Version).Msg("rate table swap not persisted")
		}
	}
	h.Log.Info().Int("version", table.Version).Str("name", table.Name).Msg("rate table swapped")
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(h.Policy.Current()))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reap fails stalled batches immediately, outside the cron schedule.
func (h *Handler) Reap(w http.ResponseWriter, r *http.Request) {
	reaped, err := h.Reaper.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reap failed", err)
		return
	}
	resp := ReapResponse{Reaped: make([]string, len(reaped))}
	for i, id := range reaped {
		resp.Reaped[i] = string(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func toUserDTO(user referral.User, uni, ton string) UserDTO {
	dto := UserDTO{
		ID:         string(user.ID),
		BalanceUNI: uni,
		BalanceTON: ton,
		CreatedAt:  user.CreatedAt.Format(time.RFC3339),
	}
	if user.ReferrerID != nil {
		dto.ReferrerID = string(*user.ReferrerID)
	}
	return dto
}

func parseAmount(value, currency string) (referral.Amount, error) {
	if value == "" {
		return referral.Amount{}, referral.ErrInvalidAmount
	}
	d, err := referral.ParseDecimal(value)
	if err != nil {
		return referral.Amount{}, err
	}
	return referral.Amount{Value: d, Currency: referral.Currency(currency)}, nil
}

// writeDomainError maps domain errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, referral.ErrUserNotFound),
		errors.Is(err, referral.ErrBatchNotFound),
		errors.Is(err, referral.ErrSourceUserNotFound):
		status = http.StatusNotFound
	case isConflict(err):
		status = http.StatusConflict
	case referral.IsClientError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func isConflict(err error) bool {
	var ce *referral.BatchConflictError
	return errors.As(err, &ce) ||
		errors.Is(err, referral.ErrBatchExists) ||
		errors.Is(err, referral.ErrBatchInFlight) ||
		errors.Is(err, referral.ErrUserExists) ||
		errors.Is(err, referral.ErrReferrerAlreadySet) ||
		errors.Is(err, referral.ErrStaleRateTable)
}

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
