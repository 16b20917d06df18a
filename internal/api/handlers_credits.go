package api

import (
	"net/http"
	"strconv"

	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/types"
)

// GrantRequest is the body of POST /internal/credits/grants
type GrantRequest struct {
	UserID         string           `json:"userId"`
	Amount         int64            `json:"amount"`
	Kind           types.LedgerKind `json:"kind"`
	Description    string           `json:"description"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

// RemoveRequest is the body of POST /internal/credits/removals
type RemoveRequest struct {
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// CreditChangeResponse reports the outcome of a grant or removal
type CreditChangeResponse struct {
	UserID         string `json:"userId"`
	NewBalance     int64  `json:"balance"`
	AlreadyApplied bool   `json:"alreadyApplied"`
	EntryID        string `json:"entryId,omitempty"`
}

// handleGetBalance handles GET /api/credits/balance
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.creditService.GetBalance(r.Context(), r.Header.Get(headerUserID))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

// handleListLedger handles GET /api/credits/ledger
func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be an integer", nil)
			return
		}
		limit = parsed
	}

	userID := r.Header.Get(headerUserID)
	entries, err := s.creditService.ListLedger(r.Context(), userID, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId":  userID,
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGrantCredits handles POST /internal/credits/grants. Billing webhooks
// redeliver, so the idempotency key is mandatory.
func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	result, err := s.creditService.GrantCredits(r.Context(), ledger.GrantInput{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyGranted {
		status = http.StatusOK
	}
	respondJSON(w, status, newCreditChangeResponse(req.UserID, result))
}

// handleRemoveCredits handles POST /internal/credits/removals
func (s *Server) handleRemoveCredits(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	result, err := s.creditService.RemoveCredits(r.Context(), ledger.RemoveInput{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newCreditChangeResponse(req.UserID, result))
}

func newCreditChangeResponse(userID string, result *ledger.GrantResult) *CreditChangeResponse {
	resp := &CreditChangeResponse{
		UserID:         userID,
		NewBalance:     result.NewBalance,
		AlreadyApplied: result.AlreadyGranted,
	}
	if result.Entry != nil {
		resp.EntryID = result.Entry.ID
	}
	return resp
}
