// Package ledger implements the per-user credit ledger: balance checks, atomic
// deductions, idempotent grants, and refunds.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/storage"
	"github.com/sselfie/generation-core/internal/types"
)

// Ledger is the only writer of balances and ledger entries
type Ledger struct {
	store  storage.LedgerStore
	logger *logging.Logger
}

// NewLedger creates a ledger over the given store
func NewLedger(store storage.LedgerStore, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Ledger{
		store:  store,
		logger: logger.WithField("component", "credit_ledger"),
	}
}

// Result is returned by balance-changing operations
type Result struct {
	NewBalance int64
	Entry      *models.LedgerEntry
}

// GrantResult is returned by Grant
type GrantResult struct {
	NewBalance     int64
	AlreadyGranted bool
	Entry          *models.LedgerEntry
}

// DeductInput describes a charge
type DeductInput struct {
	UserID      string
	Amount      int64
	Kind        types.LedgerKind
	Description string
	ReferenceID string
}

// GrantInput describes a credit grant from a purchase, subscription, or promotion
type GrantInput struct {
	UserID         string
	Amount         int64
	Kind           types.LedgerKind
	Description    string
	IdempotencyKey string
}

// RefundInput describes a refund of a previous charge
type RefundInput struct {
	UserID         string
	Amount         int64
	Reason         string
	ReferenceID    string
	IdempotencyKey string
}

// RemoveInput describes the reversal of an erroneous grant
type RemoveInput struct {
	UserID         string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// RefundKeyForJob is the idempotency key used for every refund of a job's charge
func RefundKeyForJob(jobID string) string {
	return "job-refund:" + jobID
}

// CheckSufficientCredits reports whether the user can currently afford amount.
// The answer is advisory; Deduct re-checks atomically.
func (l *Ledger) CheckSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	balance, err := l.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// GetBalance returns the current balance, zero for unknown users
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetAccount returns the full balance row for a user
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*models.AccountBalance, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get balance", err)
	}
	return account, nil
}

// Deduct atomically checks and decrements the balance and appends a charge entry.
// It fails with *errors.InsufficientCreditsError and writes nothing when the
// balance is too low.
func (l *Ledger) Deduct(ctx context.Context, in DeductInput) (*Result, error) {
	if err := validateUser(in.UserID); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	if !in.Kind.IsCharge() {
		return nil, apperrors.NewInvalidParameterError("kind", fmt.Sprintf("%q is not a charge kind", in.Kind))
	}

	entry := &models.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Amount:      -in.Amount,
		Kind:        in.Kind,
		Description: in.Description,
		ReferenceID: optional(in.ReferenceID),
	}

	stored, _, err := l.store.Apply(ctx, entry)
	if err != nil {
		if ice, ok := apperrors.AsInsufficientCredits(err); ok {
			l.logger.WithFields(map[string]interface{}{
				"user_id":   in.UserID,
				"required":  ice.Required,
				"available": ice.Available,
			}).Info("deduction refused")
			return nil, ice
		}
		return nil, apperrors.NewDatabaseError("deduct credits", err)
	}

	l.logger.WithFields(map[string]interface{}{
		"user_id":     in.UserID,
		"amount":      in.Amount,
		"kind":        in.Kind,
		"reference":   in.ReferenceID,
		"new_balance": stored.BalanceAfter,
	}).Debug("credits deducted")

	return &Result{NewBalance: stored.BalanceAfter, Entry: stored}, nil
}

// Grant adds credits. Replaying the same idempotency key returns the original
// outcome with AlreadyGranted set and changes nothing.
func (l *Ledger) Grant(ctx context.Context, in GrantInput) (*GrantResult, error) {
	if err := validateUser(in.UserID); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	if !in.Kind.IsGrant() {
		return nil, apperrors.NewInvalidParameterError("kind", fmt.Sprintf("%q is not a grant kind", in.Kind))
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, apperrors.NewInvalidParameterError("idempotencyKey", "is required for grants")
	}

	entry := &models.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Amount:         in.Amount,
		Kind:           in.Kind,
		Description:    in.Description,
		IdempotencyKey: optional(in.IdempotencyKey),
	}

	stored, duplicate, err := l.store.Apply(ctx, entry)
	if err != nil {
		return nil, apperrors.NewDatabaseError("grant credits", err)
	}

	if duplicate {
		if stored.UserID != in.UserID {
			return nil, apperrors.NewConflictError("idempotency key already used for another user")
		}
		l.logger.WithFields(map[string]interface{}{
			"user_id":         in.UserID,
			"idempotency_key": in.IdempotencyKey,
		}).Info("grant already applied")

		balance, err := l.GetBalance(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		return &GrantResult{NewBalance: balance, AlreadyGranted: true, Entry: stored}, nil
	}

	l.logger.WithFields(map[string]interface{}{
		"user_id":     in.UserID,
		"amount":      in.Amount,
		"kind":        in.Kind,
		"new_balance": stored.BalanceAfter,
	}).Info("credits granted")

	return &GrantResult{NewBalance: stored.BalanceAfter, Entry: stored}, nil
}

// Refund returns credits for a charge. With an idempotency key a replayed refund
// is a no-op; without one every call credits again.
func (l *Ledger) Refund(ctx context.Context, in RefundInput) (*GrantResult, error) {
	if err := validateUser(in.UserID); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}

	entry := &models.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Amount:         in.Amount,
		Kind:           types.LedgerKindRefund,
		Description:    in.Reason,
		ReferenceID:    optional(in.ReferenceID),
		IdempotencyKey: optional(in.IdempotencyKey),
	}

	stored, duplicate, err := l.store.Apply(ctx, entry)
	if err != nil {
		return nil, apperrors.NewDatabaseError("refund credits", err)
	}

	if duplicate {
		balance, err := l.GetBalance(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		return &GrantResult{NewBalance: balance, AlreadyGranted: true, Entry: stored}, nil
	}

	l.logger.WithFields(map[string]interface{}{
		"user_id":     in.UserID,
		"amount":      in.Amount,
		"reference":   in.ReferenceID,
		"reason":      in.Reason,
		"new_balance": stored.BalanceAfter,
	}).Info("credits refunded")

	return &GrantResult{NewBalance: stored.BalanceAfter, Entry: stored}, nil
}

// Remove takes back credits granted in error. It is refused, not clamped, when
// the balance is lower than the amount.
func (l *Ledger) Remove(ctx context.Context, in RemoveInput) (*GrantResult, error) {
	if err := validateUser(in.UserID); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, apperrors.NewInvalidParameterError("idempotencyKey", "is required for removals")
	}

	entry := &models.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Amount:         -in.Amount,
		Kind:           types.LedgerKindRemoval,
		Description:    in.Reason,
		IdempotencyKey: optional(in.IdempotencyKey),
	}

	stored, duplicate, err := l.store.Apply(ctx, entry)
	if err != nil {
		if ice, ok := apperrors.AsInsufficientCredits(err); ok {
			return nil, ice
		}
		return nil, apperrors.NewDatabaseError("remove credits", err)
	}

	if duplicate {
		balance, err := l.GetBalance(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		return &GrantResult{NewBalance: balance, AlreadyGranted: true, Entry: stored}, nil
	}

	l.logger.WithFields(map[string]interface{}{
		"user_id":     in.UserID,
		"amount":      in.Amount,
		"reason":      in.Reason,
		"new_balance": stored.BalanceAfter,
	}).Warn("credits removed")

	return &GrantResult{NewBalance: stored.BalanceAfter, Entry: stored}, nil
}

// ListEntries returns a user's ledger history, newest first
func (l *Ledger) ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := l.store.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list ledger entries", err)
	}
	return entries, nil
}

// ListByReference returns the entries recorded against a job
func (l *Ledger) ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error) {
	if strings.TrimSpace(referenceID) == "" {
		return nil, apperrors.NewInvalidParameterError("referenceId", "is required")
	}
	entries, err := l.store.ListByReference(ctx, referenceID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list ledger entries by reference", err)
	}
	return entries, nil
}

// ConservationReport compares the materialized balance with a replay of the ledger
type ConservationReport struct {
	UserID       string
	Balance      int64
	TotalGranted int64
	TotalUsed    int64
	EntrySum     int64
}

// Consistent reports whether the balance row and the ledger agree
func (r *ConservationReport) Consistent() bool {
	return r.Balance == r.EntrySum && r.Balance == r.TotalGranted-r.TotalUsed
}

// VerifyConservation replays the ledger for a user
func (l *Ledger) VerifyConservation(ctx context.Context, userID string) (*ConservationReport, error) {
	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := l.store.SumEntries(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("sum ledger entries", err)
	}

	report := &ConservationReport{
		UserID:       userID,
		Balance:      account.Balance,
		TotalGranted: account.TotalGranted,
		TotalUsed:    account.TotalUsed,
		EntrySum:     sum,
	}
	if !report.Consistent() {
		l.logger.WithFields(map[string]interface{}{
			"user_id":   userID,
			"balance":   report.Balance,
			"entry_sum": report.EntrySum,
		}).Error("ledger conservation violated")
	}
	return report, nil
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.NewInvalidParameterError("userId", "is required")
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
