package models

import (
	"time"

	"github.com/sselfie/generation-core/internal/types"
)

// LedgerEntry is an append-only record of one balance change.
// Amount is positive for grants and refunds, negative for charges and removals.
type LedgerEntry struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"userId" db:"user_id"`
	Amount         int64            `json:"amount" db:"amount"`
	Kind           types.LedgerKind `json:"kind" db:"kind"`
	Description    string           `json:"description" db:"description"`
	BalanceAfter   int64            `json:"balanceAfter" db:"balance_after"`
	ReferenceID    *string          `json:"referenceId,omitempty" db:"reference_id"`
	IdempotencyKey *string          `json:"-" db:"idempotency_key"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
}
