package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

var (
	// ErrJobNotFound is returned when a job id does not exist
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a job id or remote id is already recorded
	ErrDuplicateJob = errors.New("job already exists")
)

// LedgerStore persists balances and ledger entries.
//
// Apply writes one entry and the matching balance change atomically. Negative
// amounts are conditional debits that fail with *errors.InsufficientCreditsError
// instead of overdrawing. An entry whose idempotency key was already applied is
// not written again; the stored entry is returned with duplicate=true.
type LedgerStore interface {
	GetAccount(ctx context.Context, userID string) (*models.AccountBalance, error)
	Apply(ctx context.Context, entry *models.LedgerEntry) (stored *models.LedgerEntry, duplicate bool, err error)
	ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
	ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
}

// JobStore persists job records. Every transition out of a non-terminal state
// is conditional, so concurrent reconcilers cannot apply a terminal transition twice.
type JobStore interface {
	Create(ctx context.Context, job *models.JobRecord) error
	GetByID(ctx context.Context, id string) (*models.JobRecord, error)

	// MarkSubmitted moves a pending job to submitted with its remote id
	MarkSubmitted(ctx context.Context, id, remoteJobID string) (bool, error)

	// UpdateProgress applies to submitted or processing jobs only. When allowDecrease
	// is false the stored progress is never lowered.
	UpdateProgress(ctx context.Context, id string, status types.JobStatus, progress int, allowDecrease bool) (bool, error)

	// Complete and Fail apply only while the job is non-terminal
	Complete(ctx context.Context, id string, result *models.ResultArtifacts, completedAt time.Time) (bool, error)
	Fail(ctx context.Context, id string, code types.FailureCode, reason string, completedAt time.Time) (bool, error)

	MarkRefunded(ctx context.Context, id string) (bool, error)

	// ListActive returns non-terminal jobs last updated before the cutoff, oldest first
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.JobRecord, error)
	// ListUnrefundedFailures returns charged, unrefunded failures whose failure
	// code is one of codes, oldest completion first. No codes means no rows.
	ListUnrefundedFailures(ctx context.Context, codes []types.FailureCode, limit int) ([]*models.JobRecord, error)

	GetTrainedModel(ctx context.Context, jobID string) (*models.TrainedModel, error)
}
