package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

// MemoryLedgerStore is an in-process LedgerStore with the same atomicity as the
// Postgres repository. It backs STORAGE_DRIVER=memory and unit tests.
type MemoryLedgerStore struct {
	mu       sync.Mutex
	accounts map[string]*models.AccountBalance
	entries  map[string][]*models.LedgerEntry
	byKey    map[string]*models.LedgerEntry
	now      func() time.Time
}

// NewMemoryLedgerStore creates an empty in-memory ledger
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts: make(map[string]*models.AccountBalance),
		entries:  make(map[string][]*models.LedgerEntry),
		byKey:    make(map[string]*models.LedgerEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetAccount returns a copy of the user's balance row
func (s *MemoryLedgerStore) GetAccount(ctx context.Context, userID string) (*models.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return &models.AccountBalance{UserID: userID}, nil
	}
	c := *account
	return &c, nil
}

// Apply writes an entry and its balance change under one lock
func (s *MemoryLedgerStore) Apply(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	if entry.Amount == 0 {
		return nil, false, fmt.Errorf("ledger entry amount must be non-zero")
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.IdempotencyKey != nil {
		if existing, ok := s.byKey[*entry.IdempotencyKey]; ok {
			c := *existing
			return &c, true, nil
		}
	}

	now := s.now()
	account, ok := s.accounts[entry.UserID]
	if !ok {
		account = &models.AccountBalance{UserID: entry.UserID, CreatedAt: now}
	}

	if entry.Amount < 0 {
		amount := -entry.Amount
		if account.Balance < amount {
			return nil, false, apperrors.NewInsufficientCreditsError(amount, account.Balance)
		}
		account.Balance -= amount
		account.TotalUsed += amount
	} else {
		account.Balance += entry.Amount
		account.TotalGranted += entry.Amount
	}
	account.UpdatedAt = now
	s.accounts[entry.UserID] = account

	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.BalanceAfter = account.Balance
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	s.entries[entry.UserID] = append(s.entries[entry.UserID], &stored)
	if stored.IdempotencyKey != nil {
		s.byKey[*stored.IdempotencyKey] = &stored
	}

	c := stored
	return &c, false, nil
}

// ListEntries returns entries newest first
func (s *MemoryLedgerStore) ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[userID]
	out := make([]*models.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}

// ListByReference returns every entry tied to a job, oldest first
func (s *MemoryLedgerStore) ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.LedgerEntry
	for _, entries := range s.entries {
		for _, e := range entries {
			if e.ReferenceID != nil && *e.ReferenceID == referenceID {
				c := *e
				out = append(out, &c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SumEntries replays the ledger for a user
func (s *MemoryLedgerStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, e := range s.entries[userID] {
		sum += e.Amount
	}
	return sum, nil
}

// MemoryJobStore is an in-process JobStore with conditional transitions
type MemoryJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.JobRecord
	remote  map[string]string
	trained map[string]*models.TrainedModel
	now     func() time.Time
}

// NewMemoryJobStore creates an empty in-memory job store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:    make(map[string]*models.JobRecord),
		remote:  make(map[string]string),
		trained: make(map[string]*models.TrainedModel),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock used for updatedAt stamps
func (s *MemoryJobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create inserts a job
func (s *MemoryJobStore) Create(ctx context.Context, job *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	if job.RemoteJobID != nil {
		if _, exists := s.remote[*job.RemoteJobID]; exists {
			return fmt.Errorf("%w: remote %s", ErrDuplicateJob, *job.RemoteJobID)
		}
		s.remote[*job.RemoteJobID] = job.ID
	}

	stored := job.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.jobs[job.ID] = stored

	if job.JobType == types.JobTypeTraining {
		s.trained[job.ID] = &models.TrainedModel{
			UserID:    job.UserID,
			JobID:     job.ID,
			Status:    models.TrainedModelTraining,
			CreatedAt: job.CreatedAt,
		}
	}
	return nil
}

// GetByID returns a copy of the job
func (s *MemoryJobStore) GetByID(ctx context.Context, id string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// MarkSubmitted moves a pending job to submitted
func (s *MemoryJobStore) MarkSubmitted(ctx context.Context, id, remoteJobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.LocalStatus != types.JobStatusPending {
		return false, nil
	}
	if owner, exists := s.remote[remoteJobID]; exists && owner != id {
		return false, fmt.Errorf("%w: remote %s", ErrDuplicateJob, remoteJobID)
	}

	job.RemoteJobID = &remoteJobID
	job.LocalStatus = types.JobStatusSubmitted
	job.UpdatedAt = s.now()
	s.remote[remoteJobID] = id
	return true, nil
}

// UpdateProgress records a non-terminal progress observation
func (s *MemoryJobStore) UpdateProgress(ctx context.Context, id string, status types.JobStatus, progress int, allowDecrease bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if job.LocalStatus != types.JobStatusSubmitted && job.LocalStatus != types.JobStatusProcessing {
		return false, nil
	}
	if !allowDecrease && progress < job.Progress {
		return false, nil
	}

	job.LocalStatus = status
	job.Progress = progress
	job.UpdatedAt = s.now()
	return true, nil
}

// Complete marks a non-terminal job completed
func (s *MemoryJobStore) Complete(ctx context.Context, id string, result *models.ResultArtifacts, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}

	job.LocalStatus = types.JobStatusCompleted
	job.Progress = 100
	job.Result = result.Clone()
	job.CompletedAt = &completedAt
	job.UpdatedAt = s.now()

	if tm, ok := s.trained[id]; ok {
		tm.ModelID = result.ModelID
		tm.VersionID = result.VersionID
		tm.WeightsURL = result.WeightsURL
		tm.Status = models.TrainedModelReady
		readyAt := completedAt
		tm.ReadyAt = &readyAt
	}
	return true, nil
}

// Fail marks a non-terminal job failed
func (s *MemoryJobStore) Fail(ctx context.Context, id string, code types.FailureCode, reason string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}

	job.LocalStatus = types.JobStatusFailed
	job.FailureCode = &code
	job.FailureReason = &reason
	job.CompletedAt = &completedAt
	job.UpdatedAt = s.now()
	return true, nil
}

// MarkRefunded records a refund for a job
func (s *MemoryJobStore) MarkRefunded(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.CostRefunded {
		return false, nil
	}
	job.CostRefunded = true
	job.UpdatedAt = s.now()
	return true, nil
}

// ListActive returns non-terminal jobs last updated before the cutoff, oldest first
func (s *MemoryJobStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.JobRecord, error) {
	return s.list(limit, func(j *models.JobRecord) bool {
		return !j.IsTerminal() && j.UpdatedAt.Before(updatedBefore)
	}, func(a, b *models.JobRecord) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}), nil
}

// ListUnrefundedFailures returns failed jobs with one of the given failure
// codes whose charge was never refunded
func (s *MemoryJobStore) ListUnrefundedFailures(ctx context.Context, codes []types.FailureCode, limit int) ([]*models.JobRecord, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	allowed := make(map[types.FailureCode]bool, len(codes))
	for _, code := range codes {
		allowed[code] = true
	}
	return s.list(limit, func(j *models.JobRecord) bool {
		return j.NeedsRefund() && j.FailureCode != nil && allowed[*j.FailureCode]
	}, func(a, b *models.JobRecord) bool {
		return a.CompletedAt != nil && b.CompletedAt != nil && a.CompletedAt.Before(*b.CompletedAt)
	}), nil
}

// GetTrainedModel returns the trained model row for a training job
func (s *MemoryJobStore) GetTrainedModel(ctx context.Context, jobID string) (*models.TrainedModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, ok := s.trained[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: trained model for %s", ErrJobNotFound, jobID)
	}
	c := *tm
	return &c, nil
}

func (s *MemoryJobStore) list(limit int, keep func(*models.JobRecord) bool, less func(a, b *models.JobRecord) bool) []*models.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.JobRecord
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
