// Package service exposes the generation core to its callers: the HTTP API,
// provider webhooks and internal billing hooks.
package service

import (
	"context"
	"time"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/job"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/types"
)

const (
	defaultLedgerPageSize = 50
	maxLedgerPageSize     = 500
)

// JobStatusView is what callers see for a job
type JobStatusView struct {
	JobID         string                  `json:"jobId"`
	JobType       types.JobType           `json:"jobType"`
	Status        types.JobStatus         `json:"status"`
	Progress      int                     `json:"progress"`
	Result        *models.ResultArtifacts `json:"result,omitempty"`
	FailureCode   *types.FailureCode      `json:"failureCode,omitempty"`
	FailureReason *string                 `json:"failureReason,omitempty"`
	Refunded      bool                    `json:"refunded"`
	StartedAt     time.Time               `json:"startedAt"`
	CompletedAt   *time.Time              `json:"completedAt,omitempty"`

	// Stale is set when the provider could not be reached and the stored record is returned as-is
	Stale bool `json:"stale,omitempty"`
}

// BalanceView is a user's credit position
type BalanceView struct {
	UserID       string `json:"userId"`
	Balance      int64  `json:"balance"`
	TotalGranted int64  `json:"totalGranted"`
	TotalUsed    int64  `json:"totalUsed"`
}

// GenerationService coordinates credits and job lifecycle for API callers
type GenerationService struct {
	submitter  *job.Submitter
	reconciler *job.Reconciler
	ledger     *ledger.Ledger
	monitor    *PollMonitor
	logger     *logging.Logger
}

// NewGenerationService creates a new generation service
func NewGenerationService(
	submitter *job.Submitter,
	reconciler *job.Reconciler,
	l *ledger.Ledger,
	logger *logging.Logger,
) *GenerationService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &GenerationService{
		submitter:  submitter,
		reconciler: reconciler,
		ledger:     l,
		monitor:    NewPollMonitor(),
		logger:     logger.WithField("component", "generation_service"),
	}
}

// Monitor returns the status poll monitor
func (s *GenerationService) Monitor() *PollMonitor {
	return s.monitor
}

// SubmitJob charges the user and submits the job to the provider
func (s *GenerationService) SubmitJob(ctx context.Context, in job.SubmitInput) (*job.SubmitResult, error) {
	return s.submitter.Submit(ctx, in)
}

// GetJobStatus runs one reconciliation pass for a job the user owns and returns
// the resulting record. When the provider is unreachable the stored record is
// returned with Stale set instead of an error.
func (s *GenerationService) GetJobStatus(ctx context.Context, jobID, userID string) (*JobStatusView, error) {
	if userID == "" {
		return nil, apperrors.NewUnauthorizedError("user id is required")
	}

	record, err := s.reconciler.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, apperrors.NewForbiddenError("job belongs to another user")
	}

	start := time.Now()
	res, err := s.reconciler.ReconcileRecord(ctx, record, job.Options{Priority: ratelimit.PriorityHigh})
	if err != nil {
		if apperrors.IsProviderUnavailable(err) {
			s.monitor.RecordPoll(time.Since(start), "", true)
			logging.FromContext(ctx).WithError(err).WithField("job_id", jobID).Warn("returning stale job status")
			view := newJobStatusView(record)
			view.Stale = true
			return view, nil
		}
		return nil, err
	}
	s.monitor.RecordPoll(time.Since(start), res.Outcome, false)

	return newJobStatusView(res.Job), nil
}

// ReconcileFromWebhook reconciles a job after the provider signalled a change.
// The webhook body is never trusted; the provider is asked for the job state.
func (s *GenerationService) ReconcileFromWebhook(ctx context.Context, jobID string) (*JobStatusView, error) {
	res, err := s.reconciler.Reconcile(ctx, jobID, job.Options{Priority: ratelimit.PriorityHigh})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"job_id":  jobID,
		"outcome": res.Outcome,
		"status":  res.Job.LocalStatus,
	}).Info("webhook reconciled job")

	return newJobStatusView(res.Job), nil
}

// GetBalance returns the user's balance
func (s *GenerationService) GetBalance(ctx context.Context, userID string) (*BalanceView, error) {
	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		UserID:       userID,
		Balance:      account.Balance,
		TotalGranted: account.TotalGranted,
		TotalUsed:    account.TotalUsed,
	}, nil
}

// ListLedger returns the user's ledger entries, newest first
func (s *GenerationService) ListLedger(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultLedgerPageSize
	}
	if limit > maxLedgerPageSize {
		limit = maxLedgerPageSize
	}
	return s.ledger.ListEntries(ctx, userID, limit)
}

// GrantCredits applies an externally triggered grant such as a purchase or a
// subscription renewal. Redelivered events are absorbed by the idempotency key.
func (s *GenerationService) GrantCredits(ctx context.Context, in ledger.GrantInput) (*ledger.GrantResult, error) {
	return s.ledger.Grant(ctx, in)
}

// RemoveCredits reverses an erroneous grant
func (s *GenerationService) RemoveCredits(ctx context.Context, in ledger.RemoveInput) (*ledger.GrantResult, error) {
	return s.ledger.Remove(ctx, in)
}

func newJobStatusView(record *models.JobRecord) *JobStatusView {
	return &JobStatusView{
		JobID:         record.ID,
		JobType:       record.JobType,
		Status:        record.LocalStatus,
		Progress:      record.Progress,
		Result:        record.Result,
		FailureCode:   record.FailureCode,
		FailureReason: record.FailureReason,
		Refunded:      record.CostRefunded,
		StartedAt:     record.StartedAt,
		CompletedAt:   record.CompletedAt,
	}
}
