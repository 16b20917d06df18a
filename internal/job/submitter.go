// Package job owns the lifecycle of generation jobs: charging and submitting
// them, then converging their records to the provider's truth.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sselfie/generation-core/internal/adapter"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/storage"
	"github.com/sselfie/generation-core/internal/types"
)

// SubmitInput describes a job a user wants to run
type SubmitInput struct {
	UserID       string                 `json:"-"`
	JobType      types.JobType          `json:"jobType"`
	Model        string                 `json:"model,omitempty"`
	Version      string                 `json:"version,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	DeclaredCost int64                  `json:"cost"`

	// Destination is the model a training job will publish to. It is stored as
	// the hint the output resolver trusts over anything the provider echoes.
	Destination string `json:"destination,omitempty"`
}

// SubmitResult is returned by a successful submission
type SubmitResult struct {
	JobID       string          `json:"jobId"`
	RemoteJobID string          `json:"remoteJobId"`
	Status      types.JobStatus `json:"status"`
	NewBalance  int64           `json:"balance"`
}

// storedSpec is what gets persisted as the job's spec
type storedSpec struct {
	Model       string                 `json:"model,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Destination string                 `json:"destination,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
}

// Submitter charges credits and submits jobs to the provider
type Submitter struct {
	store    storage.JobStore
	ledger   *ledger.Ledger
	provider adapter.Provider
	logger   *logging.Logger
	now      func() time.Time
}

// NewSubmitter creates a submitter
func NewSubmitter(store storage.JobStore, l *ledger.Ledger, provider adapter.Provider, logger *logging.Logger) *Submitter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Submitter{
		store:    store,
		ledger:   l,
		provider: provider,
		logger:   logger.WithField("component", "job_submitter"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (s *Submitter) SetClock(now func() time.Time) {
	s.now = now
}

// Submit charges the declared cost, records the job, and submits it. When the
// provider refuses or is unreachable the job is marked failed and the charge is
// refunded before the error is returned.
func (s *Submitter) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	logger := s.logger.WithFields(map[string]interface{}{
		"job_id":   jobID,
		"user_id":  in.UserID,
		"job_type": in.JobType,
	})

	charge, err := s.ledger.Deduct(ctx, ledger.DeductInput{
		UserID:      in.UserID,
		Amount:      in.DeclaredCost,
		Kind:        types.ChargeKindFor(in.JobType),
		Description: fmt.Sprintf("%s job %s", in.JobType, jobID),
		ReferenceID: jobID,
	})
	if err != nil {
		return nil, err
	}

	spec, err := json.Marshal(storedSpec{
		Model:       in.Model,
		Version:     in.Version,
		Destination: in.Destination,
		Input:       in.Input,
	})
	if err != nil {
		s.refundCharge(ctx, logger, in.UserID, jobID, in.DeclaredCost, "job could not be recorded")
		return nil, apperrors.NewInvalidParameterError("input", "must be JSON encodable")
	}

	now := s.now()
	record := &models.JobRecord{
		ID:          jobID,
		UserID:      in.UserID,
		JobType:     in.JobType,
		LocalStatus: types.JobStatusPending,
		Spec:        spec,
		Cost:        in.DeclaredCost,
		CostCharged: true,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Destination != "" {
		hint := in.Destination
		record.DestinationHint = &hint
	}

	if err := s.store.Create(ctx, record); err != nil {
		logger.WithError(err).Error("failed to record job after charge")
		s.refundCharge(ctx, logger, in.UserID, jobID, in.DeclaredCost, "job could not be recorded")
		return nil, apperrors.NewDatabaseError("create job", err)
	}

	remoteID, err := s.provider.Submit(ratelimit.WithPriority(ctx, ratelimit.PriorityHigh), adapter.JobSpec{
		JobID:       jobID,
		JobType:     in.JobType,
		Model:       in.Model,
		Version:     in.Version,
		Destination: in.Destination,
		Input:       in.Input,
	})
	if err != nil {
		logger.WithError(err).Warn("provider submission failed")
		s.failSubmission(ctx, logger, record, err)
		return nil, err
	}

	ok, err := s.store.MarkSubmitted(ctx, jobID, remoteID)
	if err != nil || !ok {
		// The provider is running the job; the reconciler will fail it as lost
		// after the stale window if this record never gets its remote id.
		logger.WithError(err).WithField("remote_id", remoteID).Error("failed to record remote job id")
		if err != nil {
			return nil, apperrors.NewDatabaseError("mark job submitted", err)
		}
		return nil, apperrors.NewConflictError("job left pending state during submission")
	}

	logger.WithFields(map[string]interface{}{
		"remote_id": remoteID,
		"cost":      in.DeclaredCost,
	}).Info("job submitted")

	return &SubmitResult{
		JobID:       jobID,
		RemoteJobID: remoteID,
		Status:      types.JobStatusSubmitted,
		NewBalance:  charge.NewBalance,
	}, nil
}

func (s *Submitter) failSubmission(ctx context.Context, logger *logging.Logger, record *models.JobRecord, cause error) {
	// The caller's context may already be cancelled; the refund must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := s.store.Fail(ctx, record.ID, types.FailureSubmissionFailed, cause.Error(), s.now()); err != nil {
		logger.WithError(err).Error("failed to mark job failed after submission error")
	}
	if s.refundCharge(ctx, logger, record.UserID, record.ID, record.Cost, "provider submission failed") {
		if _, err := s.store.MarkRefunded(ctx, record.ID); err != nil {
			logger.WithError(err).Error("failed to mark job refunded")
		}
	}
}

func (s *Submitter) refundCharge(ctx context.Context, logger *logging.Logger, userID, jobID string, amount int64, reason string) bool {
	_, err := s.ledger.Refund(ctx, ledger.RefundInput{
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		ReferenceID:    jobID,
		IdempotencyKey: ledger.RefundKeyForJob(jobID),
	})
	if err != nil {
		logger.WithError(err).Error("refund after failed submission did not apply")
		return false
	}
	return true
}

func validateSubmit(in SubmitInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return apperrors.NewUnauthorizedError("user id is required")
	}
	if !in.JobType.IsValid() {
		return apperrors.NewInvalidParameterError("jobType", fmt.Sprintf("unsupported job type %q", in.JobType))
	}
	if in.DeclaredCost <= 0 {
		return apperrors.NewInvalidParameterError("cost", "must be positive")
	}
	if in.JobType == types.JobTypeTraining && strings.TrimSpace(in.Destination) == "" {
		return apperrors.NewInvalidParameterError("destination", "is required for training jobs")
	}
	if in.JobType != types.JobTypeTraining && in.Model == "" && in.Version == "" {
		return apperrors.NewInvalidParameterError("model", "model or version is required")
	}
	return nil
}
