package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sselfie/generation-core/internal/adapter"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/progress"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/resolver"
	"github.com/sselfie/generation-core/internal/storage"
	"github.com/sselfie/generation-core/internal/types"
)

// Outcome describes what a reconciliation pass did
type Outcome string

const (
	// OutcomeTerminalCached means the job was already terminal and no provider call was made
	OutcomeTerminalCached Outcome = "terminal_cached"
	// OutcomeUnchanged means the provider was consulted but nothing was written
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeProgressed means status or progress was updated
	OutcomeProgressed Outcome = "progressed"
	// OutcomeCompleted means this pass completed the job
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means this pass failed the job
	OutcomeFailed Outcome = "failed"
	// OutcomeCoalesced means another reconciler holds the poll lock; the stored record is returned
	OutcomeCoalesced Outcome = "coalesced"
)

// SnapshotCache stores terminal job records
type SnapshotCache interface {
	Get(ctx context.Context, jobID string) (*models.JobRecord, bool, error)
	Put(ctx context.Context, job *models.JobRecord) error
}

// Locker coalesces concurrent polls of one job
type Locker interface {
	TryAcquire(ctx context.Context, jobID string) (release func(), ok bool, err error)
}

// ReconcilerConfig tunes the reconciliation loop
type ReconcilerConfig struct {
	// RefundFailedJobs refunds charged jobs the provider reports failed or canceled
	RefundFailedJobs bool
	// SubmitStaleAfter is how long a job may stay pending without a remote id
	SubmitStaleAfter time.Duration
	// ExpectedDuration per job type drives time-based progress estimates
	ExpectedDuration map[types.JobType]time.Duration
}

// DefaultReconcilerConfig returns the production defaults
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		RefundFailedJobs: true,
		SubmitStaleAfter: 10 * time.Minute,
		ExpectedDuration: map[types.JobType]time.Duration{
			types.JobTypeTraining:        20 * time.Minute,
			types.JobTypeImageGeneration: time.Minute,
			types.JobTypeVideoGeneration: 5 * time.Minute,
		},
	}
}

// Options are per-call reconciliation options
type Options struct {
	// Priority selects the provider budget pool. User-facing reads use high.
	Priority ratelimit.Priority
}

// Result is the record after reconciliation. Failure is set for failed jobs
// and carries the provider's verbatim reason or the unresolved-output detail.
type Result struct {
	Job     *models.JobRecord
	Outcome Outcome
	Failure error
}

// Reconciler converges local job records toward provider truth
type Reconciler struct {
	store     storage.JobStore
	provider  adapter.Provider
	resolver  *resolver.Resolver
	ledger    *ledger.Ledger
	snapshots SnapshotCache
	locker    Locker
	cfg       ReconcilerConfig
	logger    *logging.Logger
	now       func() time.Time
}

// ReconcilerDeps groups the reconciler's collaborators. Snapshots and Locker are optional.
type ReconcilerDeps struct {
	Store     storage.JobStore
	Provider  adapter.Provider
	Resolver  *resolver.Resolver
	Ledger    *ledger.Ledger
	Snapshots SnapshotCache
	Locker    Locker
	Logger    *logging.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(deps ReconcilerDeps, cfg ReconcilerConfig) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if cfg.ExpectedDuration == nil {
		cfg.ExpectedDuration = DefaultReconcilerConfig().ExpectedDuration
	}
	return &Reconciler{
		store:     deps.Store,
		provider:  deps.Provider,
		resolver:  deps.Resolver,
		ledger:    deps.Ledger,
		snapshots: deps.Snapshots,
		locker:    deps.Locker,
		cfg:       cfg,
		logger:    logger.WithField("component", "job_reconciler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Load returns the job record, preferring the terminal snapshot cache
func (r *Reconciler) Load(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if job := r.cached(ctx, jobID); job != nil {
		return job, nil
	}
	job, err := r.store.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil, apperrors.NewNotFoundError("job", jobID)
		}
		return nil, apperrors.NewDatabaseError("get job", err)
	}
	return job, nil
}

// Reconcile makes one bounded attempt to move a job toward the provider's
// state. Terminal jobs return without contacting the provider. A provider
// error leaves the record untouched and is returned to the caller.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, opts Options) (*Result, error) {
	job, err := r.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return r.ReconcileRecord(ctx, job, opts)
}

// ReconcileRecord reconciles a record the caller already loaded
func (r *Reconciler) ReconcileRecord(ctx context.Context, job *models.JobRecord, opts Options) (*Result, error) {
	logger := r.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.JobType,
	})

	if job.IsTerminal() {
		r.cache(ctx, logger, job)
		return &Result{Job: job, Outcome: OutcomeTerminalCached, Failure: FailureOf(job)}, nil
	}

	if job.RemoteJobID == nil || *job.RemoteJobID == "" {
		return r.reconcilePending(ctx, logger, job)
	}

	if r.locker != nil {
		release, ok, err := r.locker.TryAcquire(ctx, job.ID)
		if err != nil {
			logger.WithError(err).Warn("poll lock unavailable, polling without it")
		} else if !ok {
			logger.Debug("poll already in flight")
			return &Result{Job: job, Outcome: OutcomeCoalesced}, nil
		}
		defer release()
	}

	snap, err := r.provider.Fetch(ratelimit.WithPriority(ctx, opts.Priority), adapter.RemoteJob{
		ID:      *job.RemoteJobID,
		JobType: job.JobType,
	})
	if err != nil {
		logger.WithError(err).Warn("provider fetch failed")
		return nil, err
	}

	if !snap.Known() {
		logger.WithField("raw_status", snap.RawStatus).Warn("unrecognized provider status")
		return &Result{Job: job, Outcome: OutcomeUnchanged}, nil
	}

	switch snap.Status {
	case types.ProviderStatusStarting, types.ProviderStatusProcessing:
		return r.applyProgress(ctx, logger, job, snap)
	case types.ProviderStatusSucceeded:
		return r.applySuccess(ctx, logger, job, snap)
	default:
		code := types.FailureProviderFailed
		if snap.Status == types.ProviderStatusCanceled {
			code = types.FailureProviderCanceled
		}
		reason := snap.Error
		if reason == "" {
			reason = fmt.Sprintf("provider reported %s", snap.Status)
		}
		return r.fail(ctx, logger, job, code, reason, r.cfg.RefundFailedJobs)
	}
}

func (r *Reconciler) reconcilePending(ctx context.Context, logger *logging.Logger, job *models.JobRecord) (*Result, error) {
	if r.cfg.SubmitStaleAfter <= 0 || r.now().Sub(job.CreatedAt) < r.cfg.SubmitStaleAfter {
		return &Result{Job: job, Outcome: OutcomeUnchanged}, nil
	}
	logger.Warn("pending job never obtained a remote id")
	return r.fail(ctx, logger, job, types.FailureSubmissionLost, "submission was never acknowledged by the provider", true)
}

func (r *Reconciler) applyProgress(ctx context.Context, logger *logging.Logger, job *models.JobRecord, snap *adapter.Snapshot) (*Result, error) {
	estimate := progress.Estimate(progress.Input{
		Status:           snap.Status,
		Metric:           snap.Progress,
		Logs:             snap.Logs,
		StartedAt:        job.StartedAt,
		Now:              r.now(),
		ExpectedDuration: r.cfg.ExpectedDuration[job.JobType],
	})
	value, allowDecrease := progress.Merge(job.Progress, estimate)

	if job.LocalStatus == types.JobStatusProcessing && value == job.Progress {
		return &Result{Job: job, Outcome: OutcomeUnchanged}, nil
	}

	ok, err := r.store.UpdateProgress(ctx, job.ID, types.JobStatusProcessing, value, allowDecrease)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update job progress", err)
	}
	if !ok {
		return r.reload(ctx, job.ID, OutcomeUnchanged)
	}

	logger.WithFields(map[string]interface{}{
		"progress": value,
		"source":   estimate.Source,
	}).Debug("job progressed")

	updated := job.Clone()
	updated.LocalStatus = types.JobStatusProcessing
	updated.Progress = value
	updated.UpdatedAt = r.now()
	return &Result{Job: updated, Outcome: OutcomeProgressed}, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, logger *logging.Logger, job *models.JobRecord, snap *adapter.Snapshot) (*Result, error) {
	hint := ""
	if job.DestinationHint != nil {
		hint = *job.DestinationHint
	}

	resolution, err := r.resolver.Resolve(ctx, job.JobType, snap.Output, hint)
	if err != nil {
		// Nothing is persisted; the next pass resolves again
		logger.WithError(err).Warn("output resolution deferred")
		return nil, err
	}

	if !resolution.Resolved {
		detail := resolution.Detail
		if snap.OutputAnomaly != "" {
			detail = fmt.Sprintf("%s (%s)", detail, snap.OutputAnomaly)
		}
		logger.WithFields(map[string]interface{}{
			"detail":    detail,
			"anomalies": resolution.Artifacts.Anomalies,
		}).Error("provider succeeded but output could not be resolved")
		return r.fail(ctx, logger, job, types.FailureUnresolvedOutput, detail, false)
	}

	completedAt := r.now()
	won, err := r.store.Complete(ctx, job.ID, resolution.Artifacts, completedAt)
	if err != nil {
		return nil, apperrors.NewDatabaseError("complete job", err)
	}
	if !won {
		return r.reload(ctx, job.ID, OutcomeTerminalCached)
	}

	logger.WithFields(map[string]interface{}{
		"model_id":   resolution.Artifacts.ModelID,
		"version_id": resolution.Artifacts.VersionID,
		"source":     resolution.Artifacts.Source,
	}).Info("job completed")

	return r.reload(ctx, job.ID, OutcomeCompleted)
}

func (r *Reconciler) fail(ctx context.Context, logger *logging.Logger, job *models.JobRecord, code types.FailureCode, reason string, refund bool) (*Result, error) {
	won, err := r.store.Fail(ctx, job.ID, code, reason, r.now())
	if err != nil {
		return nil, apperrors.NewDatabaseError("fail job", err)
	}
	if !won {
		return r.reload(ctx, job.ID, OutcomeTerminalCached)
	}

	logger.WithFields(map[string]interface{}{
		"failure_code": code,
		"reason":       reason,
	}).Info("job failed")

	if refund && job.CostCharged {
		failed := job.Clone()
		failed.LocalStatus = types.JobStatusFailed
		failed.FailureCode = &code
		if err := r.RefundJob(ctx, failed); err != nil {
			// Left for the sweeper's repair pass
			logger.WithError(err).Error("refund for failed job did not apply")
		}
	}

	return r.reload(ctx, job.ID, OutcomeFailed)
}

// RefundJob credits back a failed job's charge once. The ledger's idempotency
// key makes repeated calls harmless.
func (r *Reconciler) RefundJob(ctx context.Context, job *models.JobRecord) error {
	if !job.NeedsRefund() {
		return nil
	}
	reason := "job failed"
	if job.FailureCode != nil {
		reason = fmt.Sprintf("job failed: %s", *job.FailureCode)
	}
	if _, err := r.ledger.Refund(ctx, ledger.RefundInput{
		UserID:         job.UserID,
		Amount:         job.Cost,
		Reason:         reason,
		ReferenceID:    job.ID,
		IdempotencyKey: ledger.RefundKeyForJob(job.ID),
	}); err != nil {
		return err
	}
	marked, err := r.store.MarkRefunded(ctx, job.ID)
	if err != nil {
		return apperrors.NewDatabaseError("mark job refunded", err)
	}
	if marked && r.snapshots != nil {
		// The cached terminal snapshot still says unrefunded
		refreshed, err := r.store.GetByID(ctx, job.ID)
		if err != nil {
			return apperrors.NewDatabaseError("reload refunded job", err)
		}
		r.cache(ctx, r.logger.WithField("job_id", job.ID), refreshed)
	}
	return nil
}

// RefundEligible reports whether a failed job's charge should be returned
// under the configured policy
func (r *Reconciler) RefundEligible(job *models.JobRecord) bool {
	if !job.NeedsRefund() || job.FailureCode == nil {
		return false
	}
	for _, code := range r.RefundableFailureCodes() {
		if *job.FailureCode == code {
			return true
		}
	}
	return false
}

// RefundableFailureCodes lists the failure codes whose charge is returned
// under the configured policy
func (r *Reconciler) RefundableFailureCodes() []types.FailureCode {
	codes := []types.FailureCode{types.FailureSubmissionFailed, types.FailureSubmissionLost}
	if r.cfg.RefundFailedJobs {
		codes = append(codes, types.FailureProviderFailed, types.FailureProviderCanceled)
	}
	return codes
}

func (r *Reconciler) reload(ctx context.Context, jobID string, outcome Outcome) (*Result, error) {
	job, err := r.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("reload job", err)
	}
	if job.IsTerminal() {
		r.cache(ctx, r.logger.WithField("job_id", jobID), job)
		if outcome == OutcomeUnchanged {
			outcome = OutcomeTerminalCached
		}
	}
	return &Result{Job: job, Outcome: outcome, Failure: FailureOf(job)}, nil
}

func (r *Reconciler) cached(ctx context.Context, jobID string) *models.JobRecord {
	if r.snapshots == nil {
		return nil
	}
	job, found, err := r.snapshots.Get(ctx, jobID)
	if err != nil {
		r.logger.WithError(err).WithField("job_id", jobID).Warn("snapshot cache read failed")
		return nil
	}
	if !found {
		return nil
	}
	return job
}

func (r *Reconciler) cache(ctx context.Context, logger *logging.Logger, job *models.JobRecord) {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Put(ctx, job); err != nil {
		logger.WithError(err).Warn("snapshot cache write failed")
	}
}

// FailureOf returns the typed failure for a failed job, or nil
func FailureOf(job *models.JobRecord) error {
	if job == nil || job.LocalStatus != types.JobStatusFailed {
		return nil
	}
	reason := ""
	if job.FailureReason != nil {
		reason = *job.FailureReason
	}
	if job.FailureCode != nil && *job.FailureCode == types.FailureUnresolvedOutput {
		return apperrors.NewUnresolvedOutputError(job.ID, reason)
	}
	return apperrors.NewProviderReportedFailure(reason)
}
