package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/storage"
	"github.com/sselfie/generation-core/internal/types"
)

// SnapshotInvalidator reads and drops cached terminal job records
type SnapshotInvalidator interface {
	Get(ctx context.Context, jobID string) (*models.JobRecord, bool, error)
	Invalidate(ctx context.Context, jobID string) error
}

// ConsistencyChecker cross-checks job records, the ledger and the terminal
// snapshot cache. It backs the internal diagnostics endpoints.
type ConsistencyChecker struct {
	jobs      storage.JobStore
	ledger    *ledger.Ledger
	snapshots SnapshotInvalidator
	logger    *logging.Logger
}

// NewConsistencyChecker creates a new consistency checker. snapshots may be nil.
func NewConsistencyChecker(
	jobs storage.JobStore,
	l *ledger.Ledger,
	snapshots SnapshotInvalidator,
	logger *logging.Logger,
) *ConsistencyChecker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ConsistencyChecker{
		jobs:      jobs,
		ledger:    l,
		snapshots: snapshots,
		logger:    logger.WithField("component", "consistency_checker"),
	}
}

// ConsistencyCheckResult represents the result of a consistency check
type ConsistencyCheckResult struct {
	Subject          string    `json:"subject"`
	Consistent       bool      `json:"consistent"`
	Inconsistencies  []string  `json:"inconsistencies,omitempty"`
	CheckedAt        time.Time `json:"checkedAt"`
	CacheInvalidated bool      `json:"cacheInvalidated"`
}

// CheckUser replays a user's ledger and compares it with the materialized balance
func (cc *ConsistencyChecker) CheckUser(ctx context.Context, userID string) (*ConsistencyCheckResult, error) {
	report, err := cc.ledger.VerifyConservation(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ConsistencyCheckResult{
		Subject:    "user:" + userID,
		Consistent: report.Consistent(),
		CheckedAt:  time.Now().UTC(),
	}
	if !result.Consistent {
		if report.Balance != report.EntrySum {
			result.Inconsistencies = append(result.Inconsistencies,
				fmt.Sprintf("balance %d does not match ledger sum %d", report.Balance, report.EntrySum))
		}
		if report.Balance != report.TotalGranted-report.TotalUsed {
			result.Inconsistencies = append(result.Inconsistencies,
				fmt.Sprintf("balance %d does not match granted %d minus used %d", report.Balance, report.TotalGranted, report.TotalUsed))
		}
	}
	return result, nil
}

// CheckJob verifies a job's charge and refund entries against its record, and
// drops a cached snapshot that disagrees with the store
func (cc *ConsistencyChecker) CheckJob(ctx context.Context, jobID string) (*ConsistencyCheckResult, error) {
	record, err := cc.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil, apperrors.NewNotFoundError("job", jobID)
		}
		return nil, apperrors.NewDatabaseError("get job", err)
	}

	result := &ConsistencyCheckResult{
		Subject:   "job:" + jobID,
		CheckedAt: time.Now().UTC(),
	}

	entries, err := cc.ledger.ListByReference(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var charges, refunds int
	var charged, refunded int64
	for _, e := range entries {
		if e.UserID != record.UserID {
			result.Inconsistencies = append(result.Inconsistencies,
				fmt.Sprintf("entry %s belongs to user %s", e.ID, e.UserID))
			continue
		}
		switch {
		case e.Kind.IsCharge():
			charges++
			charged += -e.Amount
		case e.Kind == types.LedgerKindRefund:
			refunds++
			refunded += e.Amount
		}
	}

	if record.CostCharged && (charges != 1 || charged != record.Cost) {
		result.Inconsistencies = append(result.Inconsistencies,
			fmt.Sprintf("expected one charge of %d, found %d totalling %d", record.Cost, charges, charged))
	}
	if refunds > 1 {
		result.Inconsistencies = append(result.Inconsistencies, fmt.Sprintf("refunded %d times", refunds))
	}
	if record.CostRefunded && refunds == 0 {
		result.Inconsistencies = append(result.Inconsistencies, "marked refunded but no refund entry exists")
	}
	if refunds > 0 && refunded != record.Cost {
		result.Inconsistencies = append(result.Inconsistencies,
			fmt.Sprintf("refund total %d differs from cost %d", refunded, record.Cost))
	}
	if record.LocalStatus == types.JobStatusCompleted && refunds > 0 {
		result.Inconsistencies = append(result.Inconsistencies, "completed job was refunded")
	}

	if cc.snapshots != nil {
		cached, found, err := cc.snapshots.Get(ctx, jobID)
		if err != nil {
			cc.logger.WithError(err).WithField("job_id", jobID).Warn("snapshot cache read failed")
		} else if found && !sameTerminalState(cached, record) {
			result.Inconsistencies = append(result.Inconsistencies, "cached snapshot differs from stored record")
			if err := cc.snapshots.Invalidate(ctx, jobID); err != nil {
				cc.logger.WithError(err).WithField("job_id", jobID).Warn("failed to invalidate snapshot")
			} else {
				result.CacheInvalidated = true
			}
		}
	}

	result.Consistent = len(result.Inconsistencies) == 0
	if !result.Consistent {
		cc.logger.WithFields(map[string]interface{}{
			"job_id":          jobID,
			"inconsistencies": result.Inconsistencies,
		}).Error("job inconsistent with ledger")
	}
	return result, nil
}

func sameTerminalState(cached, stored *models.JobRecord) bool {
	if cached.LocalStatus != stored.LocalStatus || cached.Progress != stored.Progress {
		return false
	}
	if (cached.Result == nil) != (stored.Result == nil) {
		return false
	}
	if cached.Result != nil && (cached.Result.ModelID != stored.Result.ModelID ||
		cached.Result.VersionID != stored.Result.VersionID ||
		cached.Result.WeightsURL != stored.Result.WeightsURL) {
		return false
	}
	return true
}
