package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

const jobColumns = `
	id::text, user_id, job_type, remote_job_id, local_status, progress, spec,
	destination_hint, cost, cost_charged, cost_refunded, result, failure_code,
	failure_reason, started_at, completed_at, created_at, updated_at
`

// JobRepository handles generation job persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record. Training jobs also get a trained_models row in the training state.
func (r *JobRepository) Create(ctx context.Context, job *models.JobRecord) error {
	spec := job.Spec
	if len(spec) == 0 {
		spec = json.RawMessage(`{}`)
	}

	tx, err := r.db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin job transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (
			id, user_id, job_type, remote_job_id, local_status, progress, spec,
			destination_hint, cost, cost_charged, cost_refunded, started_at,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`,
		job.ID,
		job.UserID,
		job.JobType,
		job.RemoteJobID,
		job.LocalStatus,
		job.Progress,
		spec,
		job.DestinationHint,
		job.Cost,
		job.CostCharged,
		job.CostRefunded,
		job.StartedAt,
		job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	if job.JobType == types.JobTypeTraining {
		if _, err := tx.Exec(ctx, `
			INSERT INTO trained_models (job_id, user_id, status, created_at)
			VALUES ($1, $2, $3, $4)
		`, job.ID, job.UserID, models.TrainedModelTraining, job.CreatedAt); err != nil {
			return fmt.Errorf("failed to create trained model row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}

	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// MarkSubmitted moves a pending job to submitted
func (r *JobRepository) MarkSubmitted(ctx context.Context, id, remoteJobID string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE generation_jobs
		SET remote_job_id = $2, local_status = 'submitted', updated_at = NOW()
		WHERE id = $1 AND local_status = 'pending'
	`, id, remoteJobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job submitted: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateProgress records a non-terminal progress observation
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, status types.JobStatus, progress int, allowDecrease bool) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE generation_jobs
		SET local_status = $2, progress = $3, updated_at = NOW()
		WHERE id = $1
		  AND local_status IN ('submitted', 'processing')
		  AND ($4 OR progress <= $3)
	`, id, status, progress, allowDecrease)
	if err != nil {
		return false, fmt.Errorf("failed to update job progress: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Complete marks a job completed. For training jobs the trained model is marked
// ready in the same transaction.
func (r *JobRepository) Complete(ctx context.Context, id string, result *models.ResultArtifacts, completedAt time.Time) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to encode job result: %w", err)
	}

	tx, err := r.db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	var jobType types.JobType
	err = tx.QueryRow(ctx, `
		UPDATE generation_jobs
		SET local_status = 'completed', progress = 100, result = $2,
			completed_at = $3, updated_at = NOW()
		WHERE id = $1 AND local_status NOT IN ('completed', 'failed')
		RETURNING job_type
	`, id, payload, completedAt).Scan(&jobType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to complete job: %w", err)
	}

	if jobType == types.JobTypeTraining {
		if _, err := tx.Exec(ctx, `
			UPDATE trained_models
			SET model_id = $2, version_id = $3, weights_url = $4, status = $5, ready_at = $6
			WHERE job_id = $1
		`, id, result.ModelID, result.VersionID, result.WeightsURL, models.TrainedModelReady, completedAt); err != nil {
			return false, fmt.Errorf("failed to mark trained model ready: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit job completion: %w", err)
	}

	return true, nil
}

// Fail marks a job failed with a reason code and message
func (r *JobRepository) Fail(ctx context.Context, id string, code types.FailureCode, reason string, completedAt time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE generation_jobs
		SET local_status = 'failed', failure_code = $2, failure_reason = $3,
			completed_at = $4, updated_at = NOW()
		WHERE id = $1 AND local_status NOT IN ('completed', 'failed')
	`, id, code, reason, completedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkRefunded records that the charge for a failed job was returned
func (r *JobRepository) MarkRefunded(ctx context.Context, id string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE generation_jobs
		SET cost_refunded = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT cost_refunded
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark job refunded: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListActive returns non-terminal jobs last touched before the cutoff
func (r *JobRepository) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE local_status IN ('pending', 'submitted', 'processing')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, updatedBefore, limit)
}

// ListUnrefundedFailures returns failed, charged jobs with one of the given
// failure codes whose refund was never recorded
func (r *JobRepository) ListUnrefundedFailures(ctx context.Context, codes []types.FailureCode, limit int) ([]*models.JobRecord, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = string(code)
	}

	query := `SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE local_status = 'failed' AND cost_charged AND NOT cost_refunded
		  AND failure_code = ANY($1::text[])
		ORDER BY completed_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, names, limit)
}

// GetTrainedModel returns the trained model produced by a training job
func (r *JobRepository) GetTrainedModel(ctx context.Context, jobID string) (*models.TrainedModel, error) {
	query := `
		SELECT user_id, job_id::text, model_id, version_id, weights_url, status, ready_at, created_at
		FROM trained_models
		WHERE job_id = $1
	`

	var m models.TrainedModel
	var status string
	err := r.db.Pool().QueryRow(ctx, query, jobID).Scan(
		&m.UserID,
		&m.JobID,
		&m.ModelID,
		&m.VersionID,
		&m.WeightsURL,
		&status,
		&m.ReadyAt,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: trained model for %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get trained model: %w", err)
	}
	m.Status = models.TrainedModelStatus(status)

	return &m, nil
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]*models.JobRecord, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var job models.JobRecord
	var jobType, status string
	var spec, result []byte
	var failureCode *string

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&jobType,
		&job.RemoteJobID,
		&status,
		&job.Progress,
		&spec,
		&job.DestinationHint,
		&job.Cost,
		&job.CostCharged,
		&job.CostRefunded,
		&result,
		&failureCode,
		&job.FailureReason,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.JobType = types.JobType(jobType)
	job.LocalStatus = types.JobStatus(status)
	job.Spec = json.RawMessage(spec)

	if failureCode != nil {
		code := types.FailureCode(*failureCode)
		job.FailureCode = &code
	}

	if len(result) > 0 {
		var artifacts models.ResultArtifacts
		if err := json.Unmarshal(result, &artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
		job.Result = &artifacts
	}

	return &job, nil
}
