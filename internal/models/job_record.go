package models

import (
	"encoding/json"
	"time"

	"github.com/sselfie/generation-core/internal/types"
)

// JobRecord is the local source of truth for one asynchronous generation job
type JobRecord struct {
	ID              string             `json:"id" db:"id"`
	UserID          string             `json:"userId" db:"user_id"`
	JobType         types.JobType      `json:"jobType" db:"job_type"`
	RemoteJobID     *string            `json:"remoteJobId,omitempty" db:"remote_job_id"`
	LocalStatus     types.JobStatus    `json:"status" db:"local_status"`
	Progress        int                `json:"progress" db:"progress"`
	Spec            json.RawMessage    `json:"-" db:"spec"`
	DestinationHint *string            `json:"destinationHint,omitempty" db:"destination_hint"`
	Cost            int64              `json:"cost" db:"cost"`
	CostCharged     bool               `json:"costCharged" db:"cost_charged"`
	CostRefunded    bool               `json:"costRefunded" db:"cost_refunded"`
	Result          *ResultArtifacts   `json:"result,omitempty" db:"result"`
	FailureCode     *types.FailureCode `json:"failureCode,omitempty" db:"failure_code"`
	FailureReason   *string            `json:"failureReason,omitempty" db:"failure_reason"`
	StartedAt       time.Time          `json:"startedAt" db:"started_at"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt       time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time          `json:"updatedAt" db:"updated_at"`
}

// IsTerminal reports whether the job has reached completed or failed
func (j *JobRecord) IsTerminal() bool {
	return j.LocalStatus.IsTerminal()
}

// NeedsRefund reports whether a failed, charged job has not been refunded yet
func (j *JobRecord) NeedsRefund() bool {
	return j.LocalStatus == types.JobStatusFailed && j.CostCharged && !j.CostRefunded && j.Cost > 0
}

// Clone returns a deep copy safe to hand out from in-memory stores
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	c := *j
	if j.RemoteJobID != nil {
		v := *j.RemoteJobID
		c.RemoteJobID = &v
	}
	if j.DestinationHint != nil {
		v := *j.DestinationHint
		c.DestinationHint = &v
	}
	if j.FailureCode != nil {
		v := *j.FailureCode
		c.FailureCode = &v
	}
	if j.FailureReason != nil {
		v := *j.FailureReason
		c.FailureReason = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	if j.Spec != nil {
		c.Spec = append(json.RawMessage(nil), j.Spec...)
	}
	if j.Result != nil {
		c.Result = j.Result.Clone()
	}
	return &c
}

// ResultArtifacts are the durable outputs of a completed job
type ResultArtifacts struct {
	ModelID    string   `json:"modelId,omitempty"`
	VersionID  string   `json:"versionId,omitempty"`
	WeightsURL string   `json:"weightsUrl,omitempty"`
	MediaURLs  []string `json:"mediaUrls,omitempty"`

	// Source records which resolution path produced the artifacts
	Source    string   `json:"source,omitempty"`
	Anomalies []string `json:"anomalies,omitempty"`
}

// Clone returns a deep copy
func (r *ResultArtifacts) Clone() *ResultArtifacts {
	if r == nil {
		return nil
	}
	c := *r
	c.MediaURLs = append([]string(nil), r.MediaURLs...)
	c.Anomalies = append([]string(nil), r.Anomalies...)
	return &c
}
