// Package types provides common type definitions for the generation job system.
package types

// JobType identifies the kind of asynchronous generation work
type JobType string

const (
	// JobTypeTraining represents a model fine-tuning job that produces weights
	JobTypeTraining JobType = "training"
	// JobTypeImageGeneration represents an image generation job
	JobTypeImageGeneration JobType = "image_generation"
	// JobTypeVideoGeneration represents a video (animation) generation job
	JobTypeVideoGeneration JobType = "video_generation"
)

// IsValid reports whether the job type is known
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeTraining, JobTypeImageGeneration, JobTypeVideoGeneration:
		return true
	}
	return false
}

// JobStatus represents the locally tracked lifecycle state of a job
type JobStatus string

const (
	// JobStatusPending represents a charged job not yet accepted by the provider
	JobStatusPending JobStatus = "pending"
	// JobStatusSubmitted represents a job accepted by the provider
	JobStatusSubmitted JobStatus = "submitted"
	// JobStatusProcessing represents a job the provider reports as running
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted represents a job with durable result artifacts
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed represents a job that ended without usable output
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ProviderStatus is the status vocabulary reported by the external provider
type ProviderStatus string

const (
	ProviderStatusStarting   ProviderStatus = "starting"
	ProviderStatusProcessing ProviderStatus = "processing"
	ProviderStatusSucceeded  ProviderStatus = "succeeded"
	ProviderStatusFailed     ProviderStatus = "failed"
	ProviderStatusCanceled   ProviderStatus = "canceled"
)

// LedgerKind tags every ledger entry
type LedgerKind string

const (
	LedgerKindPurchase          LedgerKind = "purchase"
	LedgerKindSubscriptionGrant LedgerKind = "subscription_grant"
	LedgerKindFreeGrant         LedgerKind = "free_grant"
	LedgerKindGenerationCharge  LedgerKind = "generation_charge"
	LedgerKindAnimationCharge   LedgerKind = "animation_charge"
	LedgerKindRefund            LedgerKind = "refund"
	LedgerKindRemoval           LedgerKind = "removal"
)

// IsGrant reports whether the kind adds credits from a grant source
func (k LedgerKind) IsGrant() bool {
	switch k {
	case LedgerKindPurchase, LedgerKindSubscriptionGrant, LedgerKindFreeGrant:
		return true
	}
	return false
}

// IsCharge reports whether the kind consumes credits for work
func (k LedgerKind) IsCharge() bool {
	return k == LedgerKindGenerationCharge || k == LedgerKindAnimationCharge
}

// IsCredit reports whether entries of this kind carry a positive amount
func (k LedgerKind) IsCredit() bool {
	return k.IsGrant() || k == LedgerKindRefund
}

// ChargeKindFor returns the ledger kind used to charge a job type
func ChargeKindFor(jobType JobType) LedgerKind {
	if jobType == JobTypeVideoGeneration {
		return LedgerKindAnimationCharge
	}
	return LedgerKindGenerationCharge
}

// ProgressSource names where a progress value came from
type ProgressSource string

const (
	ProgressSourceProviderMetrics ProgressSource = "provider_metrics"
	ProgressSourceLogParse        ProgressSource = "log_parse"
	ProgressSourceTimeEstimate    ProgressSource = "time_estimate"
	ProgressSourceTerminal        ProgressSource = "terminal"
)

// IsConcrete reports whether the value was reported by the provider rather than estimated
func (s ProgressSource) IsConcrete() bool {
	return s == ProgressSourceProviderMetrics || s == ProgressSourceLogParse
}

// FailureCode distinguishes why a job ended in the failed state
type FailureCode string

const (
	// FailureProviderFailed means the provider reported the job failed
	FailureProviderFailed FailureCode = "provider_failed"
	// FailureProviderCanceled means the provider reported the job canceled
	FailureProviderCanceled FailureCode = "provider_canceled"
	// FailureUnresolvedOutput means the provider succeeded but no durable artifact could be identified
	FailureUnresolvedOutput FailureCode = "unresolved_output"
	// FailureSubmissionFailed means the provider rejected or never received the submission
	FailureSubmissionFailed FailureCode = "submission_failed"
	// FailureSubmissionLost means a charged job never obtained a remote id
	FailureSubmissionLost FailureCode = "submission_lost"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
