package models

import "time"

// TrainedModelStatus represents the lifecycle of a user's trained model
type TrainedModelStatus string

const (
	TrainedModelTraining TrainedModelStatus = "training"
	TrainedModelReady    TrainedModelStatus = "ready"
)

// TrainedModel is the user-facing model produced by a training job.
// It is marked ready in the same transaction that completes the job.
type TrainedModel struct {
	UserID     string             `json:"userId" db:"user_id"`
	JobID      string             `json:"jobId" db:"job_id"`
	ModelID    string             `json:"modelId" db:"model_id"`
	VersionID  string             `json:"versionId" db:"version_id"`
	WeightsURL string             `json:"weightsUrl" db:"weights_url"`
	Status     TrainedModelStatus `json:"status" db:"status"`
	ReadyAt    *time.Time         `json:"readyAt,omitempty" db:"ready_at"`
	CreatedAt  time.Time          `json:"createdAt" db:"created_at"`
}
