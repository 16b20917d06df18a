// Package adapter is the boundary with the external generation provider. Every
// shape check on provider responses happens here; the rest of the core only
// sees the normalized types below.
package adapter

import (
	"context"
	"time"

	"github.com/sselfie/generation-core/internal/types"
)

// Provider is the contract with the asynchronous compute API
type Provider interface {
	// Submit starts a remote job and returns the provider's id for it
	Submit(ctx context.Context, spec JobSpec) (string, error)

	// Fetch reads the current state of a remote job
	Fetch(ctx context.Context, job RemoteJob) (*Snapshot, error)

	// ListVersions returns the versions of a model, newest first
	ListVersions(ctx context.Context, modelRef string) ([]Version, error)
}

// JobSpec describes a job to submit
type JobSpec struct {
	JobID   string
	JobType types.JobType

	// Model and Version select what runs for image and video generation.
	// Training always runs the configured trainer.
	Model   string
	Version string

	// Destination is the model that a training job writes its result to
	Destination string

	Input map[string]interface{}
}

// RemoteJob identifies a job on the provider side
type RemoteJob struct {
	ID      string
	JobType types.JobType
}

// Snapshot is the normalized view of a remote job.
// Status is empty when the provider reported something unrecognized; RawStatus keeps the original.
type Snapshot struct {
	Status    types.ProviderStatus
	RawStatus string
	Logs      string

	// Progress is a fraction in [0,1] when the provider reports one
	Progress *float64
	Output   *Output
	Error    string

	// OutputAnomaly is set when the output had a shape no artifact can be read
	// from. Output is nil in that case.
	OutputAnomaly string
}

// Known reports whether the provider status maps onto the local state machine
func (s *Snapshot) Known() bool {
	switch s.Status {
	case types.ProviderStatusStarting, types.ProviderStatusProcessing,
		types.ProviderStatusSucceeded, types.ProviderStatusFailed, types.ProviderStatusCanceled:
		return true
	}
	return false
}

// Output is everything a finished job said it produced. Fields may refer to the
// trainer rather than the destination; the resolver decides which to trust.
type Output struct {
	WeightsURL  string
	ModelRef    string
	VersionRef  string
	MediaURLs   []string
	Destination string
}

// IsEmpty reports whether the output carries no reference at all
func (o *Output) IsEmpty() bool {
	return o == nil || (o.WeightsURL == "" && o.ModelRef == "" && o.VersionRef == "" &&
		len(o.MediaURLs) == 0 && o.Destination == "")
}

// Version is one published version of a model
type Version struct {
	ID        string
	CreatedAt time.Time
}
