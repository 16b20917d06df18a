package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/types"
)

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, types.ProviderStatusStarting, normalizeStatus("starting"))
	assert.Equal(t, types.ProviderStatusProcessing, normalizeStatus("Processing"))
	assert.Equal(t, types.ProviderStatusSucceeded, normalizeStatus("succeeded"))
	assert.Equal(t, types.ProviderStatusFailed, normalizeStatus("failed"))
	assert.Equal(t, types.ProviderStatusCanceled, normalizeStatus("canceled"))
	assert.Equal(t, types.ProviderStatus(""), normalizeStatus("paused"))
	assert.Equal(t, types.ProviderStatus(""), normalizeStatus(""))
}

func TestNormalizeOutput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		jobType types.JobType
		want    *Output
	}{
		{"null", `null`, types.JobTypeImageGeneration, nil},
		{"image url string", `"https://cdn.example.com/a.png"`, types.JobTypeImageGeneration,
			&Output{MediaURLs: []string{"https://cdn.example.com/a.png"}}},
		{"training weights string", `"https://cdn.example.com/w.tar"`, types.JobTypeTraining,
			&Output{WeightsURL: "https://cdn.example.com/w.tar"}},
		{"url array", `["https://a/1.png", 7, "https://a/2.png"]`, types.JobTypeImageGeneration,
			&Output{MediaURLs: []string{"https://a/1.png", "https://a/2.png"}}},
		{"bare version id", `{"version":"v9"}`, types.JobTypeTraining,
			&Output{VersionRef: "v9"}},
		{"explicit model wins over version prefix", `{"model":"alice/m","version":"other/x:v1"}`, types.JobTypeTraining,
			&Output{ModelRef: "alice/m", VersionRef: "v1"}},
		{"video object", `{"video":"https://a/v.mp4"}`, types.JobTypeVideoGeneration,
			&Output{MediaURLs: []string{"https://a/v.mp4"}}},
		{"empty object", `{}`, types.JobTypeTraining, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOutput(json.RawMessage(tt.raw), tt.jobType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := normalizeOutput(json.RawMessage(`42`), types.JobTypeTraining)
	assert.Error(t, err)
}

func TestNormalizeError(t *testing.T) {
	assert.Equal(t, "", normalizeError(nil))
	assert.Equal(t, "", normalizeError(json.RawMessage(`null`)))
	assert.Equal(t, "CUDA out of memory", normalizeError(json.RawMessage(`"CUDA out of memory"`)))
	assert.Equal(t, "bad input", normalizeError(json.RawMessage(`{"detail":"bad input"}`)))
	assert.Equal(t, `[1]`, normalizeError(json.RawMessage(`[1]`)))
}

func TestNormalizeProgress(t *testing.T) {
	assert.Nil(t, normalizeProgress(nil))
	assert.Nil(t, normalizeProgress(json.RawMessage(`{"predict_time": 3.2}`)))
	assert.Nil(t, normalizeProgress(json.RawMessage(`{"progress": 1.7}`)))

	got := normalizeProgress(json.RawMessage(`{"progress": 0.42}`))
	require.NotNil(t, got)
	assert.InDelta(t, 0.42, *got, 1e-9)
}

func TestNormalizeSnapshot_DestinationAndUnknownStatus(t *testing.T) {
	snap := normalizeSnapshot(&remoteJobResponse{
		Status:      "paused",
		Destination: "alice/selfie-lora",
	}, types.JobTypeTraining)
	assert.False(t, snap.Known())
	assert.Equal(t, "paused", snap.RawStatus)
	require.NotNil(t, snap.Output)
	assert.Equal(t, "alice/selfie-lora", snap.Output.Destination)
}

func TestNormalizeSnapshot_UndecodableOutputKeepsStatus(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		jobType types.JobType
	}{
		{"bool", `true`, types.JobTypeImageGeneration},
		{"number", `42`, types.JobTypeTraining},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := normalizeSnapshot(&remoteJobResponse{
				Status: "succeeded",
				Output: json.RawMessage(tt.raw),
			}, tt.jobType)
			require.NotNil(t, snap)
			assert.Equal(t, types.ProviderStatusSucceeded, snap.Status)
			assert.Nil(t, snap.Output)
			assert.Contains(t, snap.OutputAnomaly, "unexpected output type")
		})
	}

	snap := normalizeSnapshot(&remoteJobResponse{
		Status:      "succeeded",
		Output:      json.RawMessage(`false`),
		Destination: "alice/selfie-lora",
	}, types.JobTypeTraining)
	require.NotNil(t, snap.Output)
	assert.Equal(t, "alice/selfie-lora", snap.Output.Destination)
	assert.NotEmpty(t, snap.OutputAnomaly)
}
