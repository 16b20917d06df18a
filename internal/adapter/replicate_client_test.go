package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *ReplicateClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewReplicateClient(ReplicateConfig{
		BaseURL:           srv.URL,
		APIToken:          "tok",
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
		WebhookURL:        "https://app.example.com/webhooks/provider",
		TrainerModel:      "ostris/flux-dev-lora-trainer",
		TrainerVersion:    "trainer-v1",
	}, logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard))
}

func TestReplicateClient_SubmitTraining(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"tr_1","status":"starting"}`))
	})

	id, err := client.Submit(context.Background(), JobSpec{
		JobID:       "job-1",
		JobType:     types.JobTypeTraining,
		Destination: "alice/selfie-lora",
		Input:       map[string]interface{}{"steps": 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", id)
	assert.Equal(t, "/models/ostris/flux-dev-lora-trainer/versions/trainer-v1/trainings", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "alice/selfie-lora", gotBody["destination"])
	assert.Equal(t, "https://app.example.com/webhooks/provider/job-1", gotBody["webhook"])
}

func TestReplicateClient_SubmitPrediction(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"p_1"}`))
	})
	ctx := context.Background()

	_, err := client.Submit(ctx, JobSpec{JobType: types.JobTypeImageGeneration, Version: "abc"})
	require.NoError(t, err)
	_, err = client.Submit(ctx, JobSpec{JobType: types.JobTypeVideoGeneration, Model: "acme/video"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/predictions", "/models/acme/video/predictions"}, paths)
}

func TestReplicateClient_SubmitValidation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	})
	ctx := context.Background()

	_, err := client.Submit(ctx, JobSpec{JobType: types.JobTypeTraining})
	assert.True(t, apperrors.IsUserError(err))

	_, err = client.Submit(ctx, JobSpec{JobType: types.JobTypeImageGeneration, Model: "no-owner"})
	assert.True(t, apperrors.IsUserError(err))

	_, err = client.Submit(ctx, JobSpec{JobType: "podcast"})
	assert.True(t, apperrors.IsUserError(err))
}

func TestReplicateClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unavailable bool
	}{
		{"server error is transient", http.StatusBadGateway, true},
		{"rate limited is transient", http.StatusTooManyRequests, true},
		{"client error is permanent", http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			})
			_, err := client.Fetch(context.Background(), RemoteJob{ID: "p_1", JobType: types.JobTypeImageGeneration})
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, apperrors.IsProviderUnavailable(err))
		})
	}
}

func TestReplicateClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewReplicateClient(ReplicateConfig{BaseURL: srv.URL, TrainerModel: "a/b"}, nil)
	_, err := client.Fetch(context.Background(), RemoteJob{ID: "p_1"})
	assert.True(t, apperrors.IsProviderUnavailable(err))
}

func TestReplicateClient_FetchTraining(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trainings/tr_1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "tr_1",
			"status": "succeeded",
			"logs": "step 100/100",
			"output": {"version": "alice/selfie-lora:v42", "weights": "https://cdn.example.com/w.tar"}
		}`))
	})

	snap, err := client.Fetch(context.Background(), RemoteJob{ID: "tr_1", JobType: types.JobTypeTraining})
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStatusSucceeded, snap.Status)
	require.NotNil(t, snap.Output)
	assert.Equal(t, "https://cdn.example.com/w.tar", snap.Output.WeightsURL)
	assert.Equal(t, "alice/selfie-lora", snap.Output.ModelRef)
	assert.Equal(t, "v42", snap.Output.VersionRef)
}

func TestReplicateClient_ListVersionsNewestFirst(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/alice/selfie-lora/versions", r.URL.Path)
		_, _ = w.Write([]byte(`{"results":[
			{"id":"old","created_at":"2026-01-01T00:00:00Z"},
			{"id":"new","created_at":"2026-02-01T00:00:00Z"}
		]}`))
	})

	versions, err := client.ListVersions(context.Background(), "alice/selfie-lora")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "new", versions[0].ID)
	assert.Equal(t, "old", versions[1].ID)
}

func TestReplicateClient_FetchUndecodableOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions/p_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"p_1","status":"succeeded","output":true}`))
	})

	snap, err := client.Fetch(context.Background(), RemoteJob{ID: "p_1", JobType: types.JobTypeImageGeneration})
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStatusSucceeded, snap.Status)
	assert.Nil(t, snap.Output)
	assert.NotEmpty(t, snap.OutputAnomaly)
}
