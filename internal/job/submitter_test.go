package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/types"
)

func TestSubmit_ChargesAndRecords(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "alice", 10)

	res := h.submitTraining(t, "alice", 5)
	assert.Equal(t, int64(5), res.NewBalance)
	assert.Equal(t, types.JobStatusSubmitted, res.Status)
	assert.Equal(t, int64(5), h.balance(t, "alice"))

	job, err := h.store.GetByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSubmitted, job.LocalStatus)
	assert.True(t, job.CostCharged)
	require.NotNil(t, job.RemoteJobID)
	assert.Equal(t, res.RemoteJobID, *job.RemoteJobID)
	require.NotNil(t, job.DestinationHint)
	assert.Equal(t, "alice/selfie", *job.DestinationHint)
	assert.Equal(t, h.clock.Now(), job.StartedAt)

	specs := h.provider.Submitted()
	require.Len(t, specs, 1)
	assert.Equal(t, res.JobID, specs[0].JobID)
	assert.Equal(t, "alice/selfie", specs[0].Destination)

	entries, err := h.ledger.ListEntries(context.Background(), "alice", 10)
	require.NoError(t, err)
	var charge bool
	for _, e := range entries {
		if e.Kind == types.LedgerKindGenerationCharge {
			charge = true
			require.NotNil(t, e.ReferenceID)
			assert.Equal(t, res.JobID, *e.ReferenceID)
		}
	}
	assert.True(t, charge)
}

func TestSubmit_VideoUsesAnimationCharge(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "alice", 10)

	_, err := h.submitter.Submit(context.Background(), SubmitInput{
		UserID:       "alice",
		JobType:      types.JobTypeVideoGeneration,
		Model:        "acme/animate",
		DeclaredCost: 3,
	})
	require.NoError(t, err)

	entries, err := h.ledger.ListEntries(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, types.LedgerKindAnimationCharge, entries[0].Kind)
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "alice", 3)

	_, err := h.submitter.Submit(context.Background(), SubmitInput{
		UserID:       "alice",
		JobType:      types.JobTypeTraining,
		DeclaredCost: 5,
		Destination:  "alice/selfie",
	})
	insufficient, ok := apperrors.AsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(5), insufficient.Required)
	assert.Equal(t, int64(3), insufficient.Available)

	assert.Equal(t, int64(3), h.balance(t, "alice"))
	submits, _, _ := h.provider.Calls()
	assert.Zero(t, submits)
}

func TestSubmit_ProviderFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "alice", 10)
	h.provider.SubmitErr = apperrors.NewProviderUnavailableError("fake", errors.New("connection reset"))

	_, err := h.submitter.Submit(context.Background(), SubmitInput{
		UserID:       "alice",
		JobType:      types.JobTypeTraining,
		DeclaredCost: 5,
		Destination:  "alice/selfie",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderUnavailable(err))
	assert.Equal(t, int64(10), h.balance(t, "alice"))

	entries, err := h.ledger.ListEntries(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, types.LedgerKindRefund, entries[0].Kind)
	require.NotNil(t, entries[0].ReferenceID)

	job, err := h.store.GetByID(context.Background(), *entries[0].ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.LocalStatus)
	require.NotNil(t, job.FailureCode)
	assert.Equal(t, types.FailureSubmissionFailed, *job.FailureCode)
	assert.True(t, job.CostRefunded)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "alice", 10)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SubmitInput
	}{
		{"missing user", SubmitInput{JobType: types.JobTypeTraining, DeclaredCost: 1, Destination: "a/b"}},
		{"unknown type", SubmitInput{UserID: "alice", JobType: "podcast", DeclaredCost: 1}},
		{"zero cost", SubmitInput{UserID: "alice", JobType: types.JobTypeTraining, Destination: "a/b"}},
		{"training without destination", SubmitInput{UserID: "alice", JobType: types.JobTypeTraining, DeclaredCost: 1}},
		{"generation without model", SubmitInput{UserID: "alice", JobType: types.JobTypeImageGeneration, DeclaredCost: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.submitter.Submit(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, apperrors.IsUserError(err))
		})
	}

	assert.Equal(t, int64(10), h.balance(t, "alice"))
}
