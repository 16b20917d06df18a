package resolver

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/adapter"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/types"
)

const (
	trainerModel   = "ostris/flux-dev-lora-trainer"
	trainerVersion = "trainer-v1"
)

func newTestResolver(lister VersionLister) *Resolver {
	return NewResolver(Config{
		TrainerModel:       trainerModel,
		TrainerVersion:     trainerVersion,
		WeightsURLTemplate: "https://weights.example.com/{model}/{version}.tar",
	}, lister, logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard))
}

func TestResolve_DirectWeightsURLWins(t *testing.T) {
	fake := adapter.NewFakeProvider()
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining,
		&adapter.Output{WeightsURL: "https://cdn.example.com/w.tar"}, "alice/selfie")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "https://cdn.example.com/w.tar", res.Artifacts.WeightsURL)
	assert.Equal(t, "alice/selfie", res.Artifacts.ModelID)
	assert.Equal(t, SourceDirectURL, res.Artifacts.Source)

	_, _, lists := fake.Calls()
	assert.Zero(t, lists)
}

func TestResolve_TrainerVersionFallsThroughToListing(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.SetVersions("alice/selfie",
		adapter.Version{ID: trainerVersion, CreatedAt: time.Now()},
		adapter.Version{ID: "v7", CreatedAt: time.Now().Add(-time.Hour)},
	)
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining,
		&adapter.Output{ModelRef: trainerModel, VersionRef: trainerVersion}, "alice/selfie")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "alice/selfie", res.Artifacts.ModelID)
	assert.Equal(t, "v7", res.Artifacts.VersionID)
	assert.Equal(t, "https://weights.example.com/alice/selfie/v7.tar", res.Artifacts.WeightsURL)
	assert.Equal(t, SourceVersionListing, res.Artifacts.Source)
	assert.NotEmpty(t, res.Artifacts.Anomalies)
}

func TestResolve_TrainerModelVersionIgnoredEvenWhenUnknown(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.SetVersions("alice/selfie", adapter.Version{ID: "v2"})
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining,
		&adapter.Output{ModelRef: trainerModel, VersionRef: "some-other-trainer-build"}, "alice/selfie")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "v2", res.Artifacts.VersionID)
}

func TestResolve_OutputVersionTrustedForDestination(t *testing.T) {
	fake := adapter.NewFakeProvider()
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining,
		&adapter.Output{ModelRef: "alice/selfie", VersionRef: "v3"}, "alice/selfie")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "v3", res.Artifacts.VersionID)
	assert.Equal(t, SourceOutputVersion, res.Artifacts.Source)
	assert.Empty(t, res.Artifacts.Anomalies)

	_, _, lists := fake.Calls()
	assert.Zero(t, lists)
}

func TestResolve_HintBeatsConflictingEcho(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.SetVersions("alice/selfie", adapter.Version{ID: "v9"})
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining,
		&adapter.Output{ModelRef: "bob/other", VersionRef: "b1"}, "alice/selfie")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "alice/selfie", res.Artifacts.ModelID)
	assert.Equal(t, "v9", res.Artifacts.VersionID)
	assert.Len(t, res.Artifacts.Anomalies, 2)
}

func TestResolve_EchoUsedWithoutHint(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.SetVersions("alice/selfie", adapter.Version{ID: "v1"})
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining,
		&adapter.Output{ModelRef: trainerModel, Destination: "alice/selfie"}, "")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "alice/selfie", res.Artifacts.ModelID)
	assert.Equal(t, "v1", res.Artifacts.VersionID)
}

func TestResolve_Unresolved(t *testing.T) {
	fake := adapter.NewFakeProvider()
	r := newTestResolver(fake)
	ctx := context.Background()

	res, err := r.Resolve(ctx, types.JobTypeTraining, &adapter.Output{ModelRef: trainerModel, VersionRef: trainerVersion}, "")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Empty(t, res.Artifacts.ModelID)
	assert.Empty(t, res.Artifacts.VersionID)

	res, err = r.Resolve(ctx, types.JobTypeTraining, nil, "alice/empty")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Contains(t, res.Detail, "alice/empty")
}

func TestResolve_OnlyTrainerVersionListed(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.SetVersions("alice/selfie", adapter.Version{ID: trainerVersion})
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining, &adapter.Output{}, "alice/selfie")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.NotEqual(t, trainerVersion, res.Artifacts.VersionID)
}

func TestResolve_TransientListingError(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.ListErr = apperrors.NewProviderUnavailableError("fake", errors.New("timeout"))
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining, &adapter.Output{}, "alice/selfie")
	assert.Nil(t, res)
	assert.True(t, apperrors.IsProviderUnavailable(err))
}

func TestResolve_PermanentListingErrorIsUnresolved(t *testing.T) {
	fake := adapter.NewFakeProvider()
	fake.ListErr = apperrors.NewProviderRejectedError("fake", 404, "no such model")
	r := newTestResolver(fake)

	res, err := r.Resolve(context.Background(), types.JobTypeTraining, &adapter.Output{}, "alice/selfie")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

func TestResolve_GenerationMedia(t *testing.T) {
	r := newTestResolver(adapter.NewFakeProvider())
	ctx := context.Background()

	res, err := r.Resolve(ctx, types.JobTypeImageGeneration,
		&adapter.Output{MediaURLs: []string{"https://cdn.example.com/1.png"}}, "")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, []string{"https://cdn.example.com/1.png"}, res.Artifacts.MediaURLs)

	res, err = r.Resolve(ctx, types.JobTypeVideoGeneration, &adapter.Output{ModelRef: "acme/video"}, "")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

// No combination of output fields makes the resolver persist a trainer identifier
func TestResolve_NeverReturnsTrainerIdentifiers(t *testing.T) {
	properties := gopter.NewProperties(nil)

	refs := []string{"", trainerModel, "alice/selfie", "bob/other"}
	versions := []string{"", trainerVersion, "v1", "v2"}

	properties.Property("trainer identifiers are never resolved", prop.ForAll(
		func(modelIdx, destIdx, versionIdx, hintIdx int, withWeights, listTrainerFirst bool) bool {
			fake := adapter.NewFakeProvider()
			listed := []adapter.Version{{ID: "v5"}}
			if listTrainerFirst {
				listed = append([]adapter.Version{{ID: trainerVersion}}, listed...)
			}
			for _, ref := range refs[1:] {
				fake.SetVersions(ref, listed...)
			}

			out := &adapter.Output{
				ModelRef:    refs[modelIdx],
				Destination: refs[destIdx],
				VersionRef:  versions[versionIdx],
			}
			if withWeights {
				out.WeightsURL = "https://cdn.example.com/w.tar"
			}

			res, err := newTestResolver(fake).Resolve(context.Background(), types.JobTypeTraining, out, refs[hintIdx])
			if err != nil {
				return false
			}
			a := res.Artifacts
			return a.ModelID != trainerModel && a.VersionID != trainerVersion
		},
		gen.IntRange(0, len(refs)-1),
		gen.IntRange(0, len(refs)-1),
		gen.IntRange(0, len(versions)-1),
		gen.IntRange(0, len(refs)-1),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
