package adapter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/circuitbreaker"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/retry"
	"github.com/sselfie/generation-core/internal/types"
)

type stubBudget struct {
	err   error
	calls int
}

func (b *stubBudget) Acquire(ctx context.Context, operation string) error {
	b.calls++
	return b.err
}

func newGuarded(t *testing.T, next Provider, budget Budget, threshold int) *GuardedProvider {
	t.Helper()
	logger := logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:                "test",
		ConsecutiveFailures: threshold,
		Timeout:             time.Hour,
		IsFailure:           apperrors.IsProviderUnavailable,
	}, logger)
	opts := GuardOptions{
		Name:    "test",
		Breaker: breaker,
		Retry:   &retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Logger:  logger,
	}
	if budget != nil {
		opts.Budget = budget
	}
	return NewGuardedProvider(next, opts)
}

func TestGuardedProvider_RetriesTransientFetch(t *testing.T) {
	fake := NewFakeProvider()
	fake.FetchErr = apperrors.NewProviderUnavailableError("fake", errors.New("timeout"))
	g := newGuarded(t, fake, nil, 100)

	_, err := g.Fetch(context.Background(), RemoteJob{ID: "r1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderUnavailable(err))

	_, fetches, _ := fake.Calls()
	assert.Equal(t, 3, fetches)
}

func TestGuardedProvider_DoesNotRetryRejections(t *testing.T) {
	fake := NewFakeProvider()
	fake.FetchErr = apperrors.NewProviderRejectedError("fake", 404, "not found")
	g := newGuarded(t, fake, nil, 100)

	_, err := g.Fetch(context.Background(), RemoteJob{ID: "r1"})
	require.Error(t, err)
	assert.False(t, apperrors.IsProviderUnavailable(err))

	_, fetches, _ := fake.Calls()
	assert.Equal(t, 1, fetches)
}

func TestGuardedProvider_SubmitNotRetried(t *testing.T) {
	fake := NewFakeProvider()
	fake.SubmitErr = apperrors.NewProviderUnavailableError("fake", errors.New("reset"))
	g := newGuarded(t, fake, nil, 100)

	_, err := g.Submit(context.Background(), JobSpec{JobType: types.JobTypeImageGeneration})
	assert.True(t, apperrors.IsProviderUnavailable(err))

	submits, _, _ := fake.Calls()
	assert.Equal(t, 1, submits)
}

func TestGuardedProvider_BreakerShortCircuits(t *testing.T) {
	fake := NewFakeProvider()
	fake.FetchErr = apperrors.NewProviderUnavailableError("fake", errors.New("down"))
	g := newGuarded(t, fake, nil, 2)
	ctx := context.Background()

	_, _ = g.Fetch(ctx, RemoteJob{ID: "r1"})
	require.Equal(t, circuitbreaker.StateOpen, g.Breaker().GetState())
	_, before, _ := fake.Calls()

	_, err := g.Fetch(ctx, RemoteJob{ID: "r1"})
	assert.True(t, apperrors.IsProviderUnavailable(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	_, after, _ := fake.Calls()
	assert.Equal(t, before, after)
}

func TestGuardedProvider_BudgetExhausted(t *testing.T) {
	fake := NewFakeProvider()
	budget := &stubBudget{err: ratelimit.ErrMaxWaitExceeded}
	g := newGuarded(t, fake, budget, 100)

	_, err := g.Fetch(context.Background(), RemoteJob{ID: "r1"})
	assert.True(t, apperrors.IsProviderUnavailable(err))
	assert.Equal(t, 1, budget.calls)

	_, fetches, _ := fake.Calls()
	assert.Equal(t, 0, fetches)
}

func TestGuardedProvider_PassesThrough(t *testing.T) {
	fake := NewFakeProvider()
	fake.Script("r1", &Snapshot{Status: types.ProviderStatusProcessing, Logs: "step 3/10"})
	fake.SetVersions("alice/m", Version{ID: "v1"})
	budget := &stubBudget{}
	g := newGuarded(t, fake, budget, 100)
	ctx := context.Background()

	snap, err := g.Fetch(ctx, RemoteJob{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "step 3/10", snap.Logs)

	versions, err := g.ListVersions(ctx, "alice/m")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, 2, budget.calls)
}
