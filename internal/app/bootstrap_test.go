package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/config"
	"github.com/sselfie/generation-core/internal/job"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Provider: config.ProviderConfig{
			Name:                    ProviderFake,
			TrainerModel:            "ostris/flux-dev-lora-trainer",
			TrainerVersion:          "trainer-v1",
			WeightsURLTemplate:      "https://weights.example.com/{model}/{version}.tar",
			CircuitBreakerThreshold: 3,
			CircuitBreakerTimeout:   time.Second,
			RetryAttempts:           2,
		},
		ProviderBudget: config.ProviderBudgetConfig{
			Enabled:        true,
			CallsPerSecond: 10,
			ReservedCalls:  5,
		},
		Reconcile: config.ReconcileConfig{
			PollLockTTL:      5 * time.Second,
			SnapshotCacheTTL: time.Minute,
			SubmitStaleAfter: 10 * time.Minute,
			RefundFailedJobs: true,
			ExpectedDuration: map[types.JobType]time.Duration{
				types.JobTypeTraining:        20 * time.Minute,
				types.JobTypeImageGeneration: time.Minute,
				types.JobTypeVideoGeneration: 5 * time.Minute,
			},
		},
	}
}

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
}

func submitAndCheck(t *testing.T, core *Core) {
	t.Helper()
	ctx := context.Background()

	_, err := core.Service.GrantCredits(ctx, ledger.GrantInput{
		UserID:         "alice",
		Amount:         20,
		Kind:           types.LedgerKindPurchase,
		IdempotencyKey: "pi_alice",
	})
	require.NoError(t, err)

	sub, err := core.Service.SubmitJob(ctx, job.SubmitInput{
		UserID:       "alice",
		JobType:      types.JobTypeImageGeneration,
		Model:        "acme/portrait",
		Input:        map[string]interface{}{"prompt": "studio headshot"},
		DeclaredCost: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), sub.NewBalance)

	view, err := core.Service.GetJobStatus(ctx, sub.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, view.Status)

	result, err := core.Checker.CheckUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, result.Consistent)
}

func TestBuild_MemoryWithoutRedis(t *testing.T) {
	core, err := Build(testConfig(), testLogger())
	require.NoError(t, err)
	defer core.Close()

	assert.Nil(t, core.Redis)
	assert.Nil(t, core.Snapshots)
	assert.Nil(t, core.PollLock)
	assert.Nil(t, core.Budget)
	assert.Empty(t, core.HealthChecks)
	require.NotNil(t, core.Guarded)
	assert.Equal(t, "fake", core.Guarded.Breaker().GetStats().Name)

	submitAndCheck(t, core)
}

func TestBuild_WithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig()
	cfg.Database.Redis = config.RedisConfig{
		Enabled:        true,
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 5,
	}

	core, err := Build(cfg, testLogger())
	require.NoError(t, err)
	defer core.Close()

	require.NotNil(t, core.Redis)
	require.NotNil(t, core.Snapshots)
	require.NotNil(t, core.PollLock)
	require.NotNil(t, core.Budget)
	require.Contains(t, core.HealthChecks, "redis")
	assert.NoError(t, core.HealthChecks["redis"](context.Background()))

	submitAndCheck(t, core)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{name: "unknown storage driver", mutate: func(c *config.Config) { c.Storage.Driver = "sqlite" }},
		{name: "real provider without token", mutate: func(c *config.Config) { c.Provider.Name = "replicate" }},
		{name: "unreachable redis", mutate: func(c *config.Config) {
			c.Database.Redis = config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: "1"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			core, err := Build(cfg, testLogger())
			assert.Error(t, err)
			assert.Nil(t, core)
		})
	}
}
