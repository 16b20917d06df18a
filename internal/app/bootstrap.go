// Package app wires the generation core from configuration. The API server
// and the background worker build the same core and differ only in what they
// run on top of it.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sselfie/generation-core/internal/adapter"
	"github.com/sselfie/generation-core/internal/circuitbreaker"
	"github.com/sselfie/generation-core/internal/config"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/job"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/resolver"
	"github.com/sselfie/generation-core/internal/retry"
	"github.com/sselfie/generation-core/internal/service"
	"github.com/sselfie/generation-core/internal/storage"
)

// ProviderFake selects the in-memory provider
const ProviderFake = "fake"

// Core holds every long-lived component of the generation core
type Core struct {
	Config *config.Config
	Logger *logging.Logger

	Jobs       storage.JobStore
	Ledger     *ledger.Ledger
	Provider   adapter.Provider
	Guarded    *adapter.GuardedProvider
	Submitter  *job.Submitter
	Reconciler *job.Reconciler
	Service    *service.GenerationService
	Checker    *service.ConsistencyChecker

	// Nil when Redis is disabled
	Redis     *storage.RedisCache
	Snapshots *storage.JobSnapshotCache
	PollLock  *storage.PollLock
	Budget    *ratelimit.ProviderBudget

	// HealthChecks probes every external dependency by name
	HealthChecks map[string]func(ctx context.Context) error

	closers []func()
}

// Build connects to the configured backends and assembles the core. Close
// releases whatever Build opened.
func Build(cfg *config.Config, logger *logging.Logger) (*Core, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	c := &Core{
		Config:       cfg,
		Logger:       logger,
		HealthChecks: make(map[string]func(ctx context.Context) error),
	}

	if err := c.buildStorage(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildRedis(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildProvider(); err != nil {
		c.Close()
		return nil, err
	}
	c.buildServices()

	return c, nil
}

// Close releases connections in reverse order of opening
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Core) buildStorage() error {
	switch c.Config.Storage.Driver {
	case "memory":
		c.Logger.Warn("using in-memory storage; state is lost on restart")
		c.Jobs = storage.NewMemoryJobStore()
		c.Ledger = ledger.NewLedger(storage.NewMemoryLedgerStore(), c.Logger)
	case "postgres":
		db, err := storage.NewPostgresDB(&c.Config.Database.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		c.HealthChecks["postgres"] = db.Ping
		c.Jobs = storage.NewJobRepository(db)
		c.Ledger = ledger.NewLedger(storage.NewLedgerRepository(db), c.Logger)
		c.Logger.Info("connected to Postgres")
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Config.Storage.Driver)
	}
	return nil
}

func (c *Core) buildRedis() error {
	if !c.Config.Database.Redis.Enabled {
		c.Logger.Info("Redis disabled; snapshot cache, poll lock and provider budget are off")
		return nil
	}

	rc, err := storage.NewRedisCache(&c.Config.Database.Redis)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, func() { _ = rc.Close() })
	c.HealthChecks["redis"] = rc.Ping
	c.Redis = rc

	c.Snapshots = storage.NewJobSnapshotCache(storage.NewCacheService(rc, c.Config.Reconcile.SnapshotCacheTTL))
	c.PollLock = storage.NewPollLock(rc, c.Config.Reconcile.PollLockTTL)

	if c.Config.ProviderBudget.Enabled {
		budget, err := ratelimit.NewProviderBudget(&ratelimit.ProviderBudgetConfig{
			Redis:          rc.Client(),
			CallsPerSecond: c.Config.ProviderBudget.CallsPerSecond,
			ReservedCalls:  c.Config.ProviderBudget.ReservedCalls,
			Logger:         c.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create provider budget: %w", err)
		}
		c.Budget = budget
	}

	c.Logger.Info("connected to Redis")
	return nil
}

func (c *Core) buildProvider() error {
	pc := c.Config.Provider

	var next adapter.Provider
	switch strings.ToLower(pc.Name) {
	case ProviderFake:
		c.Logger.Warn("using the fake generation provider")
		next = adapter.NewFakeProvider()
	default:
		if pc.APIToken == "" {
			return fmt.Errorf("PROVIDER_API_TOKEN is required for provider %s", pc.Name)
		}
		next = adapter.NewReplicateClient(adapter.ReplicateConfig{
			Name:              pc.Name,
			BaseURL:           pc.BaseURL,
			APIToken:          pc.APIToken,
			Timeout:           pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			WebhookURL:        pc.WebhookURL,
			TrainerModel:      pc.TrainerModel,
			TrainerVersion:    pc.TrainerVersion,
		}, c.Logger)
	}

	breakerCfg := circuitbreaker.DefaultConfig(pc.Name)
	if pc.CircuitBreakerThreshold > 0 {
		breakerCfg.ConsecutiveFailures = pc.CircuitBreakerThreshold
	}
	if pc.CircuitBreakerTimeout > 0 {
		breakerCfg.Timeout = pc.CircuitBreakerTimeout
	}
	breakerCfg.IsFailure = apperrors.IsProviderUnavailable

	retryCfg := retry.DefaultRetryConfig()
	if pc.RetryAttempts > 0 {
		retryCfg.MaxAttempts = pc.RetryAttempts
	}

	opts := adapter.GuardOptions{
		Name:    pc.Name,
		Breaker: circuitbreaker.NewCircuitBreaker(breakerCfg, c.Logger),
		Retry:   retryCfg,
		Logger:  c.Logger,
	}
	if c.Budget != nil {
		opts.Budget = c.Budget
	}

	c.Guarded = adapter.NewGuardedProvider(next, opts)
	c.Provider = c.Guarded
	return nil
}

func (c *Core) buildServices() {
	pc := c.Config.Provider
	res := resolver.NewResolver(resolver.Config{
		TrainerModel:       pc.TrainerModel,
		TrainerVersion:     pc.TrainerVersion,
		WeightsURLTemplate: pc.WeightsURLTemplate,
	}, c.Provider, c.Logger)

	deps := job.ReconcilerDeps{
		Store:    c.Jobs,
		Provider: c.Provider,
		Resolver: res,
		Ledger:   c.Ledger,
		Logger:   c.Logger,
	}
	if c.Snapshots != nil {
		deps.Snapshots = c.Snapshots
	}
	if c.PollLock != nil {
		deps.Locker = c.PollLock
	}

	c.Submitter = job.NewSubmitter(c.Jobs, c.Ledger, c.Provider, c.Logger)
	c.Reconciler = job.NewReconciler(deps, job.ReconcilerConfig{
		RefundFailedJobs: c.Config.Reconcile.RefundFailedJobs,
		SubmitStaleAfter: c.Config.Reconcile.SubmitStaleAfter,
		ExpectedDuration: c.Config.Reconcile.ExpectedDuration,
	})
	c.Service = service.NewGenerationService(c.Submitter, c.Reconciler, c.Ledger, c.Logger)

	var snapshots service.SnapshotInvalidator
	if c.Snapshots != nil {
		snapshots = c.Snapshots
	}
	c.Checker = service.NewConsistencyChecker(c.Jobs, c.Ledger, snapshots, c.Logger)
}
